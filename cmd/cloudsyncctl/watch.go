package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/devghori1264/aerophoenix/cloudsync/internal/models"
	"github.com/devghori1264/aerophoenix/cloudsync/internal/server"
	"github.com/devghori1264/aerophoenix/cloudsync/internal/watch"
)

func newWatchCmd(opts *options) *cobra.Command {
	var (
		natsURL   string
		heartbeat time.Duration
		seed      bool
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the owner's patches and inventory updates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			nc, err := nats.Connect(natsURL, nats.Name("cloudsyncctl"))
			if err != nil {
				return fmt.Errorf("connect nats: %w", err)
			}
			defer nc.Drain()

			mirror := watch.NewMirror()
			if seed {
				if err := seedMirror(cmd, opts, mirror); err != nil {
					return err
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			out := cmd.OutOrStdout()
			w := watch.New(nc, opts.owner, mirror, watch.WithHeartbeat(heartbeat))
			return w.Run(ctx, func(u watch.Update) {
				switch {
				case u.Err != nil:
					fmt.Fprintf(out, "%s: error: %v\n", u.RoutingKey, u.Err)
				case u.Inventory != nil:
					fmt.Fprintf(out, "%s cloud=%s machine=%s name=%s state=%s\n",
						u.RoutingKey, u.CloudID, u.Inventory.MachineID, u.Inventory.Name, u.Inventory.State)
				default:
					fmt.Fprintf(out, "%s cloud=%s ops=%d records=%d\n", u.RoutingKey, u.CloudID, u.Ops, len(u.Doc))
				}
			})
		},
	}
	cmd.Flags().StringVar(&natsURL, "nats", nats.DefaultURL, "NATS server URL")
	cmd.Flags().DurationVar(&heartbeat, "heartbeat", 30*time.Second, "presence heartbeat period")
	cmd.Flags().BoolVar(&seed, "seed", true, "load current records before following patches")
	return cmd
}

// seedMirror loads the stored records of every cloud of the owner so that
// incoming patches apply to the same documents the daemon diffed against.
func seedMirror(cmd *cobra.Command, opts *options, mirror *watch.Mirror) error {
	client, ctx, done, err := opts.connect(cmd)
	if err != nil {
		return err
	}
	defer done()
	clouds, err := client.ListClouds(ctx, opts.owner)
	if err != nil {
		return err
	}
	for _, c := range clouds.Clouds {
		for _, kind := range models.AllKinds {
			if err := seedKind(ctx, client, mirror, c.ID, kind); err != nil {
				return err
			}
		}
	}
	return nil
}

func seedKind(ctx context.Context, client *server.Client, mirror *watch.Mirror, cloudID string, kind models.Kind) error {
	res, err := client.ListResources(ctx, server.ResourcesRequest{CloudID: cloudID, Kind: string(kind)})
	if err != nil {
		return fmt.Errorf("load %s of %s: %w", kind, cloudID, err)
	}
	return mirror.Seed(cloudID, kind, res.Resources)
}
