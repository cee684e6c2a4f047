package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/devghori1264/aerophoenix/cloudsync/internal/server"
)

type options struct {
	addr    string
	owner   string
	timeout time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:          "cloudsyncctl",
		Short:        "Control a cloudsyncd daemon",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.addr, "addr", "localhost:50051", "cloudsyncd gRPC address")
	cmd.PersistentFlags().StringVar(&opts.owner, "owner", "default", "owner the clouds belong to")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 2*time.Minute, "per-request timeout")

	cmd.AddCommand(
		newPingCmd(opts),
		newCloudsCmd(opts),
		newResourcesCmd(opts),
		newReconcileCmd(opts),
		newObservationsCmd(opts),
		newWatchCmd(opts),
	)
	return cmd
}

// connect dials the daemon and returns a client with a request context.
func (o *options) connect(cmd *cobra.Command) (*server.Client, context.Context, func(), error) {
	conn, err := grpc.NewClient(o.addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("dial %s: %w", o.addr, err)
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), o.timeout)
	return server.NewClient(conn), ctx, func() {
		cancel()
		_ = conn.Close()
	}, nil
}

func newPingCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check the daemon is reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, ctx, done, err := opts.connect(cmd)
			if err != nil {
				return err
			}
			defer done()
			msg, err := client.Ping(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), msg)
			return nil
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
