package main

import (
	"github.com/spf13/cobra"

	"github.com/devghori1264/aerophoenix/cloudsync/internal/server"
)

func newResourcesCmd(opts *options) *cobra.Command {
	var missing, mine bool
	cmd := &cobra.Command{
		Use:   "resources CLOUD KIND",
		Short: "List stored records of a cloud",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, ctx, done, err := opts.connect(cmd)
			if err != nil {
				return err
			}
			defer done()
			req := server.ResourcesRequest{CloudID: args[0], Kind: args[1], IncludeMissing: missing}
			if mine {
				req.Owner = opts.owner
			}
			res, err := client.ListResources(ctx, req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res.Resources)
		},
	}
	cmd.Flags().BoolVar(&missing, "missing", false, "include records the provider no longer reports")
	cmd.Flags().BoolVar(&mine, "mine", false, "only records visible to --owner")
	return cmd
}

func newReconcileCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile CLOUD KIND",
		Short: "Poll a cloud now and print what it reports",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, ctx, done, err := opts.connect(cmd)
			if err != nil {
				return err
			}
			defer done()
			res, err := client.Reconcile(ctx, server.ResourcesRequest{CloudID: args[0], Kind: args[1]})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res.Resources)
		},
	}
}

func newObservationsCmd(opts *options) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "observations",
		Short: "Show the owner's observation log, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, ctx, done, err := opts.connect(cmd)
			if err != nil {
				return err
			}
			defer done()
			res, err := client.ListObservations(ctx, server.ObservationsRequest{Owner: opts.owner, Limit: limit})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res.Observations)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "entries to show, 0 for all")
	return cmd
}
