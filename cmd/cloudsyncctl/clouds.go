package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/devghori1264/aerophoenix/cloudsync/internal/server"
)

func newCloudsCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clouds",
		Short: "Manage clouds",
	}
	cmd.AddCommand(
		newCloudsAddCmd(opts),
		newCloudsListCmd(opts),
		newCloudsUpdateCmd(opts),
		actionCmd(opts, "enable ID", "Enable polling of a cloud", server.ActionEnable, 1, nil),
		actionCmd(opts, "disable ID", "Disable a cloud and mark its resources missing", server.ActionDisable, 1, nil),
		actionCmd(opts, "rename ID TITLE", "Rename a cloud", server.ActionRename, 2,
			func(req *server.CloudActionRequest, args []string) error {
				req.Title = args[1]
				return nil
			}),
		actionCmd(opts, "interval ID SECONDS", "Set the polling interval, 0 for the default", server.ActionSetPollingInterval, 2,
			func(req *server.CloudActionRequest, args []string) error {
				n, err := strconv.Atoi(args[1])
				if err != nil {
					return fmt.Errorf("interval: %w", err)
				}
				req.Interval = n
				return nil
			}),
		toggleCmd(opts, "dns", "Turn DNS zone polling on or off", server.ActionEnableDNS, server.ActionDisableDNS),
		toggleCmd(opts, "obslogs", "Turn the observation log on or off", server.ActionEnableObservationLogs, server.ActionDisableObservationLogs),
		newCloudsDeleteCmd(opts),
	)
	return cmd
}

func newCloudsAddCmd(opts *options) *cobra.Command {
	var req server.AddCloudRequest
	cmd := &cobra.Command{
		Use:   "add TITLE",
		Short: "Register a cloud",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, ctx, done, err := opts.connect(cmd)
			if err != nil {
				return err
			}
			defer done()
			req.Owner = opts.owner
			req.Title = args[0]
			res, err := client.AddCloud(ctx, req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&req.Provider, "provider", "sim", "provider family")
	cmd.Flags().StringToStringVar(&req.Credentials, "cred", nil, "credential key=value, repeatable")
	cmd.Flags().BoolVar(&req.DNSEnabled, "dns", false, "poll DNS zones")
	cmd.Flags().IntVar(&req.PollingInterval, "interval", 0, "polling interval in seconds, 0 for the default")
	cmd.Flags().BoolVar(&req.SkipFailedProbe, "skip-failed-probe", false, "save the cloud even if the connection check fails")
	return cmd
}

func newCloudsListCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the owner's clouds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, ctx, done, err := opts.connect(cmd)
			if err != nil {
				return err
			}
			defer done()
			res, err := client.ListClouds(ctx, opts.owner)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res.Clouds)
		},
	}
}

func newCloudsUpdateCmd(opts *options) *cobra.Command {
	var req server.UpdateCloudRequest
	cmd := &cobra.Command{
		Use:   "update ID",
		Short: "Change credentials; an empty value removes a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, ctx, done, err := opts.connect(cmd)
			if err != nil {
				return err
			}
			defer done()
			req.CloudID = args[0]
			res, err := client.UpdateCloud(ctx, req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringToStringVar(&req.Credentials, "cred", nil, "credential key=value, repeatable")
	cmd.Flags().BoolVar(&req.SkipFailedProbe, "skip-failed-probe", false, "save the credentials even if the connection check fails")
	return cmd
}

func newCloudsDeleteCmd(opts *options) *cobra.Command {
	var expire bool
	cmd := actionCmd(opts, "delete ID", "Delete a cloud", server.ActionDelete, 1,
		func(req *server.CloudActionRequest, _ []string) error {
			req.Expire = expire
			return nil
		})
	cmd.Flags().BoolVar(&expire, "expire", false, "also erase its resources instead of marking them missing")
	return cmd
}

func actionCmd(opts *options, use, short, action string, nargs int, fill func(*server.CloudActionRequest, []string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(nargs),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := server.CloudActionRequest{CloudID: args[0], Action: action}
			if fill != nil {
				if err := fill(&req, args); err != nil {
					return err
				}
			}
			return runAction(cmd, opts, req)
		},
	}
}

func toggleCmd(opts *options, name, short, on, off string) *cobra.Command {
	return &cobra.Command{
		Use:       name + " ID on|off",
		Short:     short,
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			req := server.CloudActionRequest{CloudID: args[0]}
			switch args[1] {
			case "on":
				req.Action = on
			case "off":
				req.Action = off
			default:
				return fmt.Errorf("want on or off, got %q", args[1])
			}
			return runAction(cmd, opts, req)
		},
	}
}

func runAction(cmd *cobra.Command, opts *options, req server.CloudActionRequest) error {
	client, ctx, done, err := opts.connect(cmd)
	if err != nil {
		return err
	}
	defer done()
	res, err := client.CloudAction(ctx, req)
	if err != nil {
		return err
	}
	if res.Cloud == nil {
		fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", req.Action)
		return nil
	}
	return printJSON(cmd.OutOrStdout(), res.Cloud)
}
