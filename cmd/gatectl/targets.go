package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/triage-ai/palisade/services/request_gate/internal/matcher"
)

func (a *app) newTargetsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "targets",
		Short: "Manage the auto-approve allow-list",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Print allow-list entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, conn, err := a.connect()
			if err != nil {
				return err
			}
			defer conn.Close()

			ctx, cancel := a.callContext(cmd.Context(), a.timeout())
			defer cancel()
			resp, err := client.ListTargets(ctx)
			if err != nil {
				return err
			}
			for _, t := range resp.Targets {
				fmt.Fprintln(cmd.OutOrStdout(), t)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "add <entry>",
		Short: "Add host, host:port, *.domain or *.domain:port",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := matcher.ValidateEntry(args[0]); err != nil {
				return err
			}
			client, conn, err := a.connect()
			if err != nil {
				return err
			}
			defer conn.Close()

			ctx, cancel := a.callContext(cmd.Context(), a.timeout())
			defer cancel()
			resp, err := client.AddTarget(ctx, args[0])
			if err != nil {
				return err
			}
			if !resp.Changed {
				fmt.Fprintf(cmd.OutOrStdout(), "%s already present\n", args[0])
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added %s (%d entries)\n", args[0], len(resp.Targets))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "remove <entry>",
		Short: "Remove an exact allow-list entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, conn, err := a.connect()
			if err != nil {
				return err
			}
			defer conn.Close()

			ctx, cancel := a.callContext(cmd.Context(), a.timeout())
			defer cancel()
			resp, err := client.RemoveTarget(ctx, args[0])
			if err != nil {
				return err
			}
			if !resp.Changed {
				fmt.Fprintf(cmd.OutOrStdout(), "%s not present\n", args[0])
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s (%d entries)\n", args[0], len(resp.Targets))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Remove every allow-list entry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, conn, err := a.connect()
			if err != nil {
				return err
			}
			defer conn.Close()

			ctx, cancel := a.callContext(cmd.Context(), a.timeout())
			defer cancel()
			if err := client.ClearTargets(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "allow-list cleared")
			return nil
		},
	})

	return cmd
}
