package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/triage-ai/palisade/services/request_gate/internal/gate"
	"github.com/triage-ai/palisade/services/request_gate/internal/server"
)

func (a *app) newPendingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List and resolve decisions waiting for an operator",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List pending decisions, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, conn, err := a.connect()
			if err != nil {
				return err
			}
			defer conn.Close()

			ctx, cancel := a.callContext(cmd.Context(), a.timeout())
			defer cancel()
			resp, err := client.ListPending(ctx)
			if err != nil {
				return err
			}
			if len(resp.Pending) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no pending decisions")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tKIND\tTARGET\tCLIENT\tAGE")
			for _, p := range resp.Pending {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					p.ID, p.Kind, describeTarget(p), p.ClientID, time.Since(p.CreatedAt).Round(time.Second))
			}
			return w.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "resolve <id> <outcome>",
		Short: "Resolve a pending decision (allow_once, allow_host, allow_host_port, always_allow_category, deny)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := gate.ParseOutcome(args[1]); err != nil {
				return err
			}
			client, conn, err := a.connect()
			if err != nil {
				return err
			}
			defer conn.Close()

			ctx, cancel := a.callContext(cmd.Context(), a.timeout())
			defer cancel()
			if err := client.ResolvePending(ctx, &server.ResolvePendingRequest{ID: args[0], Outcome: args[1]}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "resolved %s: %s\n", args[0], args[1])
			return nil
		},
	})

	return cmd
}

// describeTarget renders what a pending decision is about.
func describeTarget(p gate.PendingRequest) string {
	if p.Kind == gate.KindHistoryAccess {
		return p.Category.DisplayName()
	}
	return fmt.Sprintf("%s:%d", p.Hostname, p.Port)
}
