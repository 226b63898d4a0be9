package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/triage-ai/palisade/services/request_gate/internal/server"
)

func (a *app) newCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Ask the gate for a decision, as an MCP tool layer would",
	}

	var preview string
	httpCmd := &cobra.Command{
		Use:   "http <hostname> <port>",
		Short: "Check an outbound HTTP request; blocks until decided",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid port %q", args[1])
			}
			client, conn, err := a.connect()
			if err != nil {
				return err
			}
			defer conn.Close()

			ctx, cancel := a.callContext(cmd.Context(), 0)
			defer cancel()
			resp, err := client.CheckHttpRequest(ctx, &server.CheckHTTPRequestRequest{
				Hostname: args[0],
				Port:     int32(port),
				Preview:  preview,
			})
			if err != nil {
				return err
			}
			printCheck(cmd, resp)
			return nil
		},
	}
	httpCmd.Flags().StringVar(&preview, "preview", "", "request summary shown to the operator")

	historyCmd := &cobra.Command{
		Use:   "history <http_history|websocket_history>",
		Short: "Check a proxy-history read; blocks until decided",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, conn, err := a.connect()
			if err != nil {
				return err
			}
			defer conn.Close()

			ctx, cancel := a.callContext(cmd.Context(), 0)
			defer cancel()
			resp, err := client.CheckHistoryAccess(ctx, &server.CheckHistoryAccessRequest{Category: args[0]})
			if err != nil {
				return err
			}
			printCheck(cmd, resp)
			return nil
		},
	}

	cmd.AddCommand(httpCmd, historyCmd)
	return cmd
}

func printCheck(cmd *cobra.Command, resp *server.CheckResponse) {
	verdict := "DENIED"
	if resp.Allowed {
		verdict = "ALLOWED"
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s (%s)\n", verdict, resp.Source)
	if resp.Outcome != "" {
		fmt.Fprintf(out, "outcome: %s\n", resp.Outcome)
	}
	fmt.Fprintln(out, resp.Message)
}
