package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/triage-ai/palisade/services/request_gate/internal/approval"
)

func (a *app) newSettingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or change approval settings",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get",
		Short: "Print every approval setting as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, conn, err := a.connect()
			if err != nil {
				return err
			}
			defer conn.Close()

			ctx, cancel := a.callContext(cmd.Context(), a.timeout())
			defer cancel()
			s, err := client.GetSettings(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd, s)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set <name>=<bool>...",
		Short: "Change settings, e.g. require_http_request_approval=false",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			update, err := parseSettingsUpdate(args)
			if err != nil {
				return err
			}
			client, conn, err := a.connect()
			if err != nil {
				return err
			}
			defer conn.Close()

			ctx, cancel := a.callContext(cmd.Context(), a.timeout())
			defer cancel()
			s, err := client.UpdateSettings(ctx, update)
			if err != nil {
				return err
			}
			return printJSON(cmd, s)
		},
	})

	return cmd
}

// parseSettingsUpdate turns name=value pairs into a partial update. Names
// are the JSON field names of approval.Settings.
func parseSettingsUpdate(args []string) (*approval.SettingsUpdate, error) {
	u := &approval.SettingsUpdate{}
	for _, arg := range args {
		name, raw, ok := strings.Cut(arg, "=")
		if !ok {
			return nil, fmt.Errorf("expected name=value, got %q", arg)
		}
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %q is not a boolean", name, raw)
		}
		switch name {
		case "require_http_request_approval":
			u.RequireHTTPRequestApproval = &v
		case "require_history_access_approval":
			u.RequireHistoryAccessApproval = &v
		case "always_allow_http_history":
			u.AlwaysAllowHTTPHistory = &v
		case "always_allow_websocket_history":
			u.AlwaysAllowWebSocketHistory = &v
		case "config_editing_tooling":
			u.ConfigEditingTooling = &v
		default:
			return nil, fmt.Errorf("unknown setting %q", name)
		}
	}
	return u, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
