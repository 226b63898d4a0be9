package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/triage-ai/palisade/services/request_gate/internal/configguard"
	"github.com/triage-ai/palisade/services/request_gate/internal/redact"
	"github.com/triage-ai/palisade/services/request_gate/internal/server"
)

func (a *app) newRedactCmd() *cobra.Command {
	var local bool
	cmd := &cobra.Command{
		Use:   "redact [file]",
		Short: "Mask passwords in exported configuration JSON (stdin when no file)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := readInput(cmd, args)
			if err != nil {
				return err
			}
			if local {
				out, err := redact.Config(doc)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), out)
				return nil
			}

			client, conn, err := a.connect()
			if err != nil {
				return err
			}
			defer conn.Close()

			ctx, cancel := a.callContext(cmd.Context(), a.timeout())
			defer cancel()
			resp, err := client.RedactConfig(ctx, doc)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.JSON)
			return nil
		},
	}
	cmd.Flags().BoolVar(&local, "local", false, "redact in-process without contacting the server")

	cmd.AddCommand(a.newImportCheckCmd())
	return cmd
}

func (a *app) newImportCheckCmd() *cobra.Command {
	var scope string
	cmd := &cobra.Command{
		Use:   "import-check [file]",
		Short: "Ask whether a configuration document may be imported",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if configguard.Scope(scope).RootKey() == "" {
				return fmt.Errorf("--scope must be user or project, got %q", scope)
			}
			doc, err := readInput(cmd, args)
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
			resp, err := client.CheckConfigImport(ctx, &server.CheckConfigImportRequest{Scope: scope, JSON: doc})
			if err != nil {
				return err
			}
			if !resp.Allowed {
				fmt.Fprintln(cmd.OutOrStdout(), "REFUSED:", resp.Message)
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), "import permitted")
			return nil
		},
	}
	cmd.Flags().StringVar(&scope, "scope", string(configguard.ScopeProject), "user or project")
	return cmd
}

func readInput(cmd *cobra.Command, args []string) (string, error) {
	var r io.Reader = cmd.InOrStdin()
	if len(args) == 1 {
		f, err := os.Open(args[0])
		if err != nil {
			return "", err
		}
		defer f.Close()
		r = f
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read input: %w", err)
	}
	return string(b), nil
}
