// Command gatectl is the operator console and diagnostics client for the
// request gate service.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/triage-ai/palisade/services/request_gate/internal/server"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// app holds the resolved connection settings shared by every subcommand.
type app struct {
	v *viper.Viper
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}
	a.v.SetEnvPrefix("GATECTL")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()

	root := &cobra.Command{
		Use:           "gatectl",
		Short:         "Operate the request gate: answer approval prompts, manage the allow-list and settings",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.String("addr", "localhost:50054", "request gate gRPC address")
	flags.String("key", "", "API key (rgk_...)")
	flags.Duration("timeout", 10*time.Second, "timeout for non-blocking calls")
	_ = a.v.BindPFlag("addr", flags.Lookup("addr"))
	_ = a.v.BindPFlag("key", flags.Lookup("key"))
	_ = a.v.BindPFlag("timeout", flags.Lookup("timeout"))

	root.AddCommand(
		a.newCheckCmd(),
		a.newPendingCmd(),
		a.newWatchCmd(),
		a.newTargetsCmd(),
		a.newSettingsCmd(),
		a.newRedactCmd(),
	)
	return root
}

// connect dials the service. The caller closes the returned connection.
func (a *app) connect() (*server.Client, *grpc.ClientConn, error) {
	conn, err := grpc.NewClient(a.v.GetString("addr"),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("connect %s: %w", a.v.GetString("addr"), err)
	}
	return server.NewClient(conn), conn, nil
}

// callContext attaches the API key. A zero timeout means no deadline, used
// by calls that wait on a human.
func (a *app) callContext(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx := parent
	if key := a.v.GetString("key"); key != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+key)
	}
	if timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}
	return context.WithCancel(ctx)
}

func (a *app) timeout() time.Duration {
	return a.v.GetDuration("timeout")
}
