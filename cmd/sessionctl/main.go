// sessionctl is the operational companion to the session core: scheduled
// cleanup of expired sessions and a quick look at the active population.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/identityplane/sessioncore/internal/app"
	"github.com/identityplane/sessioncore/internal/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := &cobra.Command{
		Use:           "sessionctl",
		Short:         "Session core operations",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newCleanupCmd(), newStatsCmd())

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func withApp(ctx context.Context, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if cerr := a.Close(shutdownCtx); cerr != nil {
			fmt.Fprintln(os.Stderr, "shutdown:", cerr)
		}
	}()
	return fn(ctx, a)
}

func newCleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Mark timed-out sessions as expired",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				count, err := a.Sessions.CleanupExpired(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "expired sessions cleaned up: %d\n", count)
				return nil
			})
		},
	}
}

func newStatsCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show active session counts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				snap, err := a.Analytics.Snapshot(ctx)
				if err != nil {
					return err
				}
				if asJSON {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(snap)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "active sessions: %d\n", snap.ActiveTotal)
				for typ, count := range snap.ActiveByType {
					fmt.Fprintf(cmd.OutOrStdout(), "  %-7s %d\n", typ, count)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit JSON")
	return cmd
}
