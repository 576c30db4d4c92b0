// Package main is the entrypoint for the issuehound server and its
// operator commands.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		slog.Error("command failed", "error", err)
		stop()
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "issuehound",
		Short: "Error event ingestion and issue aggregation",
		Long: `issuehound accepts batches of error events from SDKs, groups them into
issues by fingerprint and serves issue listings and project statistics
to the dashboard.

Configuration is read from the environment; see DATABASE_URL, REDIS_URL
and RATE_LIMIT_BACKEND.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newReconcileCommand())
	cmd.AddCommand(newAPIKeyCommand())

	return cmd
}
