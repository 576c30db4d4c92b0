package main

import (
	"fmt"
	"log/slog"

	"github.com/coder/quartz"
	"github.com/spf13/cobra"

	"github.com/kiranshivaraju/issuehound/internal/aggregate"
	"github.com/kiranshivaraju/issuehound/internal/config"
	"github.com/kiranshivaraju/issuehound/internal/eventstore"
	"github.com/kiranshivaraju/issuehound/internal/store"
)

func newReconcileCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Replay stored events that never reached an issue",
		Long: `Replay every stored event older than RECONCILE_GRACE that is not yet
counted by an issue, then exit. Replays are idempotent, so this is safe to
run while the server is up.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			cfg, err := config.LoadDatabase()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			pool, err := store.Connect(ctx, cfg.Database)
			if err != nil {
				return fmt.Errorf("connect database: %w", err)
			}
			defer pool.Close()

			reconciler := aggregate.NewReconciler(
				eventstore.NewPostgresReader(pool),
				aggregate.NewAggregator(store.NewPostgresStore(pool)),
				quartz.NewReal(), nil,
				aggregate.ReconcilerConfig{Grace: cfg.Reconcile.Grace, BatchSize: cfg.Reconcile.BatchSize},
			)
			n, err := reconciler.RunOnce(ctx)
			if err != nil {
				return fmt.Errorf("reconcile: %w", err)
			}
			slog.Info("reconcile finished", "replayed", n)
			fmt.Fprintf(cmd.OutOrStdout(), "replayed %d events\n", n)
			return nil
		},
	}
}
