package aggregate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/quartz"

	"github.com/kiranshivaraju/issuehound/internal/eventstore"
	"github.com/kiranshivaraju/issuehound/internal/metrics"
)

// Reconciler replays raw events that never reached an issue, for example
// because the merge failed after the append succeeded. Events younger than
// the grace period are left to the ingestion path.
type Reconciler struct {
	events     eventstore.Reader
	aggregator *Aggregator
	clock      quartz.Clock
	metrics    *metrics.Metrics
	interval   time.Duration
	grace      time.Duration
	batchSize  int
}

type ReconcilerConfig struct {
	Interval  time.Duration
	Grace     time.Duration
	BatchSize int
}

func NewReconciler(events eventstore.Reader, aggregator *Aggregator, clock quartz.Clock, m *metrics.Metrics, cfg ReconcilerConfig) *Reconciler {
	return &Reconciler{
		events:     events,
		aggregator: aggregator,
		clock:      clock,
		metrics:    m,
		interval:   cfg.Interval,
		grace:      cfg.Grace,
		batchSize:  cfg.BatchSize,
	}
}

// RunOnce replays unaggregated events page by page until none are left and
// returns how many were folded into issues.
func (r *Reconciler) RunOnce(ctx context.Context) (int64, error) {
	var replayed int64
	for {
		cutoff := r.clock.Now().Add(-r.grace)
		events, err := r.events.UnaggregatedEvents(ctx, cutoff, r.batchSize)
		if err != nil {
			return replayed, fmt.Errorf("load unaggregated events: %w", err)
		}
		if len(events) == 0 {
			return replayed, nil
		}

		res, err := r.aggregator.Apply(ctx, events)
		if res != nil {
			replayed += res.NewEvents
			r.metrics.EventsReconciled(int(res.NewEvents))
		}
		if err != nil {
			return replayed, fmt.Errorf("replay events: %w", err)
		}
		// A full page that made no progress would be fetched again forever.
		if len(events) < r.batchSize || res.NewEvents == 0 {
			return replayed, nil
		}
	}
}

// Run reconciles every interval until ctx is done. A zero interval disables
// the loop.
func (r *Reconciler) Run(ctx context.Context) {
	if r.interval <= 0 {
		return
	}
	w := r.clock.TickerFunc(ctx, r.interval, func() error {
		n, err := r.RunOnce(ctx)
		if err != nil {
			slog.Error("reconcile pass failed", "replayed", n, "error", err)
			return nil
		}
		if n > 0 {
			slog.Info("reconciled unaggregated events", "replayed", n)
		}
		return nil
	}, "aggregate", "reconcile")
	_ = w.Wait()
}
