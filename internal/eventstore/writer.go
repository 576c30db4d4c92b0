// Package eventstore persists raw error events. Events are append-only: the
// writer only ever inserts, and every read is a scan over the raw rows.
package eventstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kiranshivaraju/issuehound/pkg/models"
)

// ErrTransient marks a write failure the store reported as retryable. It is
// returned wrapped once the retry budget is exhausted.
var ErrTransient = errors.New("transient event store failure")

// Writer appends a batch of events atomically: all rows land or none do.
type Writer interface {
	Append(ctx context.Context, events []models.ErrorEvent) error
}

// copier is the slice of pgxpool.Pool the writer needs.
type copier interface {
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

var eventColumns = []string{
	"id", "project_id", "occurred_at", "message", "stack_trace", "environment", "release_version",
	"user_id", "user_email", "user_ip", "browser", "os", "url", "tags", "extra",
	"fingerprint", "level", "created_at",
}

type PostgresWriter struct {
	db           copier
	maxRetries   int
	initialDelay time.Duration
	writeSeconds prometheus.Observer
}

type WriterOption func(*PostgresWriter)

// WithInitialDelay sets the first backoff interval between write attempts.
func WithInitialDelay(d time.Duration) WriterOption {
	return func(w *PostgresWriter) { w.initialDelay = d }
}

// WithWriteObserver records the duration of every Append call.
func WithWriteObserver(o prometheus.Observer) WriterOption {
	return func(w *PostgresWriter) { w.writeSeconds = o }
}

// NewPostgresWriter creates a writer that retries transient failures up to
// maxRetries times after the first attempt.
func NewPostgresWriter(db copier, maxRetries int, opts ...WriterOption) *PostgresWriter {
	w := &PostgresWriter{
		db:           db,
		maxRetries:   maxRetries,
		initialDelay: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

var _ Writer = (*PostgresWriter)(nil)

// Append writes events with a single COPY, which Postgres applies atomically.
// Only transient failures are retried. A unique violation on a retry means an
// earlier attempt committed before its acknowledgement was lost, so the batch
// is already durable.
func (w *PostgresWriter) Append(ctx context.Context, events []models.ErrorEvent) error {
	if len(events) == 0 {
		return nil
	}
	if w.writeSeconds != nil {
		timer := prometheus.NewTimer(w.writeSeconds)
		defer timer.ObserveDuration()
	}

	rows := make([][]any, len(events))
	for i := range events {
		e := &events[i]
		tags := e.Tags
		if tags == nil {
			tags = map[string]string{}
		}
		rows[i] = []any{
			e.ID, e.ProjectID, e.Timestamp, e.Message, e.StackTrace, e.Environment, e.ReleaseVersion,
			e.UserID, e.UserEmail, e.UserIP, e.Browser, e.OS, e.URL, tags, nullableJSON(e.Extra),
			e.Fingerprint, e.Level, e.CreatedAt,
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.initialDelay
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(w.maxRetries)), ctx)

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		_, err := w.db.CopyFrom(ctx, pgx.Identifier{"events"}, eventColumns, pgx.CopyFromRows(rows))
		switch {
		case err == nil:
			return nil
		case attempt > 1 && isUniqueViolation(err):
			slog.Warn("event batch already persisted by an earlier attempt",
				"attempt", attempt, "batch_size", len(events))
			return nil
		case isTransient(err):
			slog.Warn("transient event store failure, retrying",
				"attempt", attempt, "error", err)
			return fmt.Errorf("%w: %w", ErrTransient, err)
		default:
			return backoff.Permanent(err)
		}
	}, policy)
	if err != nil {
		return fmt.Errorf("append events: %w", err)
	}
	return nil
}

func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// isTransient reports whether err is a failure Postgres or the driver
// classifies as safe to retry: connection exceptions, serialization
// failures, deadlocks and admin shutdown.
func isTransient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"),
			pgErr.Code == "40001",
			pgErr.Code == "40P01",
			pgErr.Code == "57P01":
			return true
		}
		return false
	}
	return pgconn.SafeToRetry(err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
