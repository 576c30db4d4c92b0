// Package ingest is the ingestion gateway: it validates a batch, admits it
// through the rate limiter, writes it to the event store and folds it into
// issues.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"

	"github.com/kiranshivaraju/issuehound/internal/aggregate"
	"github.com/kiranshivaraju/issuehound/internal/eventstore"
	"github.com/kiranshivaraju/issuehound/internal/fingerprint"
	"github.com/kiranshivaraju/issuehound/internal/metrics"
	"github.com/kiranshivaraju/issuehound/internal/ratelimit"
	"github.com/kiranshivaraju/issuehound/pkg/models"
)

// Applier folds durable events into issues.
type Applier interface {
	Apply(ctx context.Context, events []models.ErrorEvent) (*aggregate.Result, error)
}

type Gateway struct {
	writer   eventstore.Writer
	issues   Applier
	limiter  ratelimit.Limiter
	clock    quartz.Clock
	metrics  *metrics.Metrics
	maxBatch int
}

func NewGateway(w eventstore.Writer, a Applier, l ratelimit.Limiter, clock quartz.Clock, m *metrics.Metrics, maxBatch int) *Gateway {
	return &Gateway{
		writer:   w,
		issues:   a,
		limiter:  l,
		clock:    clock,
		metrics:  m,
		maxBatch: maxBatch,
	}
}

// Batch is one authenticated ingestion request.
type Batch struct {
	APIKeyID  uuid.UUID
	ProjectID uuid.UUID
	Events    []EventPayload
}

type Result struct {
	ProcessedCount int
	ProjectID      uuid.UUID
	Timestamp      time.Time
	// RateLimit is nil when the limiter could not be consulted.
	RateLimit *ratelimit.Decision
}

// Ingest accepts the whole batch or none of it. Validation runs before
// admission, so rejected batches do not consume rate limit budget. Once the
// events are durable the batch counts as accepted even if the issue merge
// fails; the reconciler picks those events up later.
func (g *Gateway) Ingest(ctx context.Context, b Batch) (*Result, error) {
	events, err := g.prepare(b)
	if err != nil {
		g.reject(err, len(b.Events))
		return nil, err
	}

	decision, err := g.limiter.Allow(ctx, b.APIKeyID)
	var admitted *ratelimit.Decision
	if err != nil {
		slog.Warn("rate limiter unavailable, admitting batch",
			"api_key_id", b.APIKeyID, "project_id", b.ProjectID, "error", err)
	} else {
		admitted = &decision
		g.metrics.RateLimitDecision(decision.Allowed)
		if !decision.Allowed {
			err := &RateLimitError{Limit: decision.Limit, ResetAt: decision.ResetAt, RetryAfter: decision.RetryAfter}
			g.reject(err, len(events))
			return nil, err
		}
	}

	if err := g.writer.Append(ctx, events); err != nil {
		g.metrics.IngestEvents(metrics.ResultFailed, len(events))
		g.metrics.IngestRejected(CodeProcessingError)
		return nil, fmt.Errorf("write batch: %w", err)
	}
	g.metrics.IngestEvents(metrics.ResultAccepted, len(events))

	// The client may hang up now; the merge should still finish.
	if _, err := g.issues.Apply(context.WithoutCancel(ctx), events); err != nil {
		g.metrics.AggregateFailed()
		slog.Error("issue aggregation failed after durable write",
			"project_id", b.ProjectID, "batch_size", len(events), "error", err)
	}

	return &Result{
		ProcessedCount: len(events),
		ProjectID:      b.ProjectID,
		Timestamp:      g.clock.Now().UTC(),
		RateLimit:      admitted,
	}, nil
}

// prepare validates every payload, failing on the first bad one, and turns
// the batch into fingerprinted events.
func (g *Gateway) prepare(b Batch) ([]models.ErrorEvent, error) {
	switch {
	case len(b.Events) == 0:
		return nil, &ValidationError{Code: CodeNoEvents, Message: "batch must contain at least one event", EventIndex: -1}
	case len(b.Events) > g.maxBatch:
		return nil, &ValidationError{
			Code:       CodeTooManyEvents,
			Message:    fmt.Sprintf("batch must contain at most %d events", g.maxBatch),
			EventIndex: -1,
		}
	}

	now := g.clock.Now().UTC().Truncate(time.Microsecond)
	events := make([]models.ErrorEvent, len(b.Events))
	for i := range b.Events {
		p := &b.Events[i]
		ts, fe := checkEvent(p, now)
		if fe != nil {
			return nil, &ValidationError{Code: CodeInvalidEvent, Message: fe.reason, EventIndex: i, Field: fe.field}
		}

		tags := p.Tags
		if tags == nil {
			tags = map[string]string{}
		}
		extra := p.Extra
		if string(extra) == "null" {
			extra = nil
		}
		e := models.ErrorEvent{
			ID:             uuid.New(),
			ProjectID:      b.ProjectID,
			Timestamp:      ts.UTC().Truncate(time.Microsecond),
			Message:        p.Message,
			StackTrace:     p.StackTrace,
			Environment:    p.Environment,
			ReleaseVersion: p.ReleaseVersion,
			UserID:         p.UserID,
			UserEmail:      p.UserEmail,
			UserIP:         p.UserIP,
			Browser:        p.Browser,
			OS:             p.OS,
			URL:            p.URL,
			Tags:           tags,
			Extra:          extra,
			Level:          p.Level,
			CreatedAt:      now,
		}
		e.Fingerprint = fingerprint.ForEvent(&e)
		events[i] = e
	}
	return events, nil
}

func (g *Gateway) reject(err error, n int) {
	g.metrics.IngestEvents(metrics.ResultRejected, n)
	switch e := err.(type) {
	case *ValidationError:
		g.metrics.IngestRejected(e.Code)
	case *RateLimitError:
		g.metrics.IngestRejected(CodeRateLimited)
	}
}
