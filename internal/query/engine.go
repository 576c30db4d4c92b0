// Package query is the read side used by the dashboard: issue listings,
// per-issue time series and project rollups.
package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"

	"github.com/kiranshivaraju/issuehound/internal/cache"
	"github.com/kiranshivaraju/issuehound/internal/eventstore"
	"github.com/kiranshivaraju/issuehound/internal/store"
	"github.com/kiranshivaraju/issuehound/pkg/models"
)

var ErrInvalidStatus = errors.New("invalid issue status")

type Engine struct {
	issues   store.IssueStore
	events   eventstore.Reader
	cache    cache.Cache
	clock    quartz.Clock
	statsTTL time.Duration
}

// NewEngine creates a query engine. c may be nil, which disables stats
// caching, as does a zero statsTTL.
func NewEngine(issues store.IssueStore, events eventstore.Reader, c cache.Cache, clock quartz.Clock, statsTTL time.Duration) *Engine {
	return &Engine{issues: issues, events: events, cache: c, clock: clock, statsTTL: statsTTL}
}

type IssuePage struct {
	Issues []*models.Issue
	Total  int
	Page
}

func (e *Engine) ListIssues(ctx context.Context, projectID uuid.UUID, p IssueListParams) (*IssuePage, error) {
	issues, total, err := e.issues.ListIssues(ctx, store.IssueFilter{
		ProjectID:   projectID,
		Status:      p.Status,
		Environment: p.Environment,
		Level:       p.Level,
		Search:      p.Search,
		Since:       p.Range.Since(e.clock.Now()),
		SortBy:      p.SortBy,
		Ascending:   p.Ascending,
		Page:        p.Page.Page,
		Limit:       p.Limit,
	})
	if err != nil {
		return nil, fmt.Errorf("list issues: %w", err)
	}
	return &IssuePage{Issues: issues, Total: total, Page: p.Page}, nil
}

func (e *Engine) GetIssue(ctx context.Context, projectID, issueID uuid.UUID) (*models.Issue, error) {
	return e.issues.GetIssue(ctx, projectID, issueID)
}

// UpdateIssueStatus moves an issue to any of the three statuses. Ingestion
// never calls this.
func (e *Engine) UpdateIssueStatus(ctx context.Context, projectID, issueID uuid.UUID, status string) (*models.Issue, error) {
	if !models.ValidIssueStatus(status) {
		return nil, ErrInvalidStatus
	}
	return e.issues.UpdateIssueStatus(ctx, projectID, issueID, status)
}

type TimeSeries struct {
	IssueID uuid.UUID                `json:"issue_id"`
	Range   Range                    `json:"range"`
	Points  []models.TimeSeriesPoint `json:"points"`
}

// IssueTimeSeries returns hourly counts for an issue with every hour in the
// range present, empty hours as zero.
func (e *Engine) IssueTimeSeries(ctx context.Context, projectID, issueID uuid.UUID, r Range) (*TimeSeries, error) {
	issue, err := e.issues.GetIssue(ctx, projectID, issueID)
	if err != nil {
		return nil, err
	}

	now := e.clock.Now().UTC()
	since := r.Since(now)
	points, err := e.events.IssueTimeSeries(ctx, projectID, issue.Fingerprint, since)
	if err != nil {
		return nil, fmt.Errorf("issue time series: %w", err)
	}
	return &TimeSeries{IssueID: issueID, Range: r, Points: fillHours(points, since, now)}, nil
}

func fillHours(points []models.TimeSeriesPoint, since, now time.Time) []models.TimeSeriesPoint {
	counts := make(map[time.Time]int64, len(points))
	for _, p := range points {
		counts[p.Bucket.UTC()] = p.Count
	}
	start := since.UTC().Truncate(time.Hour)
	end := now.UTC().Truncate(time.Hour)
	out := make([]models.TimeSeriesPoint, 0, int(end.Sub(start)/time.Hour)+1)
	for b := start; !b.After(end); b = b.Add(time.Hour) {
		out = append(out, models.TimeSeriesPoint{Bucket: b, Count: counts[b]})
	}
	return out
}

// ProjectStats returns the rollup for a range, served from the cache when a
// fresh copy exists. Cache failures fall through to the event store.
func (e *Engine) ProjectStats(ctx context.Context, projectID uuid.UUID, r Range) (*models.ProjectStats, error) {
	key := cache.ProjectStatsKey(projectID, string(r))
	if e.cachingEnabled() {
		data, found, err := e.cache.Get(ctx, key)
		if err != nil {
			slog.Warn("stats cache read failed", "project_id", projectID, "error", err)
		} else if found {
			var s models.ProjectStats
			if err := json.Unmarshal(data, &s); err == nil {
				return &s, nil
			}
		}
	}

	s, err := e.events.ProjectStats(ctx, projectID, r.Since(e.clock.Now()))
	if err != nil {
		return nil, fmt.Errorf("project stats: %w", err)
	}
	s.ErrorRate = errorRate(s.ErrorEvents, s.TotalEvents)

	if e.cachingEnabled() {
		if data, err := json.Marshal(s); err == nil {
			if err := e.cache.Set(ctx, key, data, e.statsTTL); err != nil {
				slog.Warn("stats cache write failed", "project_id", projectID, "error", err)
			}
		}
	}
	return s, nil
}

func (e *Engine) cachingEnabled() bool {
	return e.cache != nil && e.statsTTL > 0
}

// errorRate is the percentage of error-level events, rounded to two
// decimals. An empty window has a rate of zero.
func errorRate(errs, total int64) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(errs)/float64(total)*100*100) / 100
}

type EventPage struct {
	Events []models.ErrorEvent
	Total  int
	Page
}

func (e *Engine) ListEvents(ctx context.Context, projectID uuid.UUID, p EventListParams) (*EventPage, error) {
	return e.listEvents(ctx, projectID, "", p)
}

// ListIssueEvents lists the raw events behind one issue.
func (e *Engine) ListIssueEvents(ctx context.Context, projectID, issueID uuid.UUID, p EventListParams) (*EventPage, error) {
	issue, err := e.issues.GetIssue(ctx, projectID, issueID)
	if err != nil {
		return nil, err
	}
	return e.listEvents(ctx, projectID, issue.Fingerprint, p)
}

func (e *Engine) listEvents(ctx context.Context, projectID uuid.UUID, fp string, p EventListParams) (*EventPage, error) {
	events, total, err := e.events.ListEvents(ctx, eventstore.EventFilter{
		ProjectID:   projectID,
		Fingerprint: fp,
		Environment: p.Environment,
		Level:       p.Level,
		Since:       p.Range.Since(e.clock.Now()),
		Page:        p.Page.Page,
		Limit:       p.Limit,
	})
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return &EventPage{Events: events, Total: total, Page: p.Page}, nil
}
