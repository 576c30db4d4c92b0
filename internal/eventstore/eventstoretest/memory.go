// Package eventstoretest provides an in-memory event store for tests.
package eventstoretest

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/issuehound/internal/eventstore"
	"github.com/kiranshivaraju/issuehound/pkg/models"
)

// Memory implements eventstore.Writer and eventstore.Reader. AppendErr fails
// appends and ReadErr fails reads. Aggregated decides which events
// UnaggregatedEvents skips; nil means none are aggregated.
type Memory struct {
	mu     sync.Mutex
	events []models.ErrorEvent

	AppendErr  error
	ReadErr    error
	Aggregated func(eventID uuid.UUID) bool
	Appends    int
}

func NewMemory() *Memory {
	return &Memory{}
}

var (
	_ eventstore.Writer = (*Memory)(nil)
	_ eventstore.Reader = (*Memory)(nil)
)

func (m *Memory) Append(_ context.Context, events []models.ErrorEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Appends++
	if m.AppendErr != nil {
		return m.AppendErr
	}
	m.events = append(m.events, events...)
	return nil
}

// Events returns a snapshot of every stored event in append order.
func (m *Memory) Events() []models.ErrorEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.events)
}

func (m *Memory) IssueTimeSeries(_ context.Context, projectID uuid.UUID, fingerprint string, since time.Time) ([]models.TimeSeriesPoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ReadErr != nil {
		return nil, m.ReadErr
	}
	counts := map[time.Time]int64{}
	for _, e := range m.events {
		if e.ProjectID == projectID && e.Fingerprint == fingerprint && !e.Timestamp.Before(since) {
			counts[e.Timestamp.UTC().Truncate(time.Hour)]++
		}
	}
	points := []models.TimeSeriesPoint{}
	for b, c := range counts {
		points = append(points, models.TimeSeriesPoint{Bucket: b, Count: c})
	}
	slices.SortFunc(points, func(a, b models.TimeSeriesPoint) int { return a.Bucket.Compare(b.Bucket) })
	return points, nil
}

func (m *Memory) ProjectStats(_ context.Context, projectID uuid.UUID, since time.Time) (*models.ProjectStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ReadErr != nil {
		return nil, m.ReadErr
	}
	var s models.ProjectStats
	fps := map[string]struct{}{}
	users := map[string]struct{}{}
	for _, e := range m.events {
		if e.ProjectID != projectID || e.Timestamp.Before(since) {
			continue
		}
		s.TotalEvents++
		if e.Level == models.LevelError {
			s.ErrorEvents++
		}
		fps[e.Fingerprint] = struct{}{}
		if k := e.UserKey(); k != "" {
			users[k] = struct{}{}
		}
	}
	s.UniqueIssues = int64(len(fps))
	s.AffectedUsers = int64(len(users))
	return &s, nil
}

func (m *Memory) ListEvents(_ context.Context, f eventstore.EventFilter) ([]models.ErrorEvent, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ReadErr != nil {
		return nil, 0, m.ReadErr
	}
	var matched []models.ErrorEvent
	for _, e := range m.events {
		if e.ProjectID != f.ProjectID ||
			(f.Fingerprint != "" && e.Fingerprint != f.Fingerprint) ||
			(f.Environment != "" && e.Environment != f.Environment) ||
			(f.Level != "" && e.Level != f.Level) ||
			(!f.Since.IsZero() && e.Timestamp.Before(f.Since)) {
			continue
		}
		matched = append(matched, e)
	}
	slices.SortStableFunc(matched, func(a, b models.ErrorEvent) int { return b.Timestamp.Compare(a.Timestamp) })

	total := len(matched)
	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	page := max(f.Page, 1)
	start := min((page-1)*limit, total)
	end := min(start+limit, total)
	return append([]models.ErrorEvent{}, matched[start:end]...), total, nil
}

func (m *Memory) UnaggregatedEvents(_ context.Context, createdBefore time.Time, limit int) ([]models.ErrorEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ReadErr != nil {
		return nil, m.ReadErr
	}
	out := []models.ErrorEvent{}
	for _, e := range m.events {
		if len(out) == limit {
			break
		}
		if !e.CreatedAt.Before(createdBefore) {
			continue
		}
		if m.Aggregated != nil && m.Aggregated(e.ID) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}
