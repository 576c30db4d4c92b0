// Package storetest provides an in-memory store.Store for tests of packages
// that sit on top of the relational store.
package storetest

import (
	"cmp"
	"context"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/issuehound/internal/store"
	"github.com/kiranshivaraju/issuehound/pkg/models"
)

type issueKey struct {
	projectID   uuid.UUID
	fingerprint string
}

// Memory mirrors the merge semantics of the Postgres store. Set Err to make
// every call fail; set MergeErr to fail only merges.
type Memory struct {
	mu       sync.Mutex
	projects map[uuid.UUID]*models.Project
	keys     map[string]*models.APIKey
	issues   map[issueKey]*models.Issue
	events   map[uuid.UUID]struct{}
	users    map[issueKey]map[string]struct{}

	Err      error
	MergeErr error
	Touched  []uuid.UUID
	Merges   int
}

func NewMemory() *Memory {
	return &Memory{
		projects: map[uuid.UUID]*models.Project{},
		keys:     map[string]*models.APIKey{},
		issues:   map[issueKey]*models.Issue{},
		events:   map[uuid.UUID]struct{}{},
		users:    map[issueKey]map[string]struct{}{},
	}
}

var _ store.Store = (*Memory)(nil)

func (m *Memory) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Err
}

func (m *Memory) CreateProject(_ context.Context, p *models.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	if _, ok := m.projects[p.ID]; ok {
		return store.ErrDuplicateKey
	}
	cp := *p
	m.projects[p.ID] = &cp
	return nil
}

func (m *Memory) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	if _, ok := m.keys[key.KeyHash]; ok {
		return store.ErrDuplicateKey
	}
	cp := *key
	m.keys[key.KeyHash] = &cp
	return nil
}

func (m *Memory) LookupAPIKey(_ context.Context, keyHash string) (*models.APIKey, *models.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, nil, m.Err
	}
	k, ok := m.keys[keyHash]
	if !ok {
		return nil, nil, store.ErrNotFound
	}
	p, ok := m.projects[k.ProjectID]
	if !ok {
		return nil, nil, store.ErrNotFound
	}
	kc, pc := *k, *p
	return &kc, &pc, nil
}

func (m *Memory) TouchLastUsed(_ context.Context, keyID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Touched = append(m.Touched, keyID)
	return m.Err
}

// TouchCount is safe to call while touches are still arriving.
func (m *Memory) TouchCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Touched)
}

func (m *Memory) MergeIssue(_ context.Context, d store.IssueDelta) (*store.MergeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Merges++
	if m.Err != nil {
		return nil, m.Err
	}
	if m.MergeErr != nil {
		return nil, m.MergeErr
	}

	var newEvents, newUsers int64
	for _, id := range d.EventIDs {
		if _, ok := m.events[id]; !ok {
			m.events[id] = struct{}{}
			newEvents++
		}
	}
	if newEvents == 0 {
		return &store.MergeResult{}, nil
	}

	k := issueKey{d.ProjectID, d.Fingerprint}
	if m.users[k] == nil {
		m.users[k] = map[string]struct{}{}
	}
	for _, u := range d.UserKeys {
		if _, ok := m.users[k][u]; !ok {
			m.users[k][u] = struct{}{}
			newUsers++
		}
	}

	now := time.Now().UTC()
	issue, ok := m.issues[k]
	if !ok {
		issue = &models.Issue{
			ID:           uuid.New(),
			ProjectID:    d.ProjectID,
			Fingerprint:  d.Fingerprint,
			Message:      d.Message,
			Level:        d.Level,
			Status:       models.IssueStatusUnresolved,
			FirstSeen:    d.FirstSeen,
			LastSeen:     d.LastSeen,
			Environments: []string{},
			Tags:         map[string]string{},
			CreatedAt:    now,
		}
		m.issues[k] = issue
	} else {
		if d.FirstSeen.Before(issue.FirstSeen) {
			issue.FirstSeen = d.FirstSeen
		}
		if d.LastSeen.After(issue.LastSeen) {
			issue.LastSeen = d.LastSeen
		}
		if severity(d.Level) > severity(issue.Level) {
			issue.Level = d.Level
		}
	}
	issue.EventCount += newEvents
	issue.UserCount += newUsers
	for _, env := range d.Environments {
		if !slices.Contains(issue.Environments, env) {
			issue.Environments = append(issue.Environments, env)
		}
	}
	slices.Sort(issue.Environments)
	for tk, tv := range d.Tags {
		if _, ok := issue.Tags[tk]; !ok {
			issue.Tags[tk] = tv
		}
	}
	issue.UpdatedAt = now

	return &store.MergeResult{Issue: cloneIssue(issue), NewEvents: newEvents, NewUsers: newUsers}, nil
}

func (m *Memory) ListIssues(_ context.Context, f store.IssueFilter) ([]*models.Issue, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, 0, m.Err
	}

	var matched []*models.Issue
	for _, i := range m.issues {
		if i.ProjectID != f.ProjectID ||
			(f.Status != "" && i.Status != f.Status) ||
			(f.Level != "" && i.Level != f.Level) ||
			(f.Environment != "" && !slices.Contains(i.Environments, f.Environment)) ||
			(f.Search != "" && !strings.Contains(strings.ToLower(i.Message), strings.ToLower(f.Search))) ||
			(!f.Since.IsZero() && i.LastSeen.Before(f.Since)) {
			continue
		}
		matched = append(matched, cloneIssue(i))
	}

	slices.SortFunc(matched, func(a, b *models.Issue) int {
		var c int
		switch f.SortBy {
		case store.SortFirstSeen:
			c = a.FirstSeen.Compare(b.FirstSeen)
		case store.SortEventCount:
			c = cmp.Compare(a.EventCount, b.EventCount)
		case store.SortUserCount:
			c = cmp.Compare(a.UserCount, b.UserCount)
		default:
			c = a.LastSeen.Compare(b.LastSeen)
		}
		if c == 0 {
			c = strings.Compare(a.ID.String(), b.ID.String())
		}
		if !f.Ascending {
			c = -c
		}
		return c
	})

	total := len(matched)
	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	page := max(f.Page, 1)
	start := min((page-1)*limit, total)
	end := min(start+limit, total)
	return append([]*models.Issue{}, matched[start:end]...), total, nil
}

func (m *Memory) GetIssue(_ context.Context, projectID, issueID uuid.UUID) (*models.Issue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	for _, i := range m.issues {
		if i.ID == issueID && i.ProjectID == projectID {
			return cloneIssue(i), nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *Memory) UpdateIssueStatus(_ context.Context, projectID, issueID uuid.UUID, status string) (*models.Issue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	for _, i := range m.issues {
		if i.ID == issueID && i.ProjectID == projectID {
			if i.Status != status {
				i.Status = status
				i.UpdatedAt = time.Now().UTC()
			}
			return cloneIssue(i), nil
		}
	}
	return nil, store.ErrNotFound
}

// Merged reports whether the event id has been folded into an issue.
func (m *Memory) Merged(eventID uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.events[eventID]
	return ok
}

// Issues returns a snapshot of every issue.
func (m *Memory) Issues() []*models.Issue {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Issue, 0, len(m.issues))
	for _, i := range m.issues {
		out = append(out, cloneIssue(i))
	}
	return out
}

func cloneIssue(i *models.Issue) *models.Issue {
	c := *i
	c.Environments = slices.Clone(i.Environments)
	c.Tags = maps.Clone(i.Tags)
	return &c
}

func severity(level string) int {
	return slices.Index([]string{models.LevelDebug, models.LevelInfo, models.LevelWarning, models.LevelError}, level)
}
