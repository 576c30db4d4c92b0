package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/issuehound/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// ProjectStore provisions projects and keys. Used by the admin CLI and tests.
type ProjectStore interface {
	CreateProject(ctx context.Context, p *models.Project) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
}

// AuthStore is the read side of the relational project/key metadata. The
// pipeline never writes it except to refresh last_used_at.
type AuthStore interface {
	LookupAPIKey(ctx context.Context, keyHash string) (*models.APIKey, *models.Project, error)
	TouchLastUsed(ctx context.Context, keyID uuid.UUID) error
}

// IssueStore holds the mutable issue aggregates.
type IssueStore interface {
	MergeIssue(ctx context.Context, delta IssueDelta) (*MergeResult, error)
	ListIssues(ctx context.Context, filter IssueFilter) ([]*models.Issue, int, error)
	GetIssue(ctx context.Context, projectID, issueID uuid.UUID) (*models.Issue, error)
	UpdateIssueStatus(ctx context.Context, projectID, issueID uuid.UUID, status string) (*models.Issue, error)
}

// Store is the data access interface. All relational operations go through here.
type Store interface {
	Ping(ctx context.Context) error
	ProjectStore
	AuthStore
	IssueStore
}

// IssueDelta is what one batch (or replay) contributes to the issue keyed by
// (ProjectID, Fingerprint).
type IssueDelta struct {
	ProjectID    uuid.UUID
	Fingerprint  string
	Message      string
	Level        string
	FirstSeen    time.Time
	LastSeen     time.Time
	EventIDs     []uuid.UUID
	UserKeys     []string
	Environments []string
	Tags         map[string]string
}

// MergeResult reports the merged issue and how much of the delta was new.
// Issue is nil when every event id had already been merged and no issue row
// was touched.
type MergeResult struct {
	Issue     *models.Issue
	NewEvents int64
	NewUsers  int64
}

// Sortable issue columns accepted by ListIssues.
const (
	SortLastSeen   = "last_seen"
	SortFirstSeen  = "first_seen"
	SortEventCount = "event_count"
	SortUserCount  = "user_count"
)

type IssueFilter struct {
	ProjectID   uuid.UUID
	Status      string
	Environment string
	Level       string
	Search      string
	Since       time.Time
	SortBy      string
	Ascending   bool
	Page        int
	Limit       int
}
