package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	IssueStatusUnresolved = "unresolved"
	IssueStatusResolved   = "resolved"
	IssueStatusIgnored    = "ignored"
)

// ValidIssueStatus reports whether status is a known issue status.
func ValidIssueStatus(status string) bool {
	switch status {
	case IssueStatusUnresolved, IssueStatusResolved, IssueStatusIgnored:
		return true
	}
	return false
}

// Issue aggregates every event sharing a fingerprint within a project.
// EventCount and UserCount only grow; Status is owned by operators.
type Issue struct {
	ID           uuid.UUID         `db:"id"           json:"id"`
	ProjectID    uuid.UUID         `db:"project_id"   json:"project_id"`
	Fingerprint  string            `db:"fingerprint"  json:"fingerprint"`
	Message      string            `db:"message"      json:"message"`
	Level        string            `db:"level"        json:"level"`
	Status       string            `db:"status"       json:"status"`
	FirstSeen    time.Time         `db:"first_seen"   json:"first_seen"`
	LastSeen     time.Time         `db:"last_seen"    json:"last_seen"`
	EventCount   int64             `db:"event_count"  json:"event_count"`
	UserCount    int64             `db:"user_count"   json:"user_count"`
	Environments []string          `db:"environments" json:"environments"`
	Tags         map[string]string `db:"tags"         json:"tags"`
	CreatedAt    time.Time         `db:"created_at"   json:"created_at"`
	UpdatedAt    time.Time         `db:"updated_at"   json:"updated_at"`
}
