// Package models contains shared data models used across the issuehound codebase.
package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	LevelError   = "error"
	LevelWarning = "warning"
	LevelInfo    = "info"
	LevelDebug   = "debug"
)

// ValidLevel reports whether level is one of the accepted event levels.
func ValidLevel(level string) bool {
	switch level {
	case LevelError, LevelWarning, LevelInfo, LevelDebug:
		return true
	}
	return false
}

// ErrorEvent is one ingested occurrence. Events are append-only: written once
// at ingestion and never updated or deleted.
type ErrorEvent struct {
	ID             uuid.UUID         `db:"id"              json:"id"`
	ProjectID      uuid.UUID         `db:"project_id"      json:"project_id"`
	Timestamp      time.Time         `db:"occurred_at"     json:"timestamp"`
	Message        string            `db:"message"         json:"message"`
	StackTrace     *string           `db:"stack_trace"     json:"stack_trace,omitempty"`
	Environment    string            `db:"environment"     json:"environment"`
	ReleaseVersion *string           `db:"release_version" json:"release_version,omitempty"`
	UserID         *string           `db:"user_id"         json:"user_id,omitempty"`
	UserEmail      *string           `db:"user_email"      json:"user_email,omitempty"`
	UserIP         *string           `db:"user_ip"         json:"user_ip,omitempty"`
	Browser        *string           `db:"browser"         json:"browser,omitempty"`
	OS             *string           `db:"os"              json:"os,omitempty"`
	URL            *string           `db:"url"             json:"url,omitempty"`
	Tags           map[string]string `db:"tags"            json:"tags"`
	Extra          json.RawMessage   `db:"extra"           json:"extra,omitempty"`
	Fingerprint    string            `db:"fingerprint"     json:"fingerprint"`
	Level          string            `db:"level"           json:"level"`
	CreatedAt      time.Time         `db:"created_at"      json:"created_at"`
}

// UserKey identifies the affected user for distinct-user counting: the user
// id when present, otherwise the client IP. Returns "" for anonymous events
// without an IP.
func (e *ErrorEvent) UserKey() string {
	if e.UserID != nil && *e.UserID != "" {
		return "id:" + *e.UserID
	}
	if e.UserIP != nil && *e.UserIP != "" {
		return "ip:" + *e.UserIP
	}
	return ""
}
