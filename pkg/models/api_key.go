package models

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

const (
	ScopeIngest = "ingest"
	ScopeRead   = "read"
)

// APIKey authenticates SDK and dashboard requests for a single project.
// Only a hash of the raw key is stored.
type APIKey struct {
	ID         uuid.UUID  `db:"id"           json:"id"`
	ProjectID  uuid.UUID  `db:"project_id"   json:"project_id"`
	Name       string     `db:"name"         json:"name"`
	KeyHash    string     `db:"key_hash"     json:"-"`
	KeyPrefix  string     `db:"key_prefix"   json:"key_prefix"`
	Scopes     []string   `db:"scopes"       json:"scopes"`
	ExpiresAt  *time.Time `db:"expires_at"   json:"expires_at,omitempty"`
	LastUsedAt *time.Time `db:"last_used_at" json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `db:"created_at"   json:"created_at"`
}

// HasScope reports whether the key was granted scope.
func (k *APIKey) HasScope(scope string) bool {
	return slices.Contains(k.Scopes, scope)
}

// Expired reports whether the key is past its expiry at now. Keys without an
// expiry never expire.
func (k *APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && !now.Before(*k.ExpiresAt)
}
