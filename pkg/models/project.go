package models

import (
	"time"

	"github.com/google/uuid"
)

// Project owns API keys, events and issues. Rows are managed outside the
// ingestion pipeline; the pipeline only reads them.
type Project struct {
	ID        uuid.UUID `db:"id"         json:"id"`
	Name      string    `db:"name"       json:"name"`
	Platform  string    `db:"platform"   json:"platform"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
