package models

import "time"

// TimeSeriesPoint is the event count for one truncated-to-hour bucket.
type TimeSeriesPoint struct {
	Bucket time.Time `json:"bucket"`
	Count  int64     `json:"count"`
}

// ProjectStats is the project-level rollup over a time window.
type ProjectStats struct {
	TotalEvents   int64   `json:"total_events"`
	ErrorEvents   int64   `json:"error_events"`
	UniqueIssues  int64   `json:"unique_issues"`
	AffectedUsers int64   `json:"affected_users"`
	ErrorRate     float64 `json:"error_rate"`
}
