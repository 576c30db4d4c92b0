package eventstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kiranshivaraju/issuehound/pkg/models"
)

// Reader serves the analytical reads over raw events.
type Reader interface {
	IssueTimeSeries(ctx context.Context, projectID uuid.UUID, fingerprint string, since time.Time) ([]models.TimeSeriesPoint, error)
	ProjectStats(ctx context.Context, projectID uuid.UUID, since time.Time) (*models.ProjectStats, error)
	ListEvents(ctx context.Context, filter EventFilter) ([]models.ErrorEvent, int, error)
	UnaggregatedEvents(ctx context.Context, createdBefore time.Time, limit int) ([]models.ErrorEvent, error)
}

type EventFilter struct {
	ProjectID   uuid.UUID
	Fingerprint string
	Environment string
	Level       string
	Since       time.Time
	Page        int
	Limit       int
}

type PostgresReader struct {
	pool *pgxpool.Pool
}

func NewPostgresReader(pool *pgxpool.Pool) *PostgresReader {
	return &PostgresReader{pool: pool}
}

var _ Reader = (*PostgresReader)(nil)

const selectEvents = `SELECT id, project_id, occurred_at, message, stack_trace, environment, release_version,
	user_id, user_email, user_ip, browser, os, url, tags, extra, fingerprint, level, created_at
	FROM events`

func scanEvent(row pgx.Row) (models.ErrorEvent, error) {
	var e models.ErrorEvent
	err := row.Scan(&e.ID, &e.ProjectID, &e.Timestamp, &e.Message, &e.StackTrace, &e.Environment,
		&e.ReleaseVersion, &e.UserID, &e.UserEmail, &e.UserIP, &e.Browser, &e.OS, &e.URL,
		&e.Tags, &e.Extra, &e.Fingerprint, &e.Level, &e.CreatedAt)
	return e, err
}

// IssueTimeSeries returns hourly event counts for one fingerprint since the
// given bound. Only non-empty buckets are returned.
func (r *PostgresReader) IssueTimeSeries(ctx context.Context, projectID uuid.UUID, fingerprint string, since time.Time) ([]models.TimeSeriesPoint, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT date_trunc('hour', occurred_at, 'UTC') AS bucket, COUNT(*)
		 FROM events
		 WHERE project_id = $1 AND fingerprint = $2 AND occurred_at >= $3
		 GROUP BY bucket ORDER BY bucket`, projectID, fingerprint, since)
	if err != nil {
		return nil, fmt.Errorf("issue time series: %w", err)
	}
	defer rows.Close()

	points := []models.TimeSeriesPoint{}
	for rows.Next() {
		var p models.TimeSeriesPoint
		if err := rows.Scan(&p.Bucket, &p.Count); err != nil {
			return nil, fmt.Errorf("scan time series point: %w", err)
		}
		p.Bucket = p.Bucket.UTC()
		points = append(points, p)
	}
	return points, rows.Err()
}

// ProjectStats counts events, error-level events, distinct fingerprints and
// distinct affected users since the given bound. ErrorRate is left for the
// caller to derive.
func (r *PostgresReader) ProjectStats(ctx context.Context, projectID uuid.UUID, since time.Time) (*models.ProjectStats, error) {
	var s models.ProjectStats
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*),
		        COUNT(*) FILTER (WHERE level = 'error'),
		        COUNT(DISTINCT fingerprint),
		        COUNT(DISTINCT CASE
		          WHEN user_id <> '' THEN 'id:' || user_id
		          WHEN user_ip <> '' THEN 'ip:' || user_ip
		        END)
		 FROM events
		 WHERE project_id = $1 AND occurred_at >= $2`, projectID, since,
	).Scan(&s.TotalEvents, &s.ErrorEvents, &s.UniqueIssues, &s.AffectedUsers)
	if err != nil {
		return nil, fmt.Errorf("project stats: %w", err)
	}
	return &s, nil
}

// ListEvents pages through a project's events, newest first.
func (r *PostgresReader) ListEvents(ctx context.Context, filter EventFilter) ([]models.ErrorEvent, int, error) {
	conditions := []string{"project_id = $1"}
	args := []any{filter.ProjectID}
	argIdx := 2

	if filter.Fingerprint != "" {
		conditions = append(conditions, fmt.Sprintf("fingerprint = $%d", argIdx))
		args = append(args, filter.Fingerprint)
		argIdx++
	}
	if filter.Environment != "" {
		conditions = append(conditions, fmt.Sprintf("environment = $%d", argIdx))
		args = append(args, filter.Environment)
		argIdx++
	}
	if filter.Level != "" {
		conditions = append(conditions, fmt.Sprintf("level = $%d", argIdx))
		args = append(args, filter.Level)
		argIdx++
	}
	if !filter.Since.IsZero() {
		conditions = append(conditions, fmt.Sprintf("occurred_at >= $%d", argIdx))
		args = append(args, filter.Since)
		argIdx++
	}

	where := strings.Join(conditions, " AND ")

	var total int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM events WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count events: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}

	query := fmt.Sprintf(`%s WHERE %s ORDER BY occurred_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		selectEvents, where, argIdx, argIdx+1)
	args = append(args, limit, (page-1)*limit)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	events := []models.ErrorEvent{}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, total, rows.Err()
}

// UnaggregatedEvents returns up to limit events written before createdBefore
// that no issue has folded in yet, oldest first.
func (r *PostgresReader) UnaggregatedEvents(ctx context.Context, createdBefore time.Time, limit int) ([]models.ErrorEvent, error) {
	rows, err := r.pool.Query(ctx,
		selectEvents+` e
		 WHERE e.created_at < $1
		   AND NOT EXISTS (SELECT 1 FROM issue_events ie WHERE ie.event_id = e.id)
		 ORDER BY e.created_at, e.id
		 LIMIT $2`, createdBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("select unaggregated events: %w", err)
	}
	defer rows.Close()

	events := []models.ErrorEvent{}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
