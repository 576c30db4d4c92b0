package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kiranshivaraju/issuehound/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

var _ Store = (*PostgresStore)(nil)

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Projects ---

func (s *PostgresStore) CreateProject(ctx context.Context, p *models.Project) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO projects (id, name, platform, created_at) VALUES ($1, $2, $3, $4)`,
		p.ID, p.Name, p.Platform, p.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create project: %w", err)
	}
	return nil
}

// --- API Keys ---

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, project_id, name, key_hash, key_prefix, scopes, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		key.ID, key.ProjectID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.ExpiresAt, key.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

// LookupAPIKey resolves a key hash to the key and the project that owns it.
// Expiry is left to the caller so it can be reported distinctly.
func (s *PostgresStore) LookupAPIKey(ctx context.Context, keyHash string) (*models.APIKey, *models.Project, error) {
	var k models.APIKey
	var p models.Project
	err := s.pool.QueryRow(ctx,
		`SELECT k.id, k.project_id, k.name, k.key_hash, k.key_prefix, k.scopes, k.expires_at, k.last_used_at, k.created_at,
		        p.id, p.name, p.platform, p.created_at
		 FROM api_keys k JOIN projects p ON p.id = k.project_id
		 WHERE k.key_hash = $1`, keyHash,
	).Scan(&k.ID, &k.ProjectID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes, &k.ExpiresAt, &k.LastUsedAt, &k.CreatedAt,
		&p.ID, &p.Name, &p.Platform, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("lookup api key: %w", err)
	}
	return &k, &p, nil
}

func (s *PostgresStore) TouchLastUsed(ctx context.Context, keyID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `UPDATE api_keys SET last_used_at = NOW() WHERE id = $1`, keyID)
	if err != nil {
		return fmt.Errorf("touch api key last used: %w", err)
	}
	return nil
}

// --- Issues ---

const issueColumns = `id, project_id, fingerprint, message, level, status, first_seen, last_seen,
	event_count, user_count, environments, tags, created_at, updated_at`

func scanIssue(row pgx.Row) (*models.Issue, error) {
	var i models.Issue
	err := row.Scan(&i.ID, &i.ProjectID, &i.Fingerprint, &i.Message, &i.Level, &i.Status,
		&i.FirstSeen, &i.LastSeen, &i.EventCount, &i.UserCount, &i.Environments, &i.Tags,
		&i.CreatedAt, &i.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &i, nil
}

// MergeIssue folds delta into the issue for (ProjectID, Fingerprint) in a
// single transaction. Event ids and user keys are first recorded with
// ON CONFLICT DO NOTHING so only rows never seen before contribute to the
// counters; replaying the same delta is a no-op. Every update on the issue
// row is commutative, so concurrent merges converge regardless of order.
func (s *PostgresStore) MergeIssue(ctx context.Context, delta IssueDelta) (*MergeResult, error) {
	if len(delta.EventIDs) == 0 {
		return &MergeResult{}, nil
	}

	// Lock rows in a stable order so overlapping merges cannot deadlock.
	eventIDs := slices.Clone(delta.EventIDs)
	slices.SortFunc(eventIDs, func(a, b uuid.UUID) int { return bytes.Compare(a[:], b[:]) })
	userKeys := slices.Clone(delta.UserKeys)
	slices.Sort(userKeys)
	userKeys = slices.Compact(userKeys)

	tags := delta.Tags
	if tags == nil {
		tags = map[string]string{}
	}
	envs := delta.Environments
	if envs == nil {
		envs = []string{}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin merge: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	newEvents, err := countReturned(ctx, tx,
		`INSERT INTO issue_events (event_id, project_id, fingerprint)
		 SELECT id, $2, $3 FROM unnest($1::uuid[]) AS id
		 ON CONFLICT (event_id) DO NOTHING
		 RETURNING event_id`,
		eventIDs, delta.ProjectID, delta.Fingerprint)
	if err != nil {
		return nil, fmt.Errorf("record issue events: %w", err)
	}
	if newEvents == 0 {
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("commit merge: %w", err)
		}
		return &MergeResult{}, nil
	}

	var newUsers int64
	if len(userKeys) > 0 {
		newUsers, err = countReturned(ctx, tx,
			`INSERT INTO issue_users (project_id, fingerprint, user_key)
			 SELECT $1, $2, k FROM unnest($3::text[]) AS k
			 ON CONFLICT DO NOTHING
			 RETURNING user_key`,
			delta.ProjectID, delta.Fingerprint, userKeys)
		if err != nil {
			return nil, fmt.Errorf("record issue users: %w", err)
		}
	}

	issue, err := scanIssue(tx.QueryRow(ctx,
		`INSERT INTO issues (id, project_id, fingerprint, message, level, status, first_seen, last_seen,
		                     event_count, user_count, environments, tags, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, 'unresolved', $6, $7, $8, $9, $10, $11, NOW(), NOW())
		 ON CONFLICT (project_id, fingerprint) DO UPDATE SET
		   first_seen = LEAST(issues.first_seen, EXCLUDED.first_seen),
		   last_seen = GREATEST(issues.last_seen, EXCLUDED.last_seen),
		   event_count = issues.event_count + EXCLUDED.event_count,
		   user_count = issues.user_count + EXCLUDED.user_count,
		   environments = ARRAY(SELECT DISTINCT e FROM unnest(issues.environments || EXCLUDED.environments) AS e ORDER BY e),
		   level = CASE
		     WHEN array_position(ARRAY['debug','info','warning','error'], EXCLUDED.level)
		        > array_position(ARRAY['debug','info','warning','error'], issues.level)
		     THEN EXCLUDED.level ELSE issues.level END,
		   tags = EXCLUDED.tags || issues.tags,
		   updated_at = NOW()
		 RETURNING `+issueColumns,
		uuid.New(), delta.ProjectID, delta.Fingerprint, delta.Message, delta.Level,
		delta.FirstSeen, delta.LastSeen, newEvents, newUsers, envs, tags,
	))
	if err != nil {
		return nil, fmt.Errorf("upsert issue: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit merge: %w", err)
	}
	return &MergeResult{Issue: issue, NewEvents: newEvents, NewUsers: newUsers}, nil
}

func countReturned(ctx context.Context, tx pgx.Tx, sql string, args ...any) (int64, error) {
	rows, err := tx.Query(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	var n int64
	for rows.Next() {
		n++
	}
	return n, rows.Err()
}

var issueSortColumns = map[string]string{
	SortLastSeen:   "last_seen",
	SortFirstSeen:  "first_seen",
	SortEventCount: "event_count",
	SortUserCount:  "user_count",
}

func (s *PostgresStore) ListIssues(ctx context.Context, filter IssueFilter) ([]*models.Issue, int, error) {
	// Build WHERE clause dynamically
	conditions := []string{"project_id = $1"}
	args := []any{filter.ProjectID}
	argIdx := 2

	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, filter.Status)
		argIdx++
	}
	if filter.Environment != "" {
		conditions = append(conditions, fmt.Sprintf("$%d = ANY(environments)", argIdx))
		args = append(args, filter.Environment)
		argIdx++
	}
	if filter.Level != "" {
		conditions = append(conditions, fmt.Sprintf("level = $%d", argIdx))
		args = append(args, filter.Level)
		argIdx++
	}
	if filter.Search != "" {
		conditions = append(conditions, fmt.Sprintf(`message ILIKE $%d ESCAPE '\'`, argIdx))
		args = append(args, "%"+escapeLike(filter.Search)+"%")
		argIdx++
	}
	if !filter.Since.IsZero() {
		conditions = append(conditions, fmt.Sprintf("last_seen >= $%d", argIdx))
		args = append(args, filter.Since)
		argIdx++
	}

	where := strings.Join(conditions, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM issues WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count issues: %w", err)
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
	offset := (page - 1) * limit

	sortCol, ok := issueSortColumns[filter.SortBy]
	if !ok {
		sortCol = "last_seen"
	}
	dir := "DESC"
	if filter.Ascending {
		dir = "ASC"
	}

	dataQuery := fmt.Sprintf(
		`SELECT %s FROM issues WHERE %s ORDER BY %s %s, id %s LIMIT $%d OFFSET $%d`,
		issueColumns, where, sortCol, dir, dir, argIdx, argIdx+1)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list issues: %w", err)
	}
	defer rows.Close()

	issues := []*models.Issue{}
	for rows.Next() {
		i, err := scanIssue(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan issue: %w", err)
		}
		issues = append(issues, i)
	}
	return issues, total, rows.Err()
}

func (s *PostgresStore) GetIssue(ctx context.Context, projectID, issueID uuid.UUID) (*models.Issue, error) {
	i, err := scanIssue(s.pool.QueryRow(ctx,
		`SELECT `+issueColumns+` FROM issues WHERE id = $1 AND project_id = $2`, issueID, projectID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get issue: %w", err)
	}
	return i, nil
}

// UpdateIssueStatus sets an operator-chosen status. Setting the current
// status again leaves updated_at untouched.
func (s *PostgresStore) UpdateIssueStatus(ctx context.Context, projectID, issueID uuid.UUID, status string) (*models.Issue, error) {
	i, err := scanIssue(s.pool.QueryRow(ctx,
		`UPDATE issues SET
		   updated_at = CASE WHEN status = $3 THEN updated_at ELSE NOW() END,
		   status = $3
		 WHERE id = $1 AND project_id = $2
		 RETURNING `+issueColumns, issueID, projectID, status))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update issue status: %w", err)
	}
	return i, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
