package store_test

import (
	"context"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/kiranshivaraju/issuehound/internal/fingerprint"
	"github.com/kiranshivaraju/issuehound/internal/store"
	"github.com/kiranshivaraju/issuehound/pkg/models"
)

// migrationsDir returns the absolute path to the migrations directory.
func migrationsDir() string {
	_, filename, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(filename), "..", "..", "migrations")
}

// setupTestDB spins up a Postgres container, runs migrations, and returns a pool.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("issuehound_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, pgContainer.Terminate(ctx))
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	require.NoError(t, store.RunMigrations(connStr, migrationsDir()))

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	return pool
}

func createProject(t *testing.T, s *store.PostgresStore) *models.Project {
	t.Helper()
	p := &models.Project{
		ID:        uuid.New(),
		Name:      "checkout-" + uuid.NewString()[:6],
		Platform:  "javascript",
		CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
	}
	require.NoError(t, s.CreateProject(context.Background(), p))
	return p
}

func fp(message string) string {
	return fingerprint.Compute(message, nil, "production")
}

func delta(projectID uuid.UUID, message string, at time.Time, n int, users ...string) store.IssueDelta {
	ids := make([]uuid.UUID, n)
	for i := range ids {
		ids[i] = uuid.New()
	}
	return store.IssueDelta{
		ProjectID:    projectID,
		Fingerprint:  fp(message),
		Message:      message,
		Level:        models.LevelError,
		FirstSeen:    at,
		LastSeen:     at,
		EventIDs:     ids,
		UserKeys:     users,
		Environments: []string{"production"},
	}
}

// --- API Key Tests ---

func TestLookupAPIKey(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	project := createProject(t, s)

	key := &models.APIKey{
		ID:        uuid.New(),
		ProjectID: project.ID,
		Name:      "sdk",
		KeyHash:   "hash-lookup",
		KeyPrefix: "ih_look",
		Scopes:    []string{models.ScopeIngest},
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreateAPIKey(ctx, key))

	gotKey, gotProject, err := s.LookupAPIKey(ctx, "hash-lookup")
	require.NoError(t, err)
	assert.Equal(t, key.ID, gotKey.ID)
	assert.Equal(t, []string{models.ScopeIngest}, gotKey.Scopes)
	assert.Nil(t, gotKey.ExpiresAt)
	assert.Equal(t, project.ID, gotProject.ID)
	assert.Equal(t, project.Name, gotProject.Name)
}

func TestLookupAPIKey_NotFound(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)

	_, _, err := s.LookupAPIKey(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestTouchLastUsed(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	project := createProject(t, s)

	key := &models.APIKey{
		ID: uuid.New(), ProjectID: project.ID, Name: "used", KeyHash: "hash-used",
		KeyPrefix: "ih_used", Scopes: []string{models.ScopeRead}, CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreateAPIKey(ctx, key))
	require.NoError(t, s.TouchLastUsed(ctx, key.ID))

	got, _, err := s.LookupAPIKey(ctx, "hash-used")
	require.NoError(t, err)
	assert.NotNil(t, got.LastUsedAt)
}

func TestCreateAPIKey_DuplicateHash(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	project := createProject(t, s)

	for i, want := range []error{nil, store.ErrDuplicateKey} {
		err := s.CreateAPIKey(ctx, &models.APIKey{
			ID: uuid.New(), ProjectID: project.ID, Name: "dup", KeyHash: "same-hash",
			KeyPrefix: "ih_dupe", Scopes: []string{models.ScopeRead}, CreatedAt: time.Now().UTC(),
		})
		if want == nil {
			require.NoError(t, err, "attempt %d", i)
		} else {
			assert.ErrorIs(t, err, want)
		}
	}
}

// --- Issue Tests ---

func TestMergeIssue_Create(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	project := createProject(t, s)
	now := time.Now().UTC().Truncate(time.Microsecond)

	d := delta(project.ID, "NullPointerException", now, 3, "id:u1", "ip:10.0.0.1")
	d.FirstSeen = now.Add(-time.Minute)
	d.Tags = map[string]string{"browser": "firefox"}

	res, err := s.MergeIssue(ctx, d)
	require.NoError(t, err)
	require.NotNil(t, res.Issue)
	assert.Equal(t, int64(3), res.NewEvents)
	assert.Equal(t, int64(2), res.NewUsers)

	issue := res.Issue
	assert.Equal(t, fp("NullPointerException"), issue.Fingerprint)
	assert.Equal(t, models.IssueStatusUnresolved, issue.Status)
	assert.Equal(t, int64(3), issue.EventCount)
	assert.Equal(t, int64(2), issue.UserCount)
	assert.True(t, issue.FirstSeen.Equal(now.Add(-time.Minute)))
	assert.True(t, issue.LastSeen.Equal(now))
	assert.Equal(t, []string{"production"}, issue.Environments)
	assert.Equal(t, map[string]string{"browser": "firefox"}, issue.Tags)
}

func TestMergeIssue_MergesExisting(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	project := createProject(t, s)
	now := time.Now().UTC().Truncate(time.Microsecond)

	first := delta(project.ID, "timeout", now, 1, "id:u1")
	first.Tags = map[string]string{"region": "eu"}
	res, err := s.MergeIssue(ctx, first)
	require.NoError(t, err)
	issueID := res.Issue.ID

	// Late-arriving events move first_seen back; a later one moves last_seen.
	second := delta(project.ID, "timeout", now.Add(24*time.Hour), 2, "id:u1", "id:u2")
	second.FirstSeen = now.Add(-time.Hour)
	second.Environments = []string{"staging"}
	second.Level = models.LevelWarning
	second.Tags = map[string]string{"region": "us", "release": "1.2.0"}

	res, err = s.MergeIssue(ctx, second)
	require.NoError(t, err)
	issue := res.Issue
	assert.Equal(t, issueID, issue.ID)
	assert.Equal(t, int64(3), issue.EventCount)
	assert.Equal(t, int64(2), issue.UserCount)
	assert.True(t, issue.FirstSeen.Equal(now.Add(-time.Hour)))
	assert.True(t, issue.LastSeen.Equal(now.Add(24*time.Hour)))
	assert.Equal(t, []string{"production", "staging"}, issue.Environments)
	assert.Equal(t, models.LevelError, issue.Level, "less severe level must not downgrade")
	assert.Equal(t, map[string]string{"region": "eu", "release": "1.2.0"}, issue.Tags)
}

func TestMergeIssue_ReplayIsIdempotent(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	project := createProject(t, s)

	d := delta(project.ID, "replayed", time.Now().UTC(), 4, "id:u1")
	_, err := s.MergeIssue(ctx, d)
	require.NoError(t, err)

	res, err := s.MergeIssue(ctx, d)
	require.NoError(t, err)
	assert.Nil(t, res.Issue)
	assert.Zero(t, res.NewEvents)

	issues, total, err := s.ListIssues(ctx, store.IssueFilter{ProjectID: project.ID})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	assert.Equal(t, int64(4), issues[0].EventCount)
	assert.Equal(t, int64(1), issues[0].UserCount)
}

func TestMergeIssue_PreservesStatus(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	project := createProject(t, s)
	now := time.Now().UTC()

	res, err := s.MergeIssue(ctx, delta(project.ID, "resolved once", now, 1))
	require.NoError(t, err)
	_, err = s.UpdateIssueStatus(ctx, project.ID, res.Issue.ID, models.IssueStatusResolved)
	require.NoError(t, err)

	res, err = s.MergeIssue(ctx, delta(project.ID, "resolved once", now.Add(time.Minute), 1))
	require.NoError(t, err)
	assert.Equal(t, models.IssueStatusResolved, res.Issue.Status)
	assert.Equal(t, int64(2), res.Issue.EventCount)
}

func TestMergeIssue_ConcurrentMergesConverge(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	project := createProject(t, s)
	base := time.Now().UTC().Truncate(time.Microsecond)

	const writers = 10
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d := delta(project.ID, "contended", base.Add(time.Duration(i)*time.Second), 5, "id:shared", "id:w"+uuid.NewString())
			_, err := s.MergeIssue(ctx, d)
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	issues, total, err := s.ListIssues(ctx, store.IssueFilter{ProjectID: project.ID})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	issue := issues[0]
	assert.Equal(t, int64(writers*5), issue.EventCount)
	assert.Equal(t, int64(writers+1), issue.UserCount)
	assert.True(t, issue.FirstSeen.Equal(base))
	assert.True(t, issue.LastSeen.Equal(base.Add((writers-1)*time.Second)))
}

func TestMergeIssue_EmptyDelta(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)

	res, err := s.MergeIssue(context.Background(), store.IssueDelta{ProjectID: uuid.New()})
	require.NoError(t, err)
	assert.Nil(t, res.Issue)
}

func TestListIssues_FiltersAndSort(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	project := createProject(t, s)
	other := createProject(t, s)
	now := time.Now().UTC().Truncate(time.Microsecond)

	_, err := s.MergeIssue(ctx, delta(project.ID, "TypeError: x is undefined", now.Add(-2*time.Hour), 5))
	require.NoError(t, err)
	_, err = s.MergeIssue(ctx, delta(project.ID, "50%_discount failed", now.Add(-time.Hour), 1))
	require.NoError(t, err)
	warn := delta(project.ID, "slow query", now, 2)
	warn.Level = models.LevelWarning
	warn.Environments = []string{"staging"}
	_, err = s.MergeIssue(ctx, warn)
	require.NoError(t, err)
	_, err = s.MergeIssue(ctx, delta(other.ID, "TypeError: x is undefined", now, 1))
	require.NoError(t, err)

	issues, total, err := s.ListIssues(ctx, store.IssueFilter{ProjectID: project.ID})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, issues, 3)
	assert.Equal(t, "slow query", issues[0].Message, "default sort is last_seen desc")

	issues, _, err = s.ListIssues(ctx, store.IssueFilter{ProjectID: project.ID, SortBy: store.SortEventCount})
	require.NoError(t, err)
	assert.Equal(t, int64(5), issues[0].EventCount)

	issues, _, err = s.ListIssues(ctx, store.IssueFilter{ProjectID: project.ID, SortBy: store.SortFirstSeen, Ascending: true})
	require.NoError(t, err)
	assert.Equal(t, "TypeError: x is undefined", issues[0].Message)

	_, total, err = s.ListIssues(ctx, store.IssueFilter{ProjectID: project.ID, Level: models.LevelWarning})
	require.NoError(t, err)
	assert.Equal(t, 1, total)

	_, total, err = s.ListIssues(ctx, store.IssueFilter{ProjectID: project.ID, Environment: "staging"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)

	issues, total, err = s.ListIssues(ctx, store.IssueFilter{ProjectID: project.ID, Search: "typeerror"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, "TypeError: x is undefined", issues[0].Message)

	// LIKE metacharacters are matched literally.
	issues, total, err = s.ListIssues(ctx, store.IssueFilter{ProjectID: project.ID, Search: "50%_"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, "50%_discount failed", issues[0].Message)

	_, total, err = s.ListIssues(ctx, store.IssueFilter{ProjectID: project.ID, Since: now.Add(-90 * time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, 2, total)

	_, total, err = s.ListIssues(ctx, store.IssueFilter{ProjectID: project.ID, Status: models.IssueStatusResolved})
	require.NoError(t, err)
	assert.Equal(t, 0, total)
}

func TestListIssues_Pagination(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	project := createProject(t, s)
	now := time.Now().UTC()

	for i := 0; i < 5; i++ {
		_, err := s.MergeIssue(ctx, delta(project.ID, "err-"+uuid.NewString(), now, 1))
		require.NoError(t, err)
	}

	issues, total, err := s.ListIssues(ctx, store.IssueFilter{ProjectID: project.ID, Page: 2, Limit: 3})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Len(t, issues, 2)
}

func TestGetIssue(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	project := createProject(t, s)

	res, err := s.MergeIssue(ctx, delta(project.ID, "get me", time.Now().UTC(), 1))
	require.NoError(t, err)

	got, err := s.GetIssue(ctx, project.ID, res.Issue.ID)
	require.NoError(t, err)
	assert.Equal(t, "get me", got.Message)

	_, err = s.GetIssue(ctx, uuid.New(), res.Issue.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestUpdateIssueStatus(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	project := createProject(t, s)

	res, err := s.MergeIssue(ctx, delta(project.ID, "transition", time.Now().UTC(), 1))
	require.NoError(t, err)
	id := res.Issue.ID

	for _, status := range []string{models.IssueStatusIgnored, models.IssueStatusResolved, models.IssueStatusUnresolved} {
		got, err := s.UpdateIssueStatus(ctx, project.ID, id, status)
		require.NoError(t, err)
		assert.Equal(t, status, got.Status)
	}

	before, err := s.GetIssue(ctx, project.ID, id)
	require.NoError(t, err)
	same, err := s.UpdateIssueStatus(ctx, project.ID, id, models.IssueStatusUnresolved)
	require.NoError(t, err)
	assert.True(t, before.UpdatedAt.Equal(same.UpdatedAt))

	_, err = s.UpdateIssueStatus(ctx, project.ID, uuid.New(), models.IssueStatusResolved)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
