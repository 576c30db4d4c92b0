package eventstore_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/kiranshivaraju/issuehound/internal/eventstore"
	"github.com/kiranshivaraju/issuehound/internal/fingerprint"
	"github.com/kiranshivaraju/issuehound/internal/store"
	"github.com/kiranshivaraju/issuehound/pkg/models"
)

func migrationsDir() string {
	_, filename, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(filename), "..", "..", "migrations")
}

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

func strPtr(s string) *string { return &s }

func newEvent(projectID uuid.UUID, message, level string, at time.Time) models.ErrorEvent {
	e := models.ErrorEvent{
		ID:          uuid.New(),
		ProjectID:   projectID,
		Timestamp:   at,
		Message:     message,
		Environment: "production",
		Level:       level,
		Tags:        map[string]string{"browser": "chrome"},
		CreatedAt:   time.Now().UTC(),
	}
	e.Fingerprint = fingerprint.ForEvent(&e)
	return e
}

func TestAppendAndList(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	w := eventstore.NewPostgresWriter(pool, 3)
	r := eventstore.NewPostgresReader(pool)
	ctx := context.Background()
	projectID := uuid.New()
	now := time.Now().UTC().Truncate(time.Microsecond)

	e1 := newEvent(projectID, "first", models.LevelError, now.Add(-time.Minute))
	e1.StackTrace = strPtr("at a\nat b")
	e1.UserID = strPtr("u-1")
	e1.Extra = json.RawMessage(`{"cart":3}`)
	e2 := newEvent(projectID, "second", models.LevelInfo, now)
	e2.Environment = "staging"
	e2.Fingerprint = fingerprint.ForEvent(&e2)

	require.NoError(t, w.Append(ctx, []models.ErrorEvent{e1, e2}))

	events, total, err := r.ListEvents(ctx, eventstore.EventFilter{ProjectID: projectID})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, events, 2)
	assert.Equal(t, e2.ID, events[0].ID, "newest first")

	got := events[1]
	assert.Equal(t, "first", got.Message)
	require.NotNil(t, got.StackTrace)
	assert.Equal(t, "at a\nat b", *got.StackTrace)
	assert.Equal(t, "u-1", *got.UserID)
	assert.Nil(t, got.UserIP)
	assert.JSONEq(t, `{"cart":3}`, string(got.Extra))
	assert.Equal(t, map[string]string{"browser": "chrome"}, got.Tags)
	assert.Equal(t, e1.Fingerprint, got.Fingerprint)
	assert.True(t, got.Timestamp.Equal(e1.Timestamp))

	_, total, err = r.ListEvents(ctx, eventstore.EventFilter{ProjectID: projectID, Environment: "staging"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)

	_, total, err = r.ListEvents(ctx, eventstore.EventFilter{ProjectID: projectID, Fingerprint: e1.Fingerprint})
	require.NoError(t, err)
	assert.Equal(t, 1, total)

	_, total, err = r.ListEvents(ctx, eventstore.EventFilter{ProjectID: projectID, Level: models.LevelError})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestAppend_BatchIsAtomic(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	w := eventstore.NewPostgresWriter(pool, 3, eventstore.WithInitialDelay(time.Millisecond))
	r := eventstore.NewPostgresReader(pool)
	ctx := context.Background()
	projectID := uuid.New()
	now := time.Now().UTC()

	batch := make([]models.ErrorEvent, 100)
	for i := range batch {
		batch[i] = newEvent(projectID, "boom", models.LevelError, now)
	}
	// Violates the level CHECK constraint.
	batch[50].Level = "fatal"

	err := w.Append(ctx, batch)
	require.Error(t, err)
	assert.NotErrorIs(t, err, eventstore.ErrTransient)

	_, total, err := r.ListEvents(ctx, eventstore.EventFilter{ProjectID: projectID})
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestIssueTimeSeries(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	w := eventstore.NewPostgresWriter(pool, 0)
	r := eventstore.NewPostgresReader(pool)
	ctx := context.Background()
	projectID := uuid.New()
	hour := time.Now().UTC().Truncate(time.Hour)

	batch := []models.ErrorEvent{
		newEvent(projectID, "series", models.LevelError, hour.Add(-2*time.Hour+5*time.Minute)),
		newEvent(projectID, "series", models.LevelError, hour.Add(-2*time.Hour+50*time.Minute)),
		newEvent(projectID, "series", models.LevelError, hour.Add(1*time.Minute)),
		newEvent(projectID, "other", models.LevelError, hour.Add(1*time.Minute)),
		newEvent(projectID, "series", models.LevelError, hour.Add(-48*time.Hour)),
	}
	require.NoError(t, w.Append(ctx, batch))

	points, err := r.IssueTimeSeries(ctx, projectID, batch[0].Fingerprint, hour.Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.True(t, points[0].Bucket.Equal(hour.Add(-2*time.Hour)))
	assert.Equal(t, int64(2), points[0].Count)
	assert.True(t, points[1].Bucket.Equal(hour))
	assert.Equal(t, int64(1), points[1].Count)
}

func TestProjectStats(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	w := eventstore.NewPostgresWriter(pool, 0)
	r := eventstore.NewPostgresReader(pool)
	ctx := context.Background()
	projectID := uuid.New()
	now := time.Now().UTC()

	var batch []models.ErrorEvent
	for i := 0; i < 10; i++ {
		e := newEvent(projectID, "checkout failed", models.LevelError, now.Add(-time.Hour))
		e.UserID = strPtr("u-1")
		batch = append(batch, e)
	}
	for i := 0; i < 90; i++ {
		e := newEvent(projectID, "page view", models.LevelInfo, now.Add(-time.Hour))
		e.UserIP = strPtr("10.0.0.1")
		batch = append(batch, e)
	}
	// Outside the window.
	batch = append(batch, newEvent(projectID, "ancient", models.LevelError, now.Add(-72*time.Hour)))
	require.NoError(t, w.Append(ctx, batch))

	stats, err := r.ProjectStats(ctx, projectID, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(100), stats.TotalEvents)
	assert.Equal(t, int64(10), stats.ErrorEvents)
	assert.Equal(t, int64(2), stats.UniqueIssues)
	assert.Equal(t, int64(2), stats.AffectedUsers)

	empty, err := r.ProjectStats(ctx, uuid.New(), now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, empty.TotalEvents)
}

func TestUnaggregatedEvents(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	w := eventstore.NewPostgresWriter(pool, 0)
	r := eventstore.NewPostgresReader(pool)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	projectID := uuid.New()
	now := time.Now().UTC()

	merged := newEvent(projectID, "merged", models.LevelError, now)
	pending := newEvent(projectID, "pending", models.LevelError, now)
	require.NoError(t, w.Append(ctx, []models.ErrorEvent{merged, pending}))

	_, err := s.MergeIssue(ctx, store.IssueDelta{
		ProjectID: projectID, Fingerprint: merged.Fingerprint, Message: merged.Message,
		Level: merged.Level, FirstSeen: now, LastSeen: now, EventIDs: []uuid.UUID{merged.ID},
		Environments: []string{"production"},
	})
	require.NoError(t, err)

	events, err := r.UnaggregatedEvents(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, pending.ID, events[0].ID)

	events, err = r.UnaggregatedEvents(ctx, now.Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, events, "events inside the grace period are skipped")
}
