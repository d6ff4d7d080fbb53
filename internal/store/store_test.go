package store_test

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/comfyrun/internal/store"
	"github.com/kiranshivaraju/comfyrun/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// migrationsDir returns the absolute path to the migrations directory.
func migrationsDir() string {
	_, filename, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(filename), "..", "..", "migrations")
}

// setupTestDB spins up a Postgres container, runs migrations, and returns a pool + cleanup.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("comfyrun_test"),
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

	err = store.RunMigrations(connStr, migrationsDir())
	require.NoError(t, err)

	// A second run finds nothing to apply.
	require.NoError(t, store.RunMigrations(connStr, migrationsDir()))

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	return pool
}

func newRecord(promptID string) *models.JobRecord {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &models.JobRecord{
		ID:          uuid.New(),
		PromptID:    promptID,
		ClientID:    "client-1",
		Status:      models.JobStateQueued,
		Workflow:    json.RawMessage(`{"3":{"class_type":"KSampler","inputs":{"seed":42}}}`),
		QueueNumber: 7,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestJob_CreateAndGet(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	rec := newRecord("p-1")
	require.NoError(t, s.CreateJob(ctx, rec))

	got, err := s.GetJobByPromptID(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, models.JobStateQueued, got.Status)
	assert.Equal(t, 7, got.QueueNumber)
	assert.JSONEq(t, string(rec.Workflow), string(got.Workflow))
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.ErrorMessage)
	assert.Empty(t, got.ErrorDetail)
}

func TestJob_CreateDuplicatePromptID(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	require.NoError(t, s.CreateJob(ctx, newRecord("p-dup")))
	err := s.CreateJob(ctx, newRecord("p-dup"))
	assert.ErrorIs(t, err, store.ErrDuplicateKey)
}

func TestJob_GetNotFound(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)

	_, err := s.GetJobByPromptID(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestJob_UpdateStatusQueuedToRunning(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	require.NoError(t, s.CreateJob(ctx, newRecord("p-1")))

	err := s.UpdateJobStatus(ctx, "p-1", models.JobStateRunning, store.WithLastNode("3"))
	require.NoError(t, err)

	got, err := s.GetJobByPromptID(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStateRunning, got.Status)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.LastNode)
	assert.Equal(t, "3", *got.LastNode)

	// Progress on a running job moves last_node and keeps started_at.
	startedAt := *got.StartedAt
	require.NoError(t, s.UpdateJobStatus(ctx, "p-1", models.JobStateRunning, store.WithLastNode("8")))
	got, err = s.GetJobByPromptID(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, "8", *got.LastNode)
	assert.True(t, startedAt.Equal(*got.StartedAt))
}

func TestJob_UpdateStatusRunningToCompleted(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	require.NoError(t, s.CreateJob(ctx, newRecord("p-1")))
	require.NoError(t, s.UpdateJobStatus(ctx, "p-1", models.JobStateRunning))

	err := s.UpdateJobStatus(ctx, "p-1", models.JobStateCompleted)
	require.NoError(t, err)

	got, err := s.GetJobByPromptID(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStateCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)
}

func TestJob_UpdateStatusQueuedToFailedWithDetail(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	require.NoError(t, s.CreateJob(ctx, newRecord("p-1")))

	detail := json.RawMessage(`{"node_id":"8","exception_message":"CUDA out of memory"}`)
	err := s.UpdateJobStatus(ctx, "p-1", models.JobStateFailed,
		store.WithErrorMessage("node 8: CUDA out of memory"),
		store.WithErrorDetail(detail))
	require.NoError(t, err)

	got, err := s.GetJobByPromptID(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStateFailed, got.Status)
	assert.NotNil(t, got.CompletedAt)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "node 8: CUDA out of memory", *got.ErrorMessage)
	assert.JSONEq(t, string(detail), string(got.ErrorDetail))
}

func TestJob_UpdateStatusInvalidTransition(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	require.NoError(t, s.CreateJob(ctx, newRecord("p-1")))
	require.NoError(t, s.UpdateJobStatus(ctx, "p-1", models.JobStateCancelled))

	for _, next := range []models.JobState{models.JobStateRunning, models.JobStateCompleted, models.JobStateQueued} {
		err := s.UpdateJobStatus(ctx, "p-1", next)
		assert.ErrorIs(t, err, store.ErrInvalidTransition, "cancelled -> %s", next)
	}

	got, err := s.GetJobByPromptID(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStateCancelled, got.Status)
}

func TestJob_UpdateStatusNotFound(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)

	err := s.UpdateJobStatus(context.Background(), "missing", models.JobStateRunning)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestJob_List(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		rec := newRecord(fmt.Sprintf("p-%d", i))
		rec.CreatedAt = rec.CreatedAt.Add(time.Duration(i) * time.Second)
		if i%2 == 0 {
			rec.ClientID = "client-2"
		}
		require.NoError(t, s.CreateJob(ctx, rec))
	}
	require.NoError(t, s.UpdateJobStatus(ctx, "p-5", models.JobStateCompleted))

	all, total, err := s.ListJobs(ctx, store.JobFilter{})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, all, 5)
	assert.Equal(t, "p-5", all[0].PromptID)

	queued, total, err := s.ListJobs(ctx, store.JobFilter{Status: models.JobStateQueued})
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	assert.Len(t, queued, 4)

	byClient, total, err := s.ListJobs(ctx, store.JobFilter{ClientID: "client-2", Limit: 1, Page: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, byClient, 1)
	assert.Equal(t, "p-2", byClient[0].PromptID)
}

func TestPing(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)

	err := s.Ping(context.Background())
	assert.NoError(t, err)
}
