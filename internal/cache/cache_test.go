package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/comfyrun/internal/cache"
	"github.com/kiranshivaraju/comfyrun/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis spins up a Redis container and returns a connected RedisCache + cleanup.
func setupRedis(t *testing.T) *cache.RedisCache {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	redisURL := "redis://" + host + ":" + port.Port()
	rc, err := cache.NewRedisCache(redisURL)
	require.NoError(t, err)

	return rc
}

// TestRedisCache runs every cache operation against one container.
func TestRedisCache(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()

	t.Run("ping", func(t *testing.T) {
		assert.NoError(t, rc.Ping(ctx))
	})

	t.Run("system stats snapshot", func(t *testing.T) {
		key := cache.SystemStatsKey("127.0.0.1:" + uuid.NewString()[:4])
		snapshot := []byte(`{"system":{"os":"posix","python_version":"3.11"},"devices":[]}`)

		require.NoError(t, rc.Set(ctx, key, snapshot, 10*time.Second))
		got, found, err := rc.Get(ctx, key)
		require.NoError(t, err)
		assert.True(t, found)
		assert.JSONEq(t, string(snapshot), string(got))
	})

	t.Run("missing snapshot", func(t *testing.T) {
		got, found, err := rc.Get(ctx, cache.SystemStatsKey("nowhere:1"))
		require.NoError(t, err)
		assert.False(t, found)
		assert.Nil(t, got)
	})

	t.Run("snapshot expires", func(t *testing.T) {
		key := cache.SystemStatsKey("expiring:" + uuid.NewString()[:4])
		require.NoError(t, rc.Set(ctx, key, []byte(`{}`), time.Second))

		time.Sleep(1500 * time.Millisecond)
		_, found, err := rc.Get(ctx, key)
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("rate limit window counts per client", func(t *testing.T) {
		window := time.Now().Unix() / 60
		a := cache.RateLimitKey("10.0.0."+uuid.NewString()[:3], window)
		b := cache.RateLimitKey("10.0.1."+uuid.NewString()[:3], window)

		for want := int64(1); want <= 3; want++ {
			n, err := rc.IncrWithExpiry(ctx, a, 10*time.Second)
			require.NoError(t, err)
			assert.Equal(t, want, n)
		}
		n, err := rc.IncrWithExpiry(ctx, b, 10*time.Second)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})

	t.Run("rate limit window resets after expiry", func(t *testing.T) {
		key := cache.RateLimitKey("10.9.9.9", time.Now().UnixNano())
		_, err := rc.IncrWithExpiry(ctx, key, time.Second)
		require.NoError(t, err)

		time.Sleep(1500 * time.Millisecond)
		n, err := rc.IncrWithExpiry(ctx, key, 10*time.Second)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})
}

// --- Job status mirror ---

func TestSetGetJobStatus(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()
	promptID := uuid.NewString()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	err := rc.SetJobStatus(ctx, promptID, cache.JobStatus{
		State:     models.JobStateRunning,
		LastNode:  "7",
		UpdatedAt: at,
	}, 10*time.Second)
	require.NoError(t, err)

	status, found, err := rc.GetJobStatus(ctx, promptID)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, models.JobStateRunning, status.State)
	assert.Equal(t, "7", status.LastNode)
	assert.True(t, at.Equal(status.UpdatedAt))

	// A later write replaces every field.
	require.NoError(t, rc.SetJobStatus(ctx, promptID, cache.JobStatus{
		State:     models.JobStateCompleted,
		UpdatedAt: at.Add(time.Second),
	}, 10*time.Second))
	status, _, err = rc.GetJobStatus(ctx, promptID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateCompleted, status.State)
	assert.Empty(t, status.LastNode)
}

func TestSetJobStatus_Expires(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()
	promptID := uuid.NewString()

	require.NoError(t, rc.SetJobStatus(ctx, promptID, cache.JobStatus{State: models.JobStateQueued}, time.Second))
	time.Sleep(1500 * time.Millisecond)

	_, found, err := rc.GetJobStatus(ctx, promptID)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestGetJobStatus_NotFound(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)

	status, found, err := rc.GetJobStatus(context.Background(), uuid.NewString())
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, cache.JobStatus{}, status)
}

func TestClose(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)

	require.NoError(t, rc.Close())
	assert.Error(t, rc.Ping(context.Background()))
}

// --- Cache Key Builders ---

func TestJobStatusKey(t *testing.T) {
	assert.Equal(t, "comfyrun:job:p-1", cache.JobStatusKey("p-1"))
}

func TestRateLimitKey(t *testing.T) {
	assert.Equal(t, "comfyrun:ratelimit:10.0.0.1:29000000", cache.RateLimitKey("10.0.0.1", 29000000))
}

func TestSystemStatsKey(t *testing.T) {
	assert.Equal(t, "comfyrun:stats:127.0.0.1:8188", cache.SystemStatsKey("127.0.0.1:8188"))
}

func TestKeyBuilders_NonColliding(t *testing.T) {
	keys := map[string]bool{
		cache.JobStatusKey("x"):    true,
		cache.RateLimitKey("x", 1): true,
		cache.SystemStatsKey("x"):  true,
	}
	assert.Len(t, keys, 3, "all keys should be unique")
}
