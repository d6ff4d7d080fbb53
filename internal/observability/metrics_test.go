package observability

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, h http.Handler) string {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestNewMetrics(t *testing.T) {
	metrics, handler, err := NewMetrics(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, metrics)
	assert.NotNil(t, handler)
}

func TestNewMetrics_IndependentRegistries(t *testing.T) {
	_, _, err := NewMetrics(context.Background())
	require.NoError(t, err)
	_, _, err = NewMetrics(context.Background())
	require.NoError(t, err)
}

func TestRecordJobMetrics(t *testing.T) {
	ctx := context.Background()
	m, handler, err := NewMetrics(ctx)
	require.NoError(t, err)

	m.RecordJobSubmitted(ctx)
	m.RecordJobSubmitted(ctx)
	m.RecordJobFinished(ctx, "completed", 12.5)
	m.RecordJobFinished(ctx, "failed", 3)

	body := scrape(t, handler)
	assert.Contains(t, body, "comfy_jobs_submitted_total")
	assert.Contains(t, body, "comfy_jobs_finished_total")
	assert.Contains(t, body, `state="completed"`)
	assert.Contains(t, body, `state="failed"`)
	assert.Contains(t, body, "comfy_jobs_active")
}

func TestRecordStreamAndRequestMetrics(t *testing.T) {
	ctx := context.Background()
	m, handler, err := NewMetrics(ctx)
	require.NoError(t, err)

	m.RecordStreamConnected(ctx, true)
	m.RecordStreamEvent(ctx, "executing")
	m.RecordRequest(ctx, "GET", "/history/abc-123", 200, 0.02)
	m.RecordRequest(ctx, "POST", "/prompt", 0, 1.5)
	m.RecordHTTPRequest(ctx, "GET", "/api/v1/jobs/abc-123", 404, 0.001)

	body := scrape(t, handler)
	assert.Contains(t, body, "comfy_stream_connected")
	assert.Contains(t, body, `type="executing"`)
	assert.Contains(t, body, `endpoint="/history/{prompt_id}"`)
	assert.Contains(t, body, `status="error"`)
	assert.Contains(t, body, `path="/api/v1/jobs/{promptID}"`)
	assert.NotContains(t, body, "abc-123")
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"/api/v1/health", "/api/v1/health"},
		{"/api/v1/jobs", "/api/v1/jobs"},
		{"/api/v1/jobs/", "/api/v1/jobs/"},
		{"/api/v1/jobs/abc123", "/api/v1/jobs/{promptID}"},
		{"/api/v1/queue/clear", "/api/v1/queue/clear"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, normalizePath(tt.input), tt.input)
	}
}

func TestNormalizeEndpoint(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"/prompt", "/prompt"},
		{"/history", "/history"},
		{"/history/p-1", "/history/{prompt_id}"},
		{"/object_info", "/object_info"},
		{"/object_info/KSampler", "/object_info/{node_class}"},
		{"/view_metadata/loras", "/view_metadata/{folder}"},
		{"/upload/image", "/upload/image"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, normalizeEndpoint(tt.input), tt.input)
	}
}
