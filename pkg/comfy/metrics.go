package comfy

import "context"

// MetricsRecorder receives client instrumentation. Implementations must be safe
// for concurrent use.
type MetricsRecorder interface {
	RecordRequest(ctx context.Context, method, endpoint string, statusCode int, durationSeconds float64)
	RecordStreamEvent(ctx context.Context, eventType string)
	RecordStreamConnected(ctx context.Context, connected bool)
	RecordJobSubmitted(ctx context.Context)
	RecordJobFinished(ctx context.Context, state string, durationSeconds float64)
}

type noopMetrics struct{}

func (noopMetrics) RecordRequest(context.Context, string, string, int, float64) {}
func (noopMetrics) RecordStreamEvent(context.Context, string)                     {}
func (noopMetrics) RecordStreamConnected(context.Context, bool)                   {}
func (noopMetrics) RecordJobSubmitted(context.Context)                            {}
func (noopMetrics) RecordJobFinished(context.Context, string, float64)            {}

var _ MetricsRecorder = noopMetrics{}
