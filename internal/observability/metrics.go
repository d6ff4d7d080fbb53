package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/kiranshivaraju/comfyrun/pkg/comfy"
)

// Metrics holds the gateway and backend client instruments:
// - Latency: backend request and gateway request durations
// - Traffic: submissions, stream events
// - Errors: failed and cancelled jobs by state
// - Saturation: jobs in flight, stream connectivity
type Metrics struct {
	meter metric.Meter

	// Gateway HTTP
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter

	// Backend REST
	RequestDuration metric.Float64Histogram

	// Jobs
	JobsSubmitted metric.Int64Counter
	JobsFinished  metric.Int64Counter
	JobsActive    metric.Int64UpDownCounter
	JobDuration   metric.Float64Histogram

	// Event stream
	StreamEvents    metric.Int64Counter
	StreamConnected metric.Int64Gauge
}

// NewMetrics creates all instruments on a fresh Prometheus registry and returns
// the handler that serves it.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	reg := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("comfyrun")
	m := &Metrics{meter: meter}

	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("Gateway HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of gateway HTTP requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.RequestDuration, err = meter.Float64Histogram(
		"comfy_request_duration_seconds",
		metric.WithDescription("Backend REST request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsSubmitted, err = meter.Int64Counter(
		"comfy_jobs_submitted_total",
		metric.WithDescription("Total number of workflows accepted by the backend"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsFinished, err = meter.Int64Counter(
		"comfy_jobs_finished_total",
		metric.WithDescription("Total number of jobs reaching a terminal state"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsActive, err = meter.Int64UpDownCounter(
		"comfy_jobs_active",
		metric.WithDescription("Number of submitted jobs not yet terminal"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobDuration, err = meter.Float64Histogram(
		"comfy_job_duration_seconds",
		metric.WithDescription("Time from submission to terminal state in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 30, 60, 120, 300, 600, 900, 1800),
	)
	if err != nil {
		return nil, nil, err
	}

	m.StreamEvents, err = meter.Int64Counter(
		"comfy_stream_events_total",
		metric.WithDescription("Total number of decoded event stream frames"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.StreamConnected, err = meter.Int64Gauge(
		"comfy_stream_connected",
		metric.WithDescription("1 while the event stream is open"),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), nil
}

// RecordHTTPRequest records gateway request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)
	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)
}

// RecordRequest records one backend REST call. statusCode is 0 when no
// response was received.
func (m *Metrics) RecordRequest(ctx context.Context, method, endpoint string, statusCode int, durationSeconds float64) {
	m.RequestDuration.Record(ctx, durationSeconds, metric.WithAttributes(
		methodAttr(method),
		endpointAttr(endpoint),
		statusAttr(statusCode),
	))
}

func (m *Metrics) RecordStreamEvent(ctx context.Context, eventType string) {
	m.StreamEvents.Add(ctx, 1, metric.WithAttributes(eventTypeAttr(eventType)))
}

func (m *Metrics) RecordStreamConnected(ctx context.Context, connected bool) {
	var v int64
	if connected {
		v = 1
	}
	m.StreamConnected.Record(ctx, v)
}

func (m *Metrics) RecordJobSubmitted(ctx context.Context) {
	m.JobsSubmitted.Add(ctx, 1)
	m.JobsActive.Add(ctx, 1)
}

// RecordJobFinished records a submitted job reaching state.
func (m *Metrics) RecordJobFinished(ctx context.Context, state string, durationSeconds float64) {
	attrs := metric.WithAttributes(stateAttr(state))
	m.JobsFinished.Add(ctx, 1, attrs)
	m.JobDuration.Record(ctx, durationSeconds, attrs)
	m.JobsActive.Add(ctx, -1)
}

var _ comfy.MetricsRecorder = (*Metrics)(nil)
