// Package observe provides application-wide observability primitives for
// neurogate: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all neurogate metrics.
const meterName = "github.com/MrWong99/neurogate"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ExecutionDuration tracks wall-clock time from launch to terminal state.
	// Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ExecutionDuration metric.Float64Histogram

	// QueueWait tracks how long requests waited for a worker slot.
	QueueWait metric.Float64Histogram

	// --- Counters ---

	// Executions counts finished executions. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	Executions metric.Int64Counter

	// Rejections counts requests rejected before any container was created.
	// Use with attributes:
	//   attribute.String("tool", ...), attribute.String("kind", ...)
	Rejections metric.Int64Counter

	// ImagePulls counts pull attempts. Use with attributes:
	//   attribute.String("image", ...), attribute.String("outcome", ...)
	ImagePulls metric.Int64Counter

	// OrphansReaped counts containers removed by reconciliation.
	OrphansReaped metric.Int64Counter

	// SessionsSwept counts workspaces removed by the retention sweep.
	SessionsSwept metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes. Use with
	// attributes: attribute.String("breaker", ...), attribute.String("to", ...)
	BreakerTransitions metric.Int64Counter

	// --- Gauges ---

	// RunningExecutions tracks containers currently holding a worker slot.
	RunningExecutions metric.Int64UpDownCounter

	// QueuedRequests tracks requests waiting for a worker slot.
	QueuedRequests metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// executionBuckets defines histogram bucket boundaries (in seconds) spanning
// quick FSL runs up to day-long reconstructions.
var executionBuckets = []float64{
	1, 5, 15, 30, 60, 300, 900, 1800, 3600, 4 * 3600, 12 * 3600, 24 * 3600,
}

var waitBuckets = []float64{
	0.01, 0.1, 0.5, 1, 5, 15, 60, 300, 900,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ExecutionDuration, err = m.Float64Histogram("neurogate.execution.duration",
		metric.WithDescription("Wall-clock duration of tool container executions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(executionBuckets...),
	); err != nil {
		return nil, err
	}
	if met.QueueWait, err = m.Float64Histogram("neurogate.admission.wait",
		metric.WithDescription("Time spent waiting for a worker slot."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(waitBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Executions, err = m.Int64Counter("neurogate.executions",
		metric.WithDescription("Finished executions by tool and status."),
	); err != nil {
		return nil, err
	}
	if met.Rejections, err = m.Int64Counter("neurogate.rejections",
		metric.WithDescription("Requests rejected before execution by tool and error kind."),
	); err != nil {
		return nil, err
	}
	if met.ImagePulls, err = m.Int64Counter("neurogate.image.pulls",
		metric.WithDescription("Image pull attempts by image and outcome."),
	); err != nil {
		return nil, err
	}
	if met.OrphansReaped, err = m.Int64Counter("neurogate.orphans.reaped",
		metric.WithDescription("Orphaned containers removed by reconciliation."),
	); err != nil {
		return nil, err
	}
	if met.SessionsSwept, err = m.Int64Counter("neurogate.sessions.swept",
		metric.WithDescription("Idle session workspaces removed by the retention sweep."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("neurogate.breaker.transitions",
		metric.WithDescription("Circuit breaker state changes."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.RunningExecutions, err = m.Int64UpDownCounter("neurogate.executions.running",
		metric.WithDescription("Executions currently holding a worker slot."),
	); err != nil {
		return nil, err
	}
	if met.QueuedRequests, err = m.Int64UpDownCounter("neurogate.admission.queued",
		metric.WithDescription("Requests waiting in the admission queue."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("neurogate.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordExecution records a finished execution's count and duration.
func (m *Metrics) RecordExecution(ctx context.Context, tool, status string, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("status", status),
	)
	m.Executions.Add(ctx, 1, attrs)
	m.ExecutionDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordRejection records a request rejected before execution.
func (m *Metrics) RecordRejection(ctx context.Context, tool, kind string) {
	m.Rejections.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("kind", kind),
		),
	)
}

// RecordImagePull records one pull attempt.
func (m *Metrics) RecordImagePull(ctx context.Context, image, outcome string) {
	m.ImagePulls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("image", image),
			attribute.String("outcome", outcome),
		),
	)
}

// RecordBreakerTransition records a circuit breaker moving into state to.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, breaker, to string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("breaker", breaker),
			attribute.String("to", to),
		),
	)
}
