package http

import (
	"context"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const httpInstrumentationName = "github.com/fyrsmithlabs/mofsci/internal/http"

// eventsRoute is the SSE route. Its requests live as long as the run, so
// they are counted as streams and kept out of the latency histogram.
const eventsRoute = "/api/v1/runs/:id/events"

// runModeKey is set by the create-run handler to "sync" or "async".
const runModeKey = "run_mode"

// HTTPMetrics records API traffic.
type HTTPMetrics struct {
	meter          metric.Meter
	logger         *zap.Logger
	requestsTotal  metric.Int64Counter
	requestDur     metric.Float64Histogram
	responseSize   metric.Int64Histogram
	activeRequests metric.Int64UpDownCounter
	eventStreams   metric.Int64UpDownCounter
	runsSubmitted  metric.Int64Counter
}

// NewHTTPMetrics creates instruments on the global meter provider.
func NewHTTPMetrics(logger *zap.Logger) *HTTPMetrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &HTTPMetrics{
		meter:  otel.Meter(httpInstrumentationName),
		logger: logger,
	}
	m.init()
	return m
}

func (m *HTTPMetrics) init() {
	var err error

	m.requestsTotal, err = m.meter.Int64Counter(
		"mofsci.http.requests_total",
		metric.WithDescription("HTTP requests by method, route template and status code"),
		metric.WithUnit("{request}"),
	)
	m.warn("requests counter", err)

	m.requestDur, err = m.meter.Float64Histogram(
		"mofsci.http.request_duration_seconds",
		metric.WithDescription("HTTP request duration, excluding run event streams. Synchronous runs dominate the upper buckets."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120, 300),
	)
	m.warn("duration histogram", err)

	m.responseSize, err = m.meter.Int64Histogram(
		"mofsci.http.response_size_bytes",
		metric.WithDescription("HTTP response body size. Run snapshots carry the full trace and step outputs."),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(100, 1000, 5000, 20000, 100000, 500000),
	)
	m.warn("response size histogram", err)

	m.activeRequests, err = m.meter.Int64UpDownCounter(
		"mofsci.http.active_requests",
		metric.WithDescription("HTTP requests in progress, excluding run event streams"),
		metric.WithUnit("{request}"),
	)
	m.warn("active requests gauge", err)

	m.eventStreams, err = m.meter.Int64UpDownCounter(
		"mofsci.http.event_streams",
		metric.WithDescription("Open run event streams"),
		metric.WithUnit("{stream}"),
	)
	m.warn("event streams gauge", err)

	m.runsSubmitted, err = m.meter.Int64Counter(
		"mofsci.http.runs_submitted_total",
		metric.WithDescription("Run submissions by mode (sync, async) and status code"),
		metric.WithUnit("{run}"),
	)
	m.warn("runs submitted counter", err)
}

func (m *HTTPMetrics) warn(what string, err error) {
	if err != nil {
		m.logger.Warn("failed to create "+what, zap.Error(err))
	}
}

// MetricsMiddleware returns an Echo middleware that records HTTP metrics.
func (m *HTTPMetrics) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()
			ctx := req.Context()
			route := normalizePath(c.Path())
			stream := route == eventsRoute

			gauge := m.activeRequests
			if stream {
				gauge = m.eventStreams
			}
			addIf(ctx, gauge, 1)

			err := next(c)

			addIf(ctx, gauge, -1)

			status := c.Response().Status
			attrs := metric.WithAttributes(
				attribute.String("method", req.Method),
				attribute.String("endpoint", route),
				attribute.Int("status", status),
			)
			if m.requestsTotal != nil {
				m.requestsTotal.Add(ctx, 1, attrs)
			}
			if !stream && m.requestDur != nil {
				m.requestDur.Record(ctx, time.Since(start).Seconds(), attrs)
			}
			if m.responseSize != nil {
				m.responseSize.Record(ctx, c.Response().Size, attrs)
			}
			if mode, ok := c.Get(runModeKey).(string); ok && m.runsSubmitted != nil {
				m.runsSubmitted.Add(ctx, 1, metric.WithAttributes(
					attribute.String("mode", mode),
					attribute.Int("status", status),
				))
			}
			return err
		}
	}
}

func addIf(ctx context.Context, c metric.Int64UpDownCounter, n int64) {
	if c != nil {
		c.Add(ctx, n)
	}
}

// normalizePath maps the route to a metric label. Echo reports the route
// template (/api/v1/runs/:id), so run IDs never reach a label; unmatched
// requests have an empty path.
func normalizePath(path string) string {
	if path == "" {
		return "/"
	}
	return path
}
