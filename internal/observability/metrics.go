// Package observability exposes engine metrics through an OpenTelemetry
// meter backed by a Prometheus exporter.
package observability

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"deepscout/internal/async"
	"deepscout/internal/logging"
)

// Metrics bundles the engine's instruments. A nil *Metrics is safe to use;
// every record method is a no-op.
type Metrics struct {
	tasksStarted   metric.Int64Counter
	tasksCompleted metric.Int64Counter
	tasksFailed    metric.Int64Counter
	tasksCancelled metric.Int64Counter
	tokensUsed     metric.Int64Counter
	costUSD        metric.Float64Counter
	pollLatency    metric.Float64Histogram
	activeTasks    metric.Int64UpDownCounter

	server *http.Server
	logger logging.Logger
}

// New creates the meter and instruments. When addr is non-empty a Prometheus
// scrape endpoint is served at addr/metrics.
func New(addr string, logger logging.Logger) (*Metrics, error) {
	logger = logging.OrNop(logger)

	exporter, err := prometheus.New()
	if err != nil {
		return nil, err
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName("deepscout"),
		)),
	)
	otel.SetMeterProvider(provider)
	meter := provider.Meter("deepscout")

	m := &Metrics{logger: logger}

	if m.tasksStarted, err = meter.Int64Counter("deepscout_tasks_started_total",
		metric.WithDescription("Research tasks submitted")); err != nil {
		return nil, err
	}
	if m.tasksCompleted, err = meter.Int64Counter("deepscout_tasks_completed_total",
		metric.WithDescription("Research tasks that completed")); err != nil {
		return nil, err
	}
	if m.tasksFailed, err = meter.Int64Counter("deepscout_tasks_failed_total",
		metric.WithDescription("Research tasks that failed")); err != nil {
		return nil, err
	}
	if m.tasksCancelled, err = meter.Int64Counter("deepscout_tasks_cancelled_total",
		metric.WithDescription("Research tasks cancelled by the caller")); err != nil {
		return nil, err
	}
	if m.tokensUsed, err = meter.Int64Counter("deepscout_tokens_total",
		metric.WithDescription("Provider tokens consumed")); err != nil {
		return nil, err
	}
	if m.costUSD, err = meter.Float64Counter("deepscout_cost_usd_total",
		metric.WithDescription("Estimated provider spend in USD")); err != nil {
		return nil, err
	}
	if m.pollLatency, err = meter.Float64Histogram("deepscout_poll_latency_seconds",
		metric.WithDescription("Latency of provider poll calls")); err != nil {
		return nil, err
	}
	if m.activeTasks, err = meter.Int64UpDownCounter("deepscout_active_tasks",
		metric.WithDescription("Tasks currently running or queued")); err != nil {
		return nil, err
	}

	if addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		m.server = &http.Server{Addr: addr, Handler: mux}
		async.Go(logger, "metrics-server", func() {
			logger.Info("Metrics endpoint listening on %s", addr)
			if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("Metrics server exited: %v", err)
			}
		})
	}

	return m, nil
}

// Shutdown stops the scrape endpoint, if one was started.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil || m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}

func (m *Metrics) TaskStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.tasksStarted.Add(ctx, 1)
	m.activeTasks.Add(ctx, 1)
}

func (m *Metrics) TaskCompleted(ctx context.Context) {
	if m == nil {
		return
	}
	m.tasksCompleted.Add(ctx, 1)
	m.activeTasks.Add(ctx, -1)
}

func (m *Metrics) TaskFailed(ctx context.Context) {
	if m == nil {
		return
	}
	m.tasksFailed.Add(ctx, 1)
	m.activeTasks.Add(ctx, -1)
}

func (m *Metrics) TaskCancelled(ctx context.Context) {
	if m == nil {
		return
	}
	m.tasksCancelled.Add(ctx, 1)
	m.activeTasks.Add(ctx, -1)
}

func (m *Metrics) TokensUsed(ctx context.Context, tokens int, costUSD float64) {
	if m == nil {
		return
	}
	m.tokensUsed.Add(ctx, int64(tokens))
	m.costUSD.Add(ctx, costUSD)
}

func (m *Metrics) PollObserved(ctx context.Context, d time.Duration) {
	if m == nil {
		return
	}
	m.pollLatency.Record(ctx, d.Seconds())
}
