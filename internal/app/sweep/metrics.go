package sweep

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// Metrics defines the instrumentation surface of the sweep engine. It
// includes the worker pool metrics so one instance serves both layers.
type Metrics interface {
	// Worker pool metrics.
	SetActiveWorkers(ctx context.Context, count int)
	IncItemRetries(ctx context.Context)
	IncItemsExhausted(ctx context.Context)

	// Session workflow metrics.
	IncSessionsOpened(ctx context.Context)
	IncSessionFailures(ctx context.Context)
	IncHostsCompleted(ctx context.Context)
	IncHostsDeferred(ctx context.Context)
}

type sweepMetrics struct {
	activeWorkers   metric.Int64UpDownCounter
	itemRetries     metric.Int64Counter
	itemsExhausted  metric.Int64Counter
	sessionsOpened  metric.Int64Counter
	sessionFailures metric.Int64Counter
	hostsCompleted  metric.Int64Counter
	hostsDeferred   metric.Int64Counter

	workerCount int64
}

const namespace = "sweeper"

// NewSweepMetrics creates the engine's metrics instance.
func NewSweepMetrics(mp metric.MeterProvider) (*sweepMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(sweepMetrics)
	var err error

	if m.activeWorkers, err = meter.Int64UpDownCounter(
		"active_workers",
		metric.WithDescription("Number of active sweep workers"),
	); err != nil {
		return nil, err
	}

	if m.itemRetries, err = meter.Int64Counter(
		"host_retries_total",
		metric.WithDescription("Total number of host retries after a failed attempt"),
	); err != nil {
		return nil, err
	}

	if m.itemsExhausted, err = meter.Int64Counter(
		"hosts_exhausted_total",
		metric.WithDescription("Total number of hosts dropped after exhausting their retry budget"),
	); err != nil {
		return nil, err
	}

	if m.sessionsOpened, err = meter.Int64Counter(
		"sessions_opened_total",
		metric.WithDescription("Total number of live response sessions established"),
	); err != nil {
		return nil, err
	}

	if m.sessionFailures, err = meter.Int64Counter(
		"session_failures_total",
		metric.WithDescription("Total number of live response sessions that never became active"),
	); err != nil {
		return nil, err
	}

	if m.hostsCompleted, err = meter.Int64Counter(
		"hosts_completed_total",
		metric.WithDescription("Total number of hosts that reached a terminal successful state"),
	); err != nil {
		return nil, err
	}

	if m.hostsDeferred, err = meter.Int64Counter(
		"hosts_deferred_total",
		metric.WithDescription("Total number of hosts requeued by the check-in freshness gate"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *sweepMetrics) SetActiveWorkers(ctx context.Context, count int) {
	delta := int64(count) - m.workerCount
	m.workerCount = int64(count)
	m.activeWorkers.Add(ctx, delta)
}

func (m *sweepMetrics) IncItemRetries(ctx context.Context)    { m.itemRetries.Add(ctx, 1) }
func (m *sweepMetrics) IncItemsExhausted(ctx context.Context) { m.itemsExhausted.Add(ctx, 1) }
func (m *sweepMetrics) IncSessionsOpened(ctx context.Context) { m.sessionsOpened.Add(ctx, 1) }
func (m *sweepMetrics) IncSessionFailures(ctx context.Context) {
	m.sessionFailures.Add(ctx, 1)
}
func (m *sweepMetrics) IncHostsCompleted(ctx context.Context) { m.hostsCompleted.Add(ctx, 1) }
func (m *sweepMetrics) IncHostsDeferred(ctx context.Context)  { m.hostsDeferred.Add(ctx, 1) }
