package inventory

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

type refreshMetrics struct {
	activeWorkers  metric.Int64UpDownCounter
	itemRetries    metric.Int64Counter
	itemsExhausted metric.Int64Counter

	workerCount int64
}

const namespace = "refresher"

// NewRefreshMetrics creates the refresh engine's pool metrics instance.
func NewRefreshMetrics(mp metric.MeterProvider) (*refreshMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(refreshMetrics)
	var err error

	if m.activeWorkers, err = meter.Int64UpDownCounter(
		"active_workers",
		metric.WithDescription("Number of active refresh workers"),
	); err != nil {
		return nil, err
	}

	if m.itemRetries, err = meter.Int64Counter(
		"device_retries_total",
		metric.WithDescription("Total number of directory rows retried after a failed attempt"),
	); err != nil {
		return nil, err
	}

	if m.itemsExhausted, err = meter.Int64Counter(
		"devices_exhausted_total",
		metric.WithDescription("Total number of directory rows dropped after exhausting their retry budget"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *refreshMetrics) SetActiveWorkers(ctx context.Context, count int) {
	delta := int64(count) - m.workerCount
	m.workerCount = int64(count)
	m.activeWorkers.Add(ctx, delta)
}

func (m *refreshMetrics) IncItemRetries(ctx context.Context)    { m.itemRetries.Add(ctx, 1) }
func (m *refreshMetrics) IncItemsExhausted(ctx context.Context) { m.itemsExhausted.Add(ctx, 1) }
