package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Publish stages reported in metrics.
const (
	StageValidate = "validate"
	StageStore    = "store"
	StageBus      = "bus"
)

// MetricsRecorder records event service metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordPublish records the outcome of a publish call at the stage it
	// finished (bus on success).
	RecordPublish(ctx context.Context, stage string, err error, duration time.Duration)

	// RecordDelivery records one handler invocation.
	RecordDelivery(ctx context.Context, err error)

	// ObserveDropped reports messages dropped by slow subscribers.
	ObserveDropped(fn func() int64)
}

// NoopMetrics is a MetricsRecorder that discards everything.
type NoopMetrics struct{}

func (NoopMetrics) RecordPublish(context.Context, string, error, time.Duration) {}
func (NoopMetrics) RecordDelivery(context.Context, error)                       {}
func (NoopMetrics) ObserveDropped(func() int64)                                 {}

type otelMetrics struct {
	meter          metric.Meter
	publishCount   metric.Int64Counter
	publishLatency metric.Float64Histogram
	deliveryCount  metric.Int64Counter
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

// NewMetricsRecorder returns a MetricsRecorder backed by the global OTel
// meter provider. If initialization fails it returns NoopMetrics.
func NewMetricsRecorder() MetricsRecorder {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics(otel.Meter("eventhub"))
	})
	if defaultMetricsErr != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", defaultMetricsErr.Error()))
		return NoopMetrics{}
	}
	return defaultMetrics
}

func newOtelMetrics(meter metric.Meter) (*otelMetrics, error) {
	publishCount, err := meter.Int64Counter("eventhub.publish.count",
		metric.WithDescription("Number of publish calls by final stage and outcome"),
	)
	if err != nil {
		return nil, err
	}

	publishLatency, err := meter.Float64Histogram("eventhub.publish.latency_ms",
		metric.WithDescription("Publish latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	deliveryCount, err := meter.Int64Counter("eventhub.delivery.count",
		metric.WithDescription("Number of subscription handler invocations"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		meter:          meter,
		publishCount:   publishCount,
		publishLatency: publishLatency,
		deliveryCount:  deliveryCount,
	}, nil
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (m *otelMetrics) RecordPublish(ctx context.Context, stage string, err error, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.String("outcome", outcome(err)),
	)
	m.publishCount.Add(ctx, 1, attrs)
	m.publishLatency.Record(ctx, float64(duration.Microseconds())/1000, attrs)
}

func (m *otelMetrics) RecordDelivery(ctx context.Context, err error) {
	m.deliveryCount.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome(err))))
}

func (m *otelMetrics) ObserveDropped(fn func() int64) {
	counter, err := m.meter.Int64ObservableCounter("eventhub.delivery.dropped",
		metric.WithDescription("Messages dropped because a subscriber fell behind"),
	)
	if err != nil {
		slog.Warn("registering dropped counter", "error", err)
		return
	}
	_, err = m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(counter, fn())
		return nil
	}, counter)
	if err != nil {
		slog.Warn("registering dropped callback", "error", err)
	}
}
