package router

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

type metrics struct {
	sessions      metric.Int64Counter
	frames        metric.Int64Counter
	synthFailures metric.Int64Counter
	synthLatency  metric.Float64Histogram
	duration      metric.Float64Histogram
}

// newMetrics registers the router instruments on meter. Instruments that
// fail to register fall back to no-ops.
func newMetrics(meter metric.Meter, active *registry, log *slog.Logger) *metrics {
	m, err := initMetrics(meter, active)
	if err != nil {
		log.Warn("failed to initialize metrics", slogError(err))
		m, _ = initMetrics(noop.NewMeterProvider().Meter("router"), active)
	}
	return m
}

func initMetrics(meter metric.Meter, active *registry) (*metrics, error) {
	var (
		m   metrics
		err error
	)
	if m.sessions, err = meter.Int64Counter("loqa.stream.sessions",
		metric.WithDescription("Finished chat sessions by status")); err != nil {
		return nil, err
	}
	if m.frames, err = meter.Int64Counter("loqa.stream.frames",
		metric.WithDescription("Frames written by content type")); err != nil {
		return nil, err
	}
	if m.synthFailures, err = meter.Int64Counter("loqa.stream.synthesis.failures",
		metric.WithDescription("Speech synthesis requests that produced no audio frame")); err != nil {
		return nil, err
	}
	if m.synthLatency, err = meter.Float64Histogram("loqa.stream.synthesis.first_chunk",
		metric.WithDescription("Time until synthesis yields its first audio chunk"),
		metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if m.duration, err = meter.Float64Histogram("loqa.stream.session.duration",
		metric.WithDescription("Session duration"),
		metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	gauge, err := meter.Int64ObservableGauge("loqa.stream.sessions.active",
		metric.WithDescription("Sessions currently streaming"))
	if err != nil {
		return nil, err
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		obs.ObserveInt64(gauge, active.count())
		return nil
	}, gauge)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *metrics) sessionEnded(ctx context.Context, status string, frames map[string]int, d time.Duration) {
	m.sessions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	m.duration.Record(ctx, float64(d.Milliseconds()), metric.WithAttributes(attribute.String("status", status)))
	for contentType, n := range frames {
		m.frames.Add(ctx, int64(n), metric.WithAttributes(attribute.String("content_type", contentType)))
	}
}

func (m *metrics) synthesisFailed(ctx context.Context) {
	m.synthFailures.Add(ctx, 1)
}

func (m *metrics) synthesisStarted(ctx context.Context, d time.Duration) {
	m.synthLatency.Record(ctx, float64(d.Microseconds())/1000)
}
