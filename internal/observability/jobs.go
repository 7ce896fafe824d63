package observability

import (
	"context"
	"fmt"
	"time"

	"qarunner/internal/store"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Job outcomes recorded on qarunner.jobs.processed.
const (
	OutcomeDone  = "done"
	OutcomeError = "error"
)

// JobMetrics holds the dispatcher instruments.
type JobMetrics struct {
	processed metric.Int64Counter
	duration  metric.Float64Histogram
}

// NewJobMetrics creates the dispatcher instruments on meter.
func NewJobMetrics(meter metric.Meter) (*JobMetrics, error) {
	processed, err := meter.Int64Counter("qarunner.jobs.processed",
		metric.WithDescription("Jobs handled by the dispatcher"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating processed counter: %w", err)
	}

	duration, err := meter.Float64Histogram("qarunner.jobs.duration",
		metric.WithDescription("Handler wall time"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating duration histogram: %w", err)
	}

	return &JobMetrics{processed: processed, duration: duration}, nil
}

// Record counts one finished job.
func (m *JobMetrics) Record(ctx context.Context, kind store.JobKind, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("kind", string(kind)),
		attribute.String("outcome", outcome),
	)
	m.processed.Add(ctx, 1, attrs)
	m.duration.Record(ctx, elapsed.Seconds(), attrs)
}

// RegisterQueueGauge reports queue depth per status whenever metrics are collected.
func RegisterQueueGauge(meter metric.Meter, stats func(context.Context) (store.QueueStats, error)) (metric.Registration, error) {
	gauge, err := meter.Int64ObservableGauge("qarunner.queue.jobs",
		metric.WithDescription("Jobs in the queue by status"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating queue gauge: %w", err)
	}

	return meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		s, err := stats(ctx)
		if err != nil {
			return err
		}
		for status, n := range map[store.JobStatus]int64{
			store.JobStatusQueued:  s.Queued,
			store.JobStatusRunning: s.Running,
			store.JobStatusDone:    s.Done,
			store.JobStatusError:   s.Error,
		} {
			o.ObserveInt64(gauge, n, metric.WithAttributes(attribute.String("status", string(status))))
		}
		return nil
	}, gauge)
}
