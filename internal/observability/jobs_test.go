package observability

import (
	"context"
	"testing"
	"time"

	"qarunner/internal/store"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect failed: %v", err)
	}
	out := map[string]metricdata.Metrics{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func TestJobMetrics_Record(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(context.Background())

	m, err := NewJobMetrics(provider.Meter("test"))
	if err != nil {
		t.Fatalf("NewJobMetrics failed: %v", err)
	}

	ctx := context.Background()
	m.Record(ctx, store.JobKindRun, OutcomeDone, 2*time.Second)
	m.Record(ctx, store.JobKindRun, OutcomeDone, time.Second)
	m.Record(ctx, store.JobKindPlan, OutcomeError, time.Second)

	metrics := collect(t, reader)

	processed, ok := metrics["qarunner.jobs.processed"]
	if !ok {
		t.Fatal("processed counter not collected")
	}
	sum, ok := processed.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("unexpected data type %T", processed.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	if total != 3 {
		t.Errorf("expected 3 processed jobs, got %d", total)
	}
	if len(sum.DataPoints) != 2 {
		t.Errorf("expected 2 attribute sets, got %d", len(sum.DataPoints))
	}

	if _, ok := metrics["qarunner.jobs.duration"]; !ok {
		t.Error("duration histogram not collected")
	}
}

func TestJobMetrics_NilSafe(t *testing.T) {
	var m *JobMetrics
	m.Record(context.Background(), store.JobKindRun, OutcomeDone, time.Second)
}

func TestRegisterQueueGauge(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(context.Background())

	stats := func(context.Context) (store.QueueStats, error) {
		return store.QueueStats{Queued: 4, Running: 1, Done: 9}, nil
	}
	reg, err := RegisterQueueGauge(provider.Meter("test"), stats)
	if err != nil {
		t.Fatalf("RegisterQueueGauge failed: %v", err)
	}
	defer reg.Unregister()

	gauge, ok := collect(t, reader)["qarunner.queue.jobs"]
	if !ok {
		t.Fatal("queue gauge not collected")
	}
	data, ok := gauge.Data.(metricdata.Gauge[int64])
	if !ok {
		t.Fatalf("unexpected data type %T", gauge.Data)
	}
	if len(data.DataPoints) != 4 {
		t.Fatalf("expected one point per status, got %d", len(data.DataPoints))
	}
	for _, dp := range data.DataPoints {
		status, _ := dp.Attributes.Value("status")
		if status.AsString() == "queued" && dp.Value != 4 {
			t.Errorf("queued = %d, want 4", dp.Value)
		}
	}
}
