package worker

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"qarunner/internal/logger"
	"qarunner/internal/store"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// MockQueue implements store.JobQueue for testing.
type MockQueue struct {
	mu sync.Mutex

	// AcquireFunc allows customizing AcquireNext behavior per test.
	AcquireFunc func(ctx context.Context, workerID string) (*store.Job, error)
	MarkErr     error
	// FailMarks makes that many MarkDone/MarkError calls fail before MarkErr applies.
	FailMarks int

	DoneCalls  []int64
	ErrorCalls []ErrorCall
	StatsCalls int
}

type ErrorCall struct {
	ID      int64
	Message string
}

func (m *MockQueue) Enqueue(ctx context.Context, kind store.JobKind, payload json.RawMessage) (int64, error) {
	return 0, nil
}

func (m *MockQueue) AcquireNext(ctx context.Context, workerID string) (*store.Job, error) {
	if m.AcquireFunc != nil {
		return m.AcquireFunc(ctx, workerID)
	}
	return nil, nil
}

func (m *MockQueue) MarkDone(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DoneCalls = append(m.DoneCalls, id)
	return m.markResult()
}

func (m *MockQueue) MarkError(ctx context.Context, id int64, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ErrorCalls = append(m.ErrorCalls, ErrorCall{ID: id, Message: message})
	return m.markResult()
}

// markResult must be called with mu held.
func (m *MockQueue) markResult() error {
	if m.FailMarks > 0 {
		m.FailMarks--
		return errors.New("connection reset")
	}
	return m.MarkErr
}

func (m *MockQueue) Stats(ctx context.Context) (store.QueueStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StatsCalls++
	return store.QueueStats{Queued: 2, Done: 5}, nil
}

func (m *MockQueue) CleanupOlderThan(ctx context.Context, days int) (int64, error) {
	return 0, nil
}

func (m *MockQueue) RequeueErrored(ctx context.Context, olderThan time.Duration, maxAttempts int) (int64, error) {
	return 0, nil
}

func (m *MockQueue) ReclaimStale(ctx context.Context, lease time.Duration) (int64, error) {
	return 0, nil
}

func (m *MockQueue) snapshot() ([]int64, []ErrorCall) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int64(nil), m.DoneCalls...), append([]ErrorCall(nil), m.ErrorCalls...)
}

// singleJob hands out job once, then reports an empty queue.
func singleJob(job *store.Job) func(context.Context, string) (*store.Job, error) {
	var taken atomic.Bool
	return func(context.Context, string) (*store.Job, error) {
		if taken.Swap(true) {
			return nil, nil
		}
		return job, nil
	}
}

func okHandler(calls *atomic.Int32) Handler {
	return HandlerFunc(func(ctx context.Context, job *store.Job) error {
		calls.Add(1)
		return nil
	})
}

func TestNew_Defaults(t *testing.T) {
	d := New(&MockQueue{}, Handlers{}, Config{PollInterval: -1}, nil, nil)

	if d.config.PollInterval != 3*time.Second {
		t.Errorf("expected default poll interval=3s, got %v", d.config.PollInterval)
	}
	if d.config.MaxBackoff != 30*time.Second {
		t.Errorf("expected default max backoff=30s, got %v", d.config.MaxBackoff)
	}
	if d.config.StatsInterval != 60*time.Second {
		t.Errorf("expected default stats interval=60s, got %v", d.config.StatsInterval)
	}
}

func TestRunOnce_DispatchesByKind(t *testing.T) {
	tests := []struct {
		kind store.JobKind
		want string
	}{
		{store.JobKindPlan, "plan"},
		{store.JobKindGenerate, "generate"},
		{store.JobKindRun, "run"},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			var got string
			record := func(name string) Handler {
				return HandlerFunc(func(ctx context.Context, job *store.Job) error {
					got = name
					return nil
				})
			}

			q := &MockQueue{AcquireFunc: singleJob(&store.Job{ID: 7, Kind: tt.kind})}
			d := New(q, Handlers{Plan: record("plan"), Generate: record("generate"), Run: record("run")}, Config{ID: "w1"}, nil, nil)

			processed, err := d.RunOnce(context.Background())
			if err != nil {
				t.Fatalf("RunOnce failed: %v", err)
			}
			if !processed {
				t.Fatal("expected a job to be processed")
			}
			if got != tt.want {
				t.Errorf("dispatched to %q, want %q", got, tt.want)
			}
			if done, _ := q.snapshot(); len(done) != 1 || done[0] != 7 {
				t.Errorf("expected MarkDone(7), got %v", done)
			}
		})
	}
}

func TestRunOnce_PassesWorkerID(t *testing.T) {
	var seen string
	q := &MockQueue{AcquireFunc: func(ctx context.Context, workerID string) (*store.Job, error) {
		seen = workerID
		return nil, nil
	}}
	d := New(q, Handlers{}, Config{ID: "host-1-abcd"}, nil, nil)

	processed, err := d.RunOnce(context.Background())
	if err != nil || processed {
		t.Fatalf("expected empty poll, got processed=%v err=%v", processed, err)
	}
	if seen != "host-1-abcd" {
		t.Errorf("AcquireNext got worker id %q", seen)
	}
}

func TestRunOnce_HandlerError(t *testing.T) {
	q := &MockQueue{AcquireFunc: singleJob(&store.Job{ID: 3, Kind: store.JobKindGenerate})}
	failing := HandlerFunc(func(ctx context.Context, job *store.Job) error {
		return errors.New("llm returned 503")
	})
	d := New(q, Handlers{Generate: failing}, Config{}, nil, nil)

	processed, err := d.RunOnce(context.Background())
	if err != nil || !processed {
		t.Fatalf("RunOnce: processed=%v err=%v", processed, err)
	}

	done, errs := q.snapshot()
	if len(done) != 0 {
		t.Errorf("MarkDone should not be called, got %v", done)
	}
	if len(errs) != 1 || errs[0].ID != 3 || errs[0].Message != "llm returned 503" {
		t.Errorf("unexpected MarkError calls %+v", errs)
	}
}

func TestRunOnce_HandlerPanic(t *testing.T) {
	q := &MockQueue{AcquireFunc: singleJob(&store.Job{ID: 4, Kind: store.JobKindRun})}
	panicking := HandlerFunc(func(ctx context.Context, job *store.Job) error {
		panic("nil map write")
	})
	d := New(q, Handlers{Run: panicking}, Config{}, nil, nil)

	if _, err := d.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	_, errs := q.snapshot()
	if len(errs) != 1 || !strings.Contains(errs[0].Message, "handler panic: nil map write") {
		t.Errorf("panic not recorded: %+v", errs)
	}
}

func TestRunOnce_UnknownKindAndMissingHandler(t *testing.T) {
	tests := []struct {
		name string
		kind store.JobKind
		want string
	}{
		{"unknown kind", store.JobKind("deploy"), `unknown job kind "deploy"`},
		{"missing handler", store.JobKindPlan, `no handler registered for job kind "plan"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := &MockQueue{AcquireFunc: singleJob(&store.Job{ID: 9, Kind: tt.kind})}
			d := New(q, Handlers{}, Config{}, nil, nil)

			if _, err := d.RunOnce(context.Background()); err != nil {
				t.Fatalf("RunOnce failed: %v", err)
			}
			_, errs := q.snapshot()
			if len(errs) != 1 || errs[0].Message != tt.want {
				t.Errorf("got %+v, want message %q", errs, tt.want)
			}
		})
	}
}

func TestRunOnce_StoreErrors(t *testing.T) {
	q := &MockQueue{AcquireFunc: func(context.Context, string) (*store.Job, error) {
		return nil, errors.New("connection refused")
	}}
	d := New(q, Handlers{}, Config{}, nil, nil)

	processed, err := d.RunOnce(context.Background())
	if err == nil || processed {
		t.Fatalf("expected acquire error, got processed=%v err=%v", processed, err)
	}

	var calls atomic.Int32
	q = &MockQueue{AcquireFunc: singleJob(&store.Job{ID: 1, Kind: store.JobKindRun}), MarkErr: errors.New("tx aborted")}
	d = New(q, Handlers{Run: okHandler(&calls)}, Config{}, nil, nil)

	processed, err = d.RunOnce(context.Background())
	if !processed || err == nil {
		t.Errorf("expected processed job with mark error, got processed=%v err=%v", processed, err)
	}
}

func TestRunOnce_CancelledContextStillFinishesJob(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	q := &MockQueue{AcquireFunc: singleJob(&store.Job{ID: 11, Kind: store.JobKindRun})}
	handler := HandlerFunc(func(hctx context.Context, job *store.Job) error {
		cancel()
		if hctx.Err() != nil {
			return errors.New("handler context was cancelled")
		}
		return nil
	})
	d := New(q, Handlers{Run: handler}, Config{}, nil, nil)

	if _, err := d.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if done, errs := q.snapshot(); len(done) != 1 || len(errs) != 0 {
		t.Errorf("expected job done despite cancellation, done=%v errors=%+v", done, errs)
	}
}

func TestRun_ProcessesUntilCancelled(t *testing.T) {
	var calls atomic.Int32
	var served atomic.Int64
	q := &MockQueue{AcquireFunc: func(context.Context, string) (*store.Job, error) {
		n := served.Add(1)
		if n > 3 {
			return nil, nil
		}
		return &store.Job{ID: n, Kind: store.JobKindPlan}, nil
	}}

	core, logs := observer.New(zap.InfoLevel)
	d := New(q, Handlers{Plan: okHandler(&calls)}, Config{
		PollInterval:  5 * time.Millisecond,
		StatsInterval: 10 * time.Millisecond,
	}, logger.NewWithCore(core), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := d.Run(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected DeadlineExceeded, got %v", err)
	}

	select {
	case <-d.Done():
	default:
		t.Error("Done channel not closed after Run returned")
	}

	if calls.Load() != 3 {
		t.Errorf("expected 3 handled jobs, got %d", calls.Load())
	}
	if done, _ := q.snapshot(); len(done) != 3 {
		t.Errorf("expected 3 MarkDone calls, got %v", done)
	}
	if logs.FilterMessage("queue stats").Len() == 0 {
		t.Error("expected periodic queue stats log")
	}
}

func TestRun_KeepsGoingAfterFailures(t *testing.T) {
	var served atomic.Int64
	q := &MockQueue{AcquireFunc: func(context.Context, string) (*store.Job, error) {
		n := served.Add(1)
		switch {
		case n == 1:
			return nil, errors.New("temporary outage")
		case n <= 3:
			return &store.Job{ID: n, Kind: store.JobKindRun}, nil
		}
		return nil, nil
	}}
	failing := HandlerFunc(func(ctx context.Context, job *store.Job) error {
		return errors.New("boom")
	})

	d := New(q, Handlers{Run: failing}, Config{PollInterval: 2 * time.Millisecond, MaxBackoff: 4 * time.Millisecond}, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	_ = d.Run(ctx)

	if _, errs := q.snapshot(); len(errs) != 2 {
		t.Errorf("expected 2 recorded failures, got %+v", errs)
	}
}

func TestBackoff(t *testing.T) {
	d := New(&MockQueue{}, Handlers{}, Config{PollInterval: time.Second, MaxBackoff: 5 * time.Second}, nil, nil)

	tests := map[int]time.Duration{
		1:  time.Second,
		2:  2 * time.Second,
		3:  4 * time.Second,
		4:  5 * time.Second,
		20: 5 * time.Second,
	}
	for failures, want := range tests {
		if got := d.backoff(failures); got != want {
			t.Errorf("backoff(%d) = %v, want %v", failures, got, want)
		}
	}
}

func TestRunOnce_RetriesUnwrittenOutcome(t *testing.T) {
	var acquires, calls atomic.Int32
	next := singleJob(&store.Job{ID: 21, Kind: store.JobKindRun})
	q := &MockQueue{
		FailMarks: 2,
		AcquireFunc: func(ctx context.Context, id string) (*store.Job, error) {
			acquires.Add(1)
			return next(ctx, id)
		},
	}
	d := New(q, Handlers{Run: okHandler(&calls)}, Config{}, nil, nil)
	ctx := context.Background()

	if processed, err := d.RunOnce(ctx); !processed || err == nil {
		t.Fatalf("first pass: processed=%v err=%v", processed, err)
	}
	if processed, err := d.RunOnce(ctx); processed || err == nil {
		t.Fatalf("second pass should only retry the write: processed=%v err=%v", processed, err)
	}
	if acquires.Load() != 1 {
		t.Errorf("acquired new work while an outcome was unwritten: %d acquires", acquires.Load())
	}
	if processed, err := d.RunOnce(ctx); processed || err != nil {
		t.Fatalf("third pass: processed=%v err=%v", processed, err)
	}

	done, errs := q.snapshot()
	if len(done) != 3 || done[2] != 21 || len(errs) != 0 {
		t.Errorf("expected three MarkDone attempts for job 21, got done=%v errors=%+v", done, errs)
	}
	if calls.Load() != 1 {
		t.Errorf("handler must run once, ran %d times", calls.Load())
	}
	if acquires.Load() != 2 {
		t.Errorf("expected polling to resume after the write, got %d acquires", acquires.Load())
	}
}

func TestRunOnce_RetriesUnwrittenError(t *testing.T) {
	q := &MockQueue{FailMarks: 1, AcquireFunc: singleJob(&store.Job{ID: 22, Kind: store.JobKindRun})}
	d := New(q, Handlers{Run: HandlerFunc(func(context.Context, *store.Job) error {
		return errors.New("runner crashed")
	})}, Config{}, nil, nil)

	d.RunOnce(context.Background())
	if _, err := d.RunOnce(context.Background()); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	_, errs := q.snapshot()
	if len(errs) != 2 || errs[1].Message != "runner crashed" {
		t.Errorf("expected the error to be written on retry, got %+v", errs)
	}
}

func TestRunOnce_VanishedJobIsSettled(t *testing.T) {
	var calls atomic.Int32
	q := &MockQueue{AcquireFunc: singleJob(&store.Job{ID: 23, Kind: store.JobKindRun}), MarkErr: store.ErrNotFound}
	d := New(q, Handlers{Run: okHandler(&calls)}, Config{}, nil, nil)

	if _, err := d.RunOnce(context.Background()); err != nil {
		t.Fatalf("a deleted job should not block the loop: %v", err)
	}
	if d.pending != nil {
		t.Error("outcome for a deleted job left pending")
	}
}

func TestRun_FinishesJobAfterTransientMarkFailure(t *testing.T) {
	var calls atomic.Int32
	q := &MockQueue{FailMarks: 1, AcquireFunc: singleJob(&store.Job{ID: 24, Kind: store.JobKindPlan})}
	d := New(q, Handlers{Plan: okHandler(&calls)}, Config{PollInterval: 5 * time.Millisecond, MaxBackoff: 10 * time.Millisecond}, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	d.Run(ctx)

	done, _ := q.snapshot()
	if len(done) != 2 || d.pending != nil {
		t.Errorf("job not marked done after retry: done=%v pending=%+v", done, d.pending)
	}
	if calls.Load() != 1 {
		t.Errorf("handler ran %d times", calls.Load())
	}
}
