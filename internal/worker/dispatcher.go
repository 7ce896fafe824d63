// Package worker contains the job dispatcher that turns queued jobs into handler calls.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"qarunner/internal/logger"
	"qarunner/internal/observability"
	"qarunner/internal/store"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Handler performs the work of one job. A returned error (or a panic) is
// recorded on the job; nil marks it done.
type Handler interface {
	Handle(ctx context.Context, job *store.Job) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job *store.Job) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, job *store.Job) error {
	return f(ctx, job)
}

// Handlers holds one handler per job kind.
type Handlers struct {
	Plan     Handler
	Generate Handler
	Run      Handler
}

// Config holds configuration for the dispatcher.
type Config struct {
	ID            string
	PollInterval  time.Duration // Sleep after an empty poll (default: 3s)
	MaxBackoff    time.Duration // Cap on the backoff after store errors (default: 30s)
	StatsInterval time.Duration // Interval between queue stats log lines (default: 60s)
}

// Dispatcher polls the queue and runs one job at a time.
type Dispatcher struct {
	queue    store.JobQueue
	handlers Handlers
	config   Config
	log      *logger.Logger
	metrics  *observability.JobMetrics
	tracer   trace.Tracer
	done     chan struct{}

	// pending is an outcome whose MarkDone/MarkError write failed. It is
	// retried before any new job is acquired.
	pending *outcome
}

// outcome is the result of one handler call, waiting to be written back.
type outcome struct {
	jobID  int64
	errMsg string
	failed bool
}

// flushTimeout bounds the last attempt to write a pending outcome on shutdown.
const flushTimeout = 5 * time.Second

// New creates a dispatcher. metrics may be nil.
func New(q store.JobQueue, handlers Handlers, config Config, log *logger.Logger, metrics *observability.JobMetrics) *Dispatcher {
	if config.PollInterval <= 0 {
		config.PollInterval = 3 * time.Second
	}

	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 30 * time.Second
	}

	if config.StatsInterval <= 0 {
		config.StatsInterval = 60 * time.Second
	}

	if log == nil {
		log = logger.NewNop()
	}

	return &Dispatcher{
		queue:    q,
		handlers: handlers,
		config:   config,
		log:      log.With("component", "dispatcher", "worker_id", config.ID),
		metrics:  metrics,
		tracer:   otel.Tracer(observability.TracerName + "/worker"),
		done:     make(chan struct{}),
	}
}

// Run polls until ctx is cancelled. A job in flight when ctx is cancelled
// runs to completion before Run returns.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.log.Info("dispatcher starting", "poll_interval", d.config.PollInterval.String())
	defer close(d.done)

	statsTicker := time.NewTicker(d.config.StatsInterval)
	defer statsTicker.Stop()

	timer := time.NewTimer(0)
	defer timer.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			if d.pending != nil {
				flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
				if err := d.flush(flushCtx); err != nil {
					d.log.Error("job outcome lost on shutdown", "job_id", d.pending.jobID, "error", err)
				}
				cancel()
			}
			d.log.Info("dispatcher stopped")
			return ctx.Err()

		case <-statsTicker.C:
			d.logStats(ctx)

		case <-timer.C:
			processed, err := d.RunOnce(ctx)

			var wait time.Duration
			switch {
			case err != nil:
				failures++
				wait = d.backoff(failures)
			case processed:
				failures = 0
			default:
				failures = 0
				wait = d.config.PollInterval
			}
			timer.Reset(wait)
		}
	}
}

// Done returns a channel that is closed when Run has returned.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

// RunOnce acquires at most one job and processes it. It reports whether a
// job was processed. Store errors are logged and returned. While an earlier
// outcome is still unwritten, RunOnce only retries that write.
func (d *Dispatcher) RunOnce(ctx context.Context) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if d.pending != nil {
		if err := d.flush(context.WithoutCancel(ctx)); err != nil {
			return false, err
		}
	}

	job, err := d.queue.AcquireNext(ctx, d.config.ID)
	if err != nil {
		d.log.Warn("acquire failed", "error", err)
		return false, err
	}
	if job == nil {
		return false, nil
	}

	return true, d.process(ctx, job)
}

// process runs the job's handler and records the outcome. The handler and
// the outcome write are shielded from ctx cancellation.
func (d *Dispatcher) process(ctx context.Context, job *store.Job) error {
	workCtx := context.WithoutCancel(ctx)

	spanCtx, span := d.tracer.Start(workCtx, "process_job",
		trace.WithAttributes(
			attribute.Int64("job.id", job.ID),
			attribute.String("job.kind", string(job.Kind)),
			attribute.Int("job.attempts", job.Attempts),
			attribute.String("worker.id", d.config.ID),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
	defer span.End()

	log := d.log.With("job_id", job.ID, "kind", job.Kind)
	log.Info("processing job", "attempts", job.Attempts)

	start := time.Now()
	err := d.dispatch(spanCtx, job)
	elapsed := time.Since(start)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "handler failed")
		d.metrics.Record(spanCtx, job.Kind, observability.OutcomeError, elapsed)
		log.Warn("job failed", "error", err, "elapsed", elapsed.String())

		d.pending = &outcome{jobID: job.ID, errMsg: err.Error(), failed: true}
		return d.flush(workCtx)
	}

	d.metrics.Record(spanCtx, job.Kind, observability.OutcomeDone, elapsed)
	log.Info("job done", "elapsed", elapsed.String())

	d.pending = &outcome{jobID: job.ID}
	return d.flush(workCtx)
}

// flush writes the pending outcome. On failure the outcome stays pending.
// A job that no longer exists has nothing left to record.
func (d *Dispatcher) flush(ctx context.Context) error {
	o := d.pending
	var err error
	if o.failed {
		err = d.queue.MarkError(ctx, o.jobID, o.errMsg)
	} else {
		err = d.queue.MarkDone(ctx, o.jobID)
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		d.log.Error("failed to record job outcome", "job_id", o.jobID, "failed", o.failed, "error", err)
		return err
	}
	d.pending = nil
	return nil
}

// dispatch routes a job to its handler, converting a panic into an error.
func (d *Dispatcher) dispatch(ctx context.Context, job *store.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())
		}
	}()

	var h Handler
	switch job.Kind {
	case store.JobKindPlan:
		h = d.handlers.Plan
	case store.JobKindGenerate:
		h = d.handlers.Generate
	case store.JobKindRun:
		h = d.handlers.Run
	default:
		return fmt.Errorf("unknown job kind %q", job.Kind)
	}
	if h == nil {
		return fmt.Errorf("no handler registered for job kind %q", job.Kind)
	}

	return h.Handle(ctx, job)
}

func (d *Dispatcher) logStats(ctx context.Context) {
	s, err := d.queue.Stats(ctx)
	if err != nil {
		d.log.Warn("queue stats failed", "error", err)
		return
	}
	d.log.Info("queue stats", "queued", s.Queued, "running", s.Running, "done", s.Done, "error", s.Error)
}

// backoff doubles the poll interval per consecutive failure, capped at MaxBackoff.
func (d *Dispatcher) backoff(failures int) time.Duration {
	wait := d.config.PollInterval
	for i := 1; i < failures && wait < d.config.MaxBackoff; i++ {
		wait *= 2
	}
	if wait > d.config.MaxBackoff {
		wait = d.config.MaxBackoff
	}
	return wait
}
