// Package workerpresentation drives the periodic background jobs: outbox
// dispatch and the order reconciliation sweeps.
package workerpresentation

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/Zhima-Mochi/fulfillment-engine/internal/observability"
	"github.com/Zhima-Mochi/fulfillment-engine/internal/observability/logctx"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const componentRunner = "job-runner"

// Schedule returns how long to wait before the next run.
type Schedule interface {
	Next(now time.Time) time.Duration
}

type every time.Duration

// Every runs a job at a fixed interval, measured from the end of the previous run.
func Every(d time.Duration) Schedule { return every(d) }

func (e every) Next(time.Time) time.Duration { return time.Duration(e) }

type dailyAt struct {
	hour int
	loc  *time.Location
}

// DailyAt runs a job once a day at hour:00 in loc (local time when nil).
func DailyAt(hour int, loc *time.Location) Schedule {
	if loc == nil {
		loc = time.Local
	}
	return dailyAt{hour: hour, loc: loc}
}

func (d dailyAt) Next(now time.Time) time.Duration {
	now = now.In(d.loc)
	next := time.Date(now.Year(), now.Month(), now.Day(), d.hour, 0, 0, 0, d.loc)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next.Sub(now)
}

// Job is one named unit of background work. Runs of the same job never
// overlap.
type Job struct {
	Name     string
	Schedule Schedule
	Timeout  time.Duration
	Run      func(ctx context.Context) error
}

type Runner struct {
	jobs      []Job
	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	now       func() time.Time
	log       observability.Logger
	tel       observability.Observability
}

func NewRunner(tel observability.Observability, jobs ...Job) *Runner {
	if tel == nil {
		tel = observability.Nop()
	}
	return &Runner{
		jobs: jobs,
		now:  time.Now,
		log:  tel.Logger().With(observability.F("component", componentRunner)),
		tel:  tel,
	}
}

func (r *Runner) Start(ctx context.Context) {
	r.startOnce.Do(func() {
		bg, cancel := context.WithCancel(ctx)
		r.cancel = cancel
		for _, job := range r.jobs {
			r.wg.Add(1)
			go r.loop(bg, job)
		}
		logctx.FromOr(ctx, r.log).Info("job_runner_started", observability.F("jobs", len(r.jobs)))
	})
}

// Stop cancels pending waits and blocks until in-flight runs return or ctx
// expires.
func (r *Runner) Stop(ctx context.Context) error {
	var err error
	r.stopOnce.Do(func() {
		if r.cancel != nil {
			r.cancel()
		}
		done := make(chan struct{})
		go func() {
			r.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			logctx.FromOr(ctx, r.log).Info("job_runner_stopped")
		case <-ctx.Done():
			err = ctx.Err()
			logctx.FromOr(ctx, r.log).Warn("job_runner_stop_timeout", observability.F("error", err))
		}
	})
	return err
}

func (r *Runner) loop(ctx context.Context, job Job) {
	defer r.wg.Done()
	timer := time.NewTimer(job.Schedule.Next(r.now()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			_ = r.RunOnce(ctx, job)
			timer.Reset(job.Schedule.Next(r.now()))
		}
	}
}

// RunOnce executes job in its own span and logging context. Panics are
// recovered and reported as errors.
func (r *Runner) RunOnce(ctx context.Context, job Job) (err error) {
	ctx, span := r.tel.Tracer().Start(ctx, "job."+job.Name, attribute.String("job.name", job.Name))
	defer span.End()

	ctx = runContext(ctx, r.log, job.Name)
	logger := logctx.FromOr(ctx, r.log)

	if job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}

	start := r.now()
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("job %s panicked: %v", job.Name, p)
			logger.Error("job_panic",
				observability.F("panic", p),
				observability.F("stack", string(debug.Stack())),
			)
		}
		if err != nil {
			span.RecordError(err)
			logger.Warn("job_failed",
				observability.F("error", err.Error()),
				observability.F("latency_ms", time.Since(start).Milliseconds()),
			)
			return
		}
		logger.Debug("job_done", observability.F("latency_ms", time.Since(start).Milliseconds()))
	}()

	return job.Run(ctx)
}

// runContext attaches a logger scoped to one run of a job: a fresh run_id,
// the job name and the span identifiers when the span is recording.
func runContext(ctx context.Context, base observability.Logger, job string) context.Context {
	fields := []observability.Field{
		observability.F("run_id", uuid.NewString()),
		observability.F("job", job),
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		fields = append(fields,
			observability.F("trace_id", sc.TraceID().String()),
			observability.F("span_id", sc.SpanID().String()),
		)
	}
	return logctx.With(ctx, base.With(fields...))
}
