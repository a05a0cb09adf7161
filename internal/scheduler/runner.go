package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"assessment-runner/internal/models"
	"assessment-runner/internal/telemetry"
)

// Handler executes a fired job.
type Handler func(ctx context.Context, job models.ScheduledJob) error

// Runner polls the scheduler and invokes the handler registered for each fired job.
// Jobs are one-shot: a failing handler is logged and not retried.
// A function identifier may carry a ":<scope>" suffix; "assessment.run:doc-1"
// resolves to the handler registered for "assessment.run".
type Runner struct {
	sched    *Scheduler
	handlers map[string]Handler
	poll     time.Duration
	batch    int64
	logger   *slog.Logger
}

// NewRunner builds a runner that claims at most batch jobs per poll.
func NewRunner(sched *Scheduler, poll time.Duration, batch int, logger *slog.Logger) *Runner {
	if poll <= 0 {
		poll = time.Second
	}
	if batch <= 0 {
		batch = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		sched:    sched,
		handlers: make(map[string]Handler),
		poll:     poll,
		batch:    int64(batch),
		logger:   logger,
	}
}

// Register binds a handler to a function identifier.
func (r *Runner) Register(function string, handler Handler) {
	if function == "" || handler == nil {
		return
	}
	r.handlers[function] = handler
}

// Run polls until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()

	for {
		if _, err := r.Tick(ctx); err != nil {
			r.logger.Error("scheduler.tick.failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick claims the currently due jobs and runs them in claim order.
// It returns how many jobs were executed.
func (r *Runner) Tick(ctx context.Context) (int, error) {
	jobs, err := r.sched.ClaimDue(ctx, r.sched.now(), r.batch)
	if depth, derr := r.sched.DueDepth(ctx); derr == nil {
		telemetry.PendingJobsGauge.Set(float64(depth))
	}
	if err != nil {
		return 0, err
	}
	for _, job := range jobs {
		telemetry.ScheduledFired.Inc()
		if err := r.runJob(ctx, job); err != nil {
			r.logger.Error("scheduler.job.failed", "job_id", job.ID, "function", job.Function, "error", err)
			continue
		}
		r.logger.Info("scheduler.job.done", "job_id", job.ID, "function", job.Function)
	}
	return len(jobs), nil
}

func (r *Runner) runJob(ctx context.Context, job models.ScheduledJob) (err error) {
	handler, ok := r.handlers[job.Function]
	if !ok {
		if i := strings.IndexByte(job.Function, ':'); i > 0 {
			handler, ok = r.handlers[job.Function[:i]]
		}
	}
	if !ok {
		return fmt.Errorf("no handler registered for function %q", job.Function)
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return handler(ctx, job)
}
