package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"assessment-runner/internal/lock"
	"assessment-runner/internal/models"
	"assessment-runner/internal/telemetry"
)

// RunFunction is the scheduler function identifier of a deferred run.
const RunFunction = "assessment.run"

// RunFunctionFor scopes the run function to one document so cancelling a
// document's pending start leaves other documents alone.
func RunFunctionFor(documentID string) string {
	return RunFunction + ":" + documentID
}

type JobScheduler interface {
	ScheduleOnceIn(ctx context.Context, delay time.Duration, function string, args map[string]string) (string, error)
	CancelAllFor(ctx context.Context, function string) (int, error)
}

// Starter turns a start request into a deferred run so the caller can return
// immediately and poll progress.
type Starter struct {
	sched           JobScheduler
	scope           Scope
	delay           time.Duration
	defaultDocument string
	logger          *slog.Logger
	validate        *validator.Validate
}

func NewStarter(sched JobScheduler, scope Scope, delay time.Duration, defaultDocument string, logger *slog.Logger) *Starter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Starter{
		sched:           sched,
		scope:           scope,
		delay:           delay,
		defaultDocument: defaultDocument,
		logger:          logger,
		validate:        validator.New(),
	}
}

// Start resets progress, drops any pending start for the document and schedules a new one.
// It returns lock.ErrAlreadyRunning without touching anything while a run holds the document.
func (s *Starter) Start(ctx context.Context, params models.RunParams) (string, error) {
	if params.DocumentID == "" {
		params.DocumentID = s.defaultDocument
	}
	if err := s.validate.Struct(params); err != nil {
		return "", fmt.Errorf("invalid run parameters: %w", err)
	}
	held, err := s.scope.Lock(params.DocumentID).Held(ctx)
	if err != nil {
		return "", fmt.Errorf("check run lock: %w", err)
	}
	if held {
		s.logger.Info("starter.refused_running", "document_id", params.DocumentID)
		return "", lock.ErrAlreadyRunning
	}
	if err := s.scope.Progress(params.DocumentID).Start(ctx); err != nil {
		return "", fmt.Errorf("reset progress: %w", err)
	}
	function := RunFunctionFor(params.DocumentID)
	if n, err := s.sched.CancelAllFor(ctx, function); err != nil {
		return "", err
	} else if n > 0 {
		s.logger.Info("starter.stale_jobs_cancelled", "document_id", params.DocumentID, "count", n)
	}
	id, err := s.sched.ScheduleOnceIn(ctx, s.delay, function, paramsToArgs(params))
	if err != nil {
		return "", err
	}
	telemetry.RunsStarted.Inc()
	s.logger.Info("starter.scheduled", "job_id", id, "document_id", params.DocumentID, "assignment_id", params.AssignmentID)
	return id, nil
}

// Cancel removes pending jobs of function, or of the default document's run when empty.
func (s *Starter) Cancel(ctx context.Context, function string) (int, error) {
	if function == "" {
		function = RunFunctionFor(s.defaultDocument)
	}
	return s.sched.CancelAllFor(ctx, function)
}

// HandleJob runs the pipeline for a fired job. Its signature matches scheduler.Handler.
func (p *Pipeline) HandleJob(ctx context.Context, job models.ScheduledJob) error {
	_, err := p.Run(ctx, argsToParams(job.Args))
	return err
}

func paramsToArgs(p models.RunParams) map[string]string {
	return map[string]string{
		"assignment_id": p.AssignmentID,
		"reference_id":  p.ReferenceID,
		"empty_id":      p.EmptyID,
		"document_id":   p.DocumentID,
	}
}

func argsToParams(args map[string]string) models.RunParams {
	return models.RunParams{
		AssignmentID: args["assignment_id"],
		ReferenceID:  args["reference_id"],
		EmptyID:      args["empty_id"],
		DocumentID:   args["document_id"],
	}
}
