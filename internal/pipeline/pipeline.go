// Package pipeline runs one assessment of an assignment end to end: lock the
// document, gather tasks and submissions, reuse cached verdicts, dispatch the
// rest to the LLM and persist the results while reporting progress.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"assessment-runner/internal/assess"
	"assessment-runner/internal/dispatch"
	"assessment-runner/internal/hashing"
	"assessment-runner/internal/lock"
	"assessment-runner/internal/models"
	"assessment-runner/internal/progress"
	"assessment-runner/internal/telemetry"
)

// AlreadyRunningMessage is what a user sees when the document lock is taken.
const AlreadyRunningMessage = "An assessment is already running. Please wait for it to finish and try again."

// Source reads the assignment being assessed.
type Source interface {
	// Tasks returns the reference tasks with the blank template content of the empty deck attached.
	Tasks(ctx context.Context, referenceID, emptyID string) ([]models.Task, error)
	Students(ctx context.Context, assignmentID string) ([]models.Student, error)
	Submissions(ctx context.Context, assignmentID, studentID string) ([]models.Submission, error)
}

// Sink stores finished results.
type Sink interface {
	SaveAssessments(ctx context.Context, runID, assignmentID string, results []models.PairResult) error
	AppendAudit(ctx context.Context, runID, event, detail string) error
}

type Cache interface {
	Get(ctx context.Context, ref, sub models.Fingerprint) (*models.Assessment, bool)
	Put(ctx context.Context, ref, sub models.Fingerprint, payload models.Assessment) error
}

type Sender interface {
	SendBatch(ctx context.Context, reqs []dispatch.Request) []dispatch.Outcome
	Warmup(ctx context.Context, urls []string) int
}

type Locker interface {
	TryAcquire(ctx context.Context, wait time.Duration) (*lock.Lease, error)
	Held(ctx context.Context) (bool, error)
}

type Uploader interface {
	UploadAll(ctx context.Context, blobs [][]byte) map[models.Fingerprint]string
}

type Canceller interface {
	CancelAllFor(ctx context.Context, function string) (int, error)
}

type Alerter interface {
	Alert(ctx context.Context, text string) error
}

// Deps wires a pipeline. Uploader, Alerter and WarmupURLs are optional.
type Deps struct {
	Source          Source
	Sink            Sink
	Cache           Cache
	Sender          Sender
	Builder         *assess.Builder
	Uploader        Uploader
	Scope           Scope
	Scheduler       Canceller
	Alerter         Alerter
	Logger          *slog.Logger
	DefaultDocument string
	LockWait        time.Duration
	WarmupURLs      []string
}

type Pipeline struct {
	Deps
	validate *validator.Validate
}

func New(deps Deps) *Pipeline {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.LockWait <= 0 {
		deps.LockWait = 5 * time.Second
	}
	return &Pipeline{Deps: deps, validate: validator.New()}
}

// pair is one student-task cell of the result grid.
type pair struct {
	idx     int
	task    models.Task
	student string
	content []byte
	ref     models.Fingerprint
	sub     models.Fingerprint
	fresh   bool
}

type run struct {
	id       string
	params   models.RunParams
	progress progress.Store
	logger   *slog.Logger
	state    State
	results  []models.PairResult
	pairs    []*pair
}

// Run executes one assessment synchronously. Per-pair failures are recorded in
// the result and never abort the run; structural failures return a *StepError
// after the progress record shows the error. The document lock is released on
// every exit path.
func (p *Pipeline) Run(ctx context.Context, params models.RunParams) (res *models.RunResult, err error) {
	if params.DocumentID == "" {
		params.DocumentID = p.DefaultDocument
	}
	r := &run{
		id:       uuid.New().String(),
		params:   params,
		progress: p.Scope.Progress(params.DocumentID),
		state:    Idle,
	}
	r.logger = p.Logger.With("run_id", r.id, "assignment_id", params.AssignmentID, "document_id", params.DocumentID)

	if verr := p.validate.Struct(params); verr != nil {
		return nil, p.fail(ctx, r, fmt.Errorf("invalid run parameters: %w", verr))
	}

	// The progress record belongs to whoever holds the lock, so nothing is
	// written to it until the lease is ours.
	r.state = Locking
	lease, err := p.Scope.Lock(params.DocumentID).TryAcquire(ctx, p.LockWait)
	if err != nil {
		if errors.Is(err, lock.ErrAlreadyRunning) {
			telemetry.LockContention.Inc()
			telemetry.RunsFinished.WithLabelValues("contended").Inc()
			r.logger.Warn("pipeline.lock.contended")
			return nil, &StepError{State: Locking, Cause: err}
		}
		return nil, p.fail(ctx, r, err)
	}
	p.enter(ctx, r, Locking)
	defer func() {
		if rerr := lease.Release(context.WithoutCancel(ctx)); rerr != nil {
			r.logger.Error("pipeline.lock.release_failed", "error", rerr)
		}
	}()
	defer func() {
		if rec := recover(); rec != nil {
			res, err = nil, p.fail(ctx, r, fmt.Errorf("panic: %v", rec))
		}
	}()

	if err := p.populateAndFetch(ctx, r); err != nil {
		return nil, p.fail(ctx, r, err)
	}

	p.enter(ctx, r, Hashing)
	pending, hits := p.hashAndCheck(ctx, r)
	_ = r.progress.UpdateMessage(ctx, fmt.Sprintf("%d of %d responses need assessment.", len(pending), len(r.pairs)))

	p.enter(ctx, r, Uploading)
	urls := p.uploadImages(ctx, r, pending)

	p.enter(ctx, r, Dispatching)
	sent, outcomes := p.dispatch(ctx, r, pending, urls)

	p.enter(ctx, r, Assessing)
	p.collect(r, sent, outcomes)

	p.enter(ctx, r, Persisting)
	if err := p.persist(ctx, r); err != nil {
		return nil, p.fail(ctx, r, err)
	}

	result := &models.RunResult{RunID: r.id, Results: r.results, Requests: len(sent), CacheHits: hits}
	for _, pr := range r.results {
		if pr.Failed() {
			result.Failures++
		}
	}

	// Cleanup happens under the lease; starts are refused until it is released.
	r.state = Completed
	if err := r.progress.Complete(ctx); err != nil {
		r.logger.Warn("pipeline.progress.write_failed", "state", Completed, "error", err)
	}
	if p.Scheduler != nil {
		n, err := p.Scheduler.CancelAllFor(ctx, RunFunctionFor(params.DocumentID))
		if err != nil {
			r.logger.Warn("pipeline.schedule.cleanup_failed", "error", err)
		} else if n > 0 {
			r.logger.Warn("pipeline.schedule.pending_cancelled", "count", n)
		}
	}
	if rerr := lease.Release(context.WithoutCancel(ctx)); rerr != nil {
		r.logger.Error("pipeline.lock.release_failed", "error", rerr)
	}
	telemetry.PairFailures.Add(float64(result.Failures))
	telemetry.RunsFinished.WithLabelValues(Completed.String()).Inc()
	r.logger.Info("pipeline.completed",
		"pairs", len(r.results), "requests", result.Requests, "cache_hits", hits, "failures", result.Failures)
	return result, nil
}

// enter reports that the run is about to perform state.
func (p *Pipeline) enter(ctx context.Context, r *run, s State) {
	r.state = s
	r.logger.Info("pipeline.state", "state", s.String())
	if err := r.progress.Update(ctx, int(s), s.Message()); err != nil {
		r.logger.Warn("pipeline.progress.write_failed", "state", s.String(), "error", err)
	}
}

func (p *Pipeline) fail(ctx context.Context, r *run, cause error) error {
	stepErr := &StepError{State: r.state, Cause: cause}
	r.state = Errored
	ctx = context.WithoutCancel(ctx)

	msg := fmt.Sprintf("Assessment failed while %s: %v", stepErr.State, cause)
	if err := r.progress.LogError(ctx, msg); err != nil {
		r.logger.Warn("pipeline.progress.write_failed", "state", Errored, "error", err)
	}
	if p.Sink != nil {
		_ = p.Sink.AppendAudit(ctx, r.id, "errored", msg)
	}
	if p.Alerter != nil {
		if err := p.Alerter.Alert(ctx, fmt.Sprintf("[%s] %s", r.params.DocumentID, msg)); err != nil {
			r.logger.Warn("pipeline.alert.failed", "error", err)
		}
	}
	telemetry.RunsFinished.WithLabelValues(Errored.String()).Inc()
	r.logger.Error("pipeline.errored", "state", stepErr.State.String(), "error", cause)
	return stepErr
}

func (p *Pipeline) populateAndFetch(ctx context.Context, r *run) error {
	p.enter(ctx, r, Populating)
	tasks, err := p.Source.Tasks(ctx, r.params.ReferenceID, r.params.EmptyID)
	if err != nil {
		return fmt.Errorf("read reference tasks: %w", err)
	}
	if len(tasks) == 0 {
		return ErrNoTasks
	}

	p.enter(ctx, r, Fetching)
	students, err := p.Source.Students(ctx, r.params.AssignmentID)
	if err != nil {
		return fmt.Errorf("list students: %w", err)
	}
	for _, st := range students {
		subs, err := p.Source.Submissions(ctx, r.params.AssignmentID, st.ID)
		if err != nil {
			r.logger.Warn("pipeline.fetch.student_failed", "student_id", st.ID, "error", err)
		}
		byTask := make(map[string][]byte, len(subs))
		for _, s := range subs {
			byTask[s.TaskID] = s.Content
		}
		for _, t := range tasks {
			pr := models.PairResult{StudentID: st.ID, TaskID: t.ID}
			if err != nil {
				pr.Error = "could not fetch submission: " + err.Error()
				r.results = append(r.results, pr)
				continue
			}
			r.results = append(r.results, pr)
			r.pairs = append(r.pairs, &pair{idx: len(r.results) - 1, task: t, student: st.ID, content: byTask[t.ID]})
		}
	}
	return nil
}

// hashAndCheck resolves untouched responses and cache hits in place and returns
// the pairs that still need an LLM verdict.
func (p *Pipeline) hashAndCheck(ctx context.Context, r *run) ([]*pair, int) {
	var pending []*pair
	hits := 0
	for _, pp := range r.pairs {
		res := &r.results[pp.idx]
		sub, err := hashing.SumContent(pp.content, pp.task.Type)
		if err != nil {
			res.Assessment = assess.NotAttempted()
			res.NotAttempted = true
			continue
		}
		if pp.task.Template != nil {
			if tmpl, err := hashing.SumContent(pp.task.Template, pp.task.Type); err == nil && tmpl == sub {
				res.Assessment = assess.NotAttempted()
				res.NotAttempted = true
				continue
			}
		}
		ref, _ := hashing.SumContent(pp.task.Reference, pp.task.Type)
		pp.ref, pp.sub = ref, sub
		if cached, ok := p.Cache.Get(ctx, ref, sub); ok {
			res.Assessment = cached
			res.Cached = true
			hits++
			continue
		}
		pending = append(pending, pp)
	}
	return pending, hits
}

func (p *Pipeline) uploadImages(ctx context.Context, r *run, pending []*pair) map[models.Fingerprint]string {
	var blobs [][]byte
	for _, pp := range pending {
		if pp.task.IsImage() {
			blobs = append(blobs, pp.task.Reference, pp.content)
		}
	}
	if len(blobs) == 0 {
		return nil
	}
	if p.Uploader == nil {
		r.logger.Warn("pipeline.upload.not_configured", "blobs", len(blobs))
		return nil
	}
	return p.Uploader.UploadAll(ctx, blobs)
}

func (p *Pipeline) dispatch(ctx context.Context, r *run, pending []*pair, urls map[models.Fingerprint]string) ([]*pair, []dispatch.Outcome) {
	var (
		sent []*pair
		reqs []dispatch.Request
	)
	for _, pp := range pending {
		in := assess.Input{Task: pp.task, StudentID: pp.student, Submission: pp.content}
		if pp.task.IsImage() {
			in.ReferenceURL = urls[pp.ref]
			in.SubmissionURL = urls[pp.sub]
		}
		req, err := p.Builder.Request(in)
		if err != nil {
			r.results[pp.idx].Error = "could not build assessment request: " + err.Error()
			continue
		}
		sent = append(sent, pp)
		reqs = append(reqs, req)
	}
	if len(reqs) == 0 {
		return nil, nil
	}
	if len(p.WarmupURLs) > 0 {
		p.Sender.Warmup(ctx, p.WarmupURLs)
	}
	return sent, p.Sender.SendBatch(ctx, reqs)
}

func (p *Pipeline) collect(r *run, sent []*pair, outcomes []dispatch.Outcome) {
	for _, o := range outcomes {
		pp := sent[o.Index]
		res := &r.results[pp.idx]
		if !o.OK() {
			res.Error = fmt.Sprintf("assessment request failed after %d attempts", o.Attempts)
			continue
		}
		a, err := assess.Parse(o.Response.Body)
		if err != nil {
			r.logger.Warn("pipeline.assess.parse_failed", "student_id", pp.student, "task_id", pp.task.ID, "error", err)
			res.Error = "could not read assessment: " + err.Error()
			continue
		}
		res.Assessment = a
		pp.fresh = true
	}
}

func (p *Pipeline) persist(ctx context.Context, r *run) error {
	for _, pp := range r.pairs {
		if !pp.fresh {
			continue
		}
		if err := p.Cache.Put(ctx, pp.ref, pp.sub, *r.results[pp.idx].Assessment); err != nil {
			r.logger.Warn("pipeline.cache.put_failed", "student_id", pp.student, "task_id", pp.task.ID, "error", err)
		}
	}
	if p.Sink == nil {
		return nil
	}
	if err := p.Sink.SaveAssessments(ctx, r.id, r.params.AssignmentID, r.results); err != nil {
		return fmt.Errorf("save assessments: %w", err)
	}
	if err := p.Sink.AppendAudit(ctx, r.id, "completed", fmt.Sprintf("pairs=%d", len(r.results))); err != nil {
		r.logger.Warn("pipeline.audit.failed", "error", err)
	}
	return nil
}
