package models

import (
	"time"
)

// Fingerprint is the lowercase hex SHA-256 digest of a piece of content.
type Fingerprint string

// TaskType classifies how a task's content is assessed.
type TaskType string

const (
	TaskText  TaskType = "text"
	TaskTable TaskType = "table"
	TaskImage TaskType = "image"
)

// Task is one reference task extracted from the answer-key deck.
type Task struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	Type      TaskType `json:"type"`
	Index     int      `json:"index"`
	Reference []byte   `json:"-"`
	Template  []byte   `json:"-"`
	Notes     string   `json:"notes,omitempty"`
}

// IsImage reports whether the task content is an image blob.
func (t Task) IsImage() bool {
	return t.Type == TaskImage
}

// Student is a member of the class the assignment belongs to.
type Student struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Submission is the extracted response of one student to one task.
// A nil Content means the student's deck had nothing for the task.
type Submission struct {
	StudentID string `json:"student_id"`
	TaskID    string `json:"task_id"`
	Content   []byte `json:"-"`
}

// CriterionScore is a single marked criterion.
type CriterionScore struct {
	Score     float64 `json:"score" validate:"gte=0,lte=5"`
	Reasoning string  `json:"reasoning"`
}

// Assessment is the LLM verdict for one (reference, submission) pair. It is the cache payload.
type Assessment struct {
	Completeness CriterionScore `json:"completeness" validate:"required"`
	Accuracy     CriterionScore `json:"accuracy" validate:"required"`
	SPaG         CriterionScore `json:"spag" validate:"required"`
}

// PairResult is the outcome of one student-task pair within a run.
type PairResult struct {
	StudentID    string      `json:"student_id"`
	TaskID       string      `json:"task_id"`
	Assessment   *Assessment `json:"assessment,omitempty"`
	Cached       bool        `json:"cached"`
	NotAttempted bool        `json:"not_attempted"`
	Error        string      `json:"error,omitempty"`
}

// Failed reports whether the pair ended without an assessment.
func (r PairResult) Failed() bool {
	return r.Assessment == nil
}

// RunParams identifies what a run assesses.
type RunParams struct {
	AssignmentID string `json:"assignment_id" validate:"required"`
	ReferenceID  string `json:"reference_id" validate:"required"`
	EmptyID      string `json:"empty_id"`
	DocumentID   string `json:"document_id"`
}

// RunResult summarises a finished run.
type RunResult struct {
	RunID     string       `json:"run_id"`
	Results   []PairResult `json:"results"`
	Requests  int          `json:"requests"`
	CacheHits int          `json:"cache_hits"`
	Failures  int          `json:"failures"`
}

// ProgressRecord is the single-slot status a polling UI reads.
type ProgressRecord struct {
	Step      int       `json:"step"`
	Message   string    `json:"message"`
	Completed bool      `json:"completed"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
	Stale     bool      `json:"stale"`
}

// ScheduledJob is a one-shot deferred invocation of a registered function.
type ScheduledJob struct {
	ID       string            `json:"id"`
	Function string            `json:"function"`
	FireAt   time.Time         `json:"fire_at"`
	Args     map[string]string `json:"args,omitempty"`
}

// RunAudit is a run lifecycle event persisted in Postgres.
type RunAudit struct {
	RunID    string    `json:"run_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
