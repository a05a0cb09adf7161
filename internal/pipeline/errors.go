package pipeline

import (
	"errors"
	"fmt"
)

// ErrNoTasks means the reference document yielded nothing to assess.
var ErrNoTasks = errors.New("reference document has no tasks")

// StepError is a structural failure that aborted a run in State.
type StepError struct {
	State State
	Cause error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("pipeline %s: %v", e.State, e.Cause)
}

func (e *StepError) Unwrap() error {
	return e.Cause
}
