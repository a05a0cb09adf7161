package pipeline

import "fmt"

// State is a phase of a run. Its integer value is the progress step a polling UI sees.
type State int

const (
	Idle State = iota
	Locking
	Populating
	Fetching
	Hashing
	Uploading
	Dispatching
	Assessing
	Persisting
	Completed
	Errored
)

var stateNames = map[State]string{
	Idle:        "idle",
	Locking:     "locking",
	Populating:  "populating",
	Fetching:    "fetching",
	Hashing:     "hashing",
	Uploading:   "uploading",
	Dispatching: "dispatching",
	Assessing:   "assessing",
	Persisting:  "persisting",
	Completed:   "completed",
	Errored:     "errored",
}

var stateMessages = map[State]string{
	Locking:     "Checking that no other assessment is running...",
	Populating:  "Reading tasks from the reference slides...",
	Fetching:    "Fetching student submissions...",
	Hashing:     "Checking for previously assessed responses...",
	Uploading:   "Uploading slide images...",
	Dispatching: "Sending responses for assessment...",
	Assessing:   "Reading assessment results...",
	Persisting:  "Saving assessments...",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Message is the progress text shown while the state is about to run.
func (s State) Message() string {
	return stateMessages[s]
}
