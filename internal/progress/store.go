// Package progress keeps the single-slot status record a polling UI reads while a run is in flight.
package progress

import (
	"context"
	"time"

	"assessment-runner/internal/models"
)

const (
	StartMessage    = "Starting the assessment. This may take up to a minute..."
	CompleteMessage = "Assessment run completed."
	NoDataMessage   = "No progress data available."
	StaleMessage    = "Assessment is no longer running."
)

// Store is the progress record of one document. Every write replaces the record.
type Store interface {
	Start(ctx context.Context) error
	Update(ctx context.Context, step int, message string) error
	UpdateMessage(ctx context.Context, message string) error
	Complete(ctx context.Context) error
	LogError(ctx context.Context, message string) error
	Read(ctx context.Context) (models.ProgressRecord, error)
	Clear(ctx context.Context) error
}

type backend interface {
	load(ctx context.Context) (models.ProgressRecord, bool, error)
	save(ctx context.Context, rec models.ProgressRecord) error
	remove(ctx context.Context) error
}

// Tracker implements Store over a storage backend.
type Tracker struct {
	backend    backend
	staleAfter time.Duration
	now        func() time.Time
}

func newTracker(b backend, staleAfter time.Duration) *Tracker {
	return &Tracker{backend: b, staleAfter: staleAfter, now: time.Now}
}

// Start resets the record to step 0 and clears any earlier completion or error.
func (t *Tracker) Start(ctx context.Context) error {
	return t.backend.save(ctx, models.ProgressRecord{Step: 0, Message: StartMessage, Timestamp: t.now()})
}

// Update records that the run is about to perform step.
func (t *Tracker) Update(ctx context.Context, step int, message string) error {
	return t.backend.save(ctx, models.ProgressRecord{Step: step, Message: message, Timestamp: t.now()})
}

// UpdateMessage replaces the message and keeps the previous step.
func (t *Tracker) UpdateMessage(ctx context.Context, message string) error {
	prev, _, err := t.backend.load(ctx)
	if err != nil {
		return err
	}
	return t.backend.save(ctx, models.ProgressRecord{Step: prev.Step, Message: message, Timestamp: t.now()})
}

// Complete marks the run finished and keeps the last step.
func (t *Tracker) Complete(ctx context.Context) error {
	prev, _, err := t.backend.load(ctx)
	if err != nil {
		return err
	}
	return t.backend.save(ctx, models.ProgressRecord{Step: prev.Step, Message: CompleteMessage, Completed: true, Timestamp: t.now()})
}

// LogError sets the error and leaves step and message untouched.
func (t *Tracker) LogError(ctx context.Context, message string) error {
	rec, ok, err := t.backend.load(ctx)
	if err != nil {
		return err
	}
	if !ok {
		rec.Message = NoDataMessage
	}
	rec.Error = message
	rec.Timestamp = t.now()
	return t.backend.save(ctx, rec)
}

// Read returns the stored record, a "no data" record when nothing is stored, and
// flags in-flight records that stopped updating as stale.
func (t *Tracker) Read(ctx context.Context) (models.ProgressRecord, error) {
	rec, ok, err := t.backend.load(ctx)
	if err != nil {
		return models.ProgressRecord{}, err
	}
	if !ok {
		return models.ProgressRecord{Step: 0, Message: NoDataMessage}, nil
	}
	if t.staleAfter > 0 && !rec.Completed && rec.Error == "" && t.now().Sub(rec.Timestamp) > t.staleAfter {
		rec.Stale = true
		rec.Message = StaleMessage
	}
	return rec, nil
}

// Clear deletes the record.
func (t *Tracker) Clear(ctx context.Context) error {
	return t.backend.remove(ctx)
}
