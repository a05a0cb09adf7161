package progress

import (
	"context"
	"sync"
	"time"

	"assessment-runner/internal/models"
)

type memoryBackend struct {
	mu  sync.Mutex
	rec *models.ProgressRecord
}

// NewMemoryStore returns a process-local store, used by tests and single-binary setups.
func NewMemoryStore(staleAfter time.Duration) *Tracker {
	return newTracker(&memoryBackend{}, staleAfter)
}

func (b *memoryBackend) load(context.Context) (models.ProgressRecord, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.rec == nil {
		return models.ProgressRecord{}, false, nil
	}
	return *b.rec, true, nil
}

func (b *memoryBackend) save(_ context.Context, rec models.ProgressRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rec = &rec
	return nil
}

func (b *memoryBackend) remove(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rec = nil
	return nil
}
