// Package lock guards assessment runs with a Redis-backed mutual-exclusion lease.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrAlreadyRunning is returned when another holder keeps the lock past the wait bound.
var ErrAlreadyRunning = errors.New("an assessment is already running for this document")

// RunLock is a document-scoped exclusive lock. Two runs against the same
// document never overlap, whatever assignment they target.
type RunLock struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	poll   time.Duration
	logger *slog.Logger
}

// New creates a lock for documentID. ttl bounds how long a crashed holder can block others.
func New(client *redis.Client, documentID string, ttl, poll time.Duration, logger *slog.Logger) *RunLock {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RunLock{
		client: client,
		key:    "lock:run:" + documentID,
		ttl:    ttl,
		poll:   poll,
		logger: logger,
	}
}

// Lease is a held lock. Release it exactly once; extra calls are no-ops.
type Lease struct {
	lock     *RunLock
	token    string
	released bool
}

// TryAcquire polls for the lock until wait elapses. It never blocks longer than wait
// and returns ErrAlreadyRunning when the lock stays held.
func (l *RunLock) TryAcquire(ctx context.Context, wait time.Duration) (*Lease, error) {
	token := uuid.New().String()
	deadline := time.Now().Add(wait)
	for {
		ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire run lock: %w", err)
		}
		if ok {
			l.logger.Info("lock.acquired", "key", l.key)
			return &Lease{lock: l, token: token}, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			l.logger.Warn("lock.contended", "key", l.key, "waited_ms", wait.Milliseconds())
			return nil, ErrAlreadyRunning
		}
		pause := l.poll
		if pause > remaining {
			pause = remaining
		}
		timer := time.NewTimer(pause)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// Held reports whether any holder currently owns the lock.
func (l *RunLock) Held(ctx context.Context) (bool, error) {
	n, err := l.client.Exists(ctx, l.key).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// WithLock runs fn while holding the lock and releases it on every exit path, panics included.
func (l *RunLock) WithLock(ctx context.Context, wait time.Duration, fn func(ctx context.Context) error) error {
	lease, err := l.TryAcquire(ctx, wait)
	if err != nil {
		return err
	}
	defer lease.Release(context.WithoutCancel(ctx))
	return fn(ctx)
}

// Release frees the lock if this lease still owns it.
func (ls *Lease) Release(ctx context.Context) error {
	if ls == nil || ls.released {
		return nil
	}
	ls.released = true
	n, err := releaseScript.Run(ctx, ls.lock.client, []string{ls.lock.key}, ls.token).Int()
	if err != nil {
		return fmt.Errorf("release run lock: %w", err)
	}
	if n == 0 {
		ls.lock.logger.Warn("lock.release.not_owner", "key", ls.lock.key)
		return nil
	}
	ls.lock.logger.Info("lock.released", "key", ls.lock.key)
	return nil
}

// Only the token holder may delete the key; an expired lease must not free a successor's lock.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
