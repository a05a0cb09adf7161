package pipeline

import (
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"assessment-runner/internal/lock"
	"assessment-runner/internal/progress"
)

// Scope hands out the per-document lock and progress record.
type Scope interface {
	Lock(documentID string) Locker
	Progress(documentID string) progress.Store
}

// RedisScope builds locks and progress stores on a shared Redis client.
type RedisScope struct {
	Client     *redis.Client
	LockTTL    time.Duration
	LockPoll   time.Duration
	StaleAfter time.Duration
	Publisher  progress.Publisher
	Logger     *slog.Logger
}

func (s RedisScope) Lock(documentID string) Locker {
	return lock.New(s.Client, documentID, s.LockTTL, s.LockPoll, s.Logger)
}

// Progress wraps the store in a NATS publisher when one is configured.
func (s RedisScope) Progress(documentID string) progress.Store {
	var st progress.Store = progress.NewRedisStore(s.Client, documentID, s.StaleAfter, s.Logger)
	if s.Publisher != nil {
		st = progress.NewPublishing(st, s.Publisher, documentID, s.Logger)
	}
	return st
}
