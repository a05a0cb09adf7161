package progress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pquerna/ffjson/ffjson"
	"github.com/redis/go-redis/v9"

	"assessment-runner/internal/models"
)

type redisBackend struct {
	client *redis.Client
	key    string
	logger *slog.Logger
}

// NewRedisStore keeps the record of documentID under progress:<documentID>.
func NewRedisStore(client *redis.Client, documentID string, staleAfter time.Duration, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return newTracker(&redisBackend{client: client, key: "progress:" + documentID, logger: logger}, staleAfter)
}

func (b *redisBackend) load(ctx context.Context) (models.ProgressRecord, bool, error) {
	raw, err := b.client.Get(ctx, b.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.ProgressRecord{}, false, nil
	}
	if err != nil {
		return models.ProgressRecord{}, false, fmt.Errorf("read progress: %w", err)
	}
	var rec models.ProgressRecord
	if err := ffjson.Unmarshal(raw, &rec); err != nil {
		// an unreadable record is as good as none
		b.logger.Warn("progress.read.corrupt_record", "key", b.key, "bytes", len(raw), "error", err)
		return models.ProgressRecord{}, false, nil
	}
	return rec, true, nil
}

func (b *redisBackend) save(ctx context.Context, rec models.ProgressRecord) error {
	raw, err := ffjson.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("encode progress: %w", err)
	}
	if err := b.client.Set(ctx, b.key, raw, 0).Err(); err != nil {
		return fmt.Errorf("write progress: %w", err)
	}
	return nil
}

func (b *redisBackend) remove(ctx context.Context) error {
	return b.client.Del(ctx, b.key).Err()
}
