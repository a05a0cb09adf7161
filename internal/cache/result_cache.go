package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/pquerna/ffjson/ffjson"
	"github.com/redis/go-redis/v9"

	"assessment-runner/internal/hashing"
	"assessment-runner/internal/models"
	"assessment-runner/internal/telemetry"
)

// DefaultTTL is how long an assessment stays reusable.
const DefaultTTL = 6 * time.Hour

// ResultCache maps (reference, submission) fingerprint pairs to assessments in Redis.
// Entries expire by TTL only; the store's own memory policy bounds capacity.
type ResultCache struct {
	client        *redis.Client
	ttl           time.Duration
	entryPrefix   string
	generationKey string
	logger        *slog.Logger
}

// New builds a cache on an existing Redis client.
func New(client *redis.Client, ttl time.Duration, logger *slog.Logger) *ResultCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ResultCache{
		client:        client,
		ttl:           ttl,
		entryPrefix:   "cache:assessment:",
		generationKey: "cache:generation",
		logger:        logger,
	}
}

// Key derives the cache key for a pair. It reports false when either fingerprint
// is missing, in which case callers must bypass the cache.
func Key(ref, sub models.Fingerprint) (string, bool) {
	if ref == "" || sub == "" {
		return "", false
	}
	return string(hashing.SumString(string(ref) + string(sub))), true
}

// Generation returns the current cache generation. Bumping it with Invalidate
// orphans every entry written under an older generation.
func (c *ResultCache) Generation(ctx context.Context) (int64, error) {
	v, err := c.client.Get(ctx, c.generationKey).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read cache generation: %w", err)
	}
	gen, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse cache generation %q: %w", v, err)
	}
	return gen, nil
}

// Invalidate starts a new generation and returns it.
func (c *ResultCache) Invalidate(ctx context.Context) (int64, error) {
	gen, err := c.client.Incr(ctx, c.generationKey).Result()
	if err != nil {
		return 0, fmt.Errorf("bump cache generation: %w", err)
	}
	c.logger.Info("cache.invalidated", "generation", gen)
	return gen, nil
}

func (c *ResultCache) storageKey(gen int64, key string) string {
	return c.entryPrefix + strconv.FormatInt(gen, 10) + ":" + key
}

// Get returns the cached assessment for the pair. Misses, expired entries,
// missing keys, backend errors and undecodable payloads all report false.
func (c *ResultCache) Get(ctx context.Context, ref, sub models.Fingerprint) (*models.Assessment, bool) {
	key, ok := Key(ref, sub)
	if !ok {
		telemetry.CacheLookups.WithLabelValues("bypass").Inc()
		return nil, false
	}
	gen, err := c.Generation(ctx)
	if err != nil {
		c.logger.Warn("cache.get.generation_error", "error", err)
		telemetry.CacheLookups.WithLabelValues("error").Inc()
		return nil, false
	}
	raw, err := c.client.Get(ctx, c.storageKey(gen, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		telemetry.CacheLookups.WithLabelValues("miss").Inc()
		return nil, false
	}
	if err != nil {
		c.logger.Warn("cache.get.error", "key", key, "error", err)
		telemetry.CacheLookups.WithLabelValues("error").Inc()
		return nil, false
	}
	var payload models.Assessment
	if err := ffjson.Unmarshal(raw, &payload); err != nil {
		c.logger.Warn("cache.get.corrupt_entry", "key", key, "bytes", len(raw), "error", err)
		telemetry.CacheLookups.WithLabelValues("corrupt").Inc()
		return nil, false
	}
	telemetry.CacheLookups.WithLabelValues("hit").Inc()
	return &payload, true
}

// Put stores the assessment for the pair, replacing any earlier entry.
// It is a no-op when the pair has no key.
func (c *ResultCache) Put(ctx context.Context, ref, sub models.Fingerprint, payload models.Assessment) error {
	key, ok := Key(ref, sub)
	if !ok {
		return nil
	}
	gen, err := c.Generation(ctx)
	if err != nil {
		return err
	}
	raw, err := ffjson.Marshal(&payload)
	if err != nil {
		return fmt.Errorf("encode assessment: %w", err)
	}
	if err := c.client.Set(ctx, c.storageKey(gen, key), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("store assessment: %w", err)
	}
	return nil
}
