package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"assessment-runner/internal/assess"
	"assessment-runner/internal/cache"
	"assessment-runner/internal/config"
	"assessment-runner/internal/dispatch"
	"assessment-runner/internal/notify"
	"assessment-runner/internal/pipeline"
	"assessment-runner/internal/progress"
	"assessment-runner/internal/ratelimit"
	"assessment-runner/internal/scheduler"
	"assessment-runner/internal/store"
	"assessment-runner/internal/telemetry"
	"assessment-runner/internal/upload"
)

func main() {
	cfg, err := config.LoadFile(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("%v", err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	scope := pipeline.RedisScope{
		Client:     rdb,
		LockTTL:    cfg.LockTTL,
		LockPoll:   cfg.LockPoll,
		StaleAfter: cfg.ProgressStaleAfter,
		Logger:     logger,
	}
	if cfg.NATSURL != "" {
		nc, err := progress.ConnectNATS(cfg.NATSURL)
		if err != nil {
			log.Fatalf("connect nats: %v", err)
		}
		defer nc.Close()
		scope.Publisher = nc
	}

	dispatchOpts := []dispatch.Option{
		dispatch.WithBatchSize(cfg.BatchSize),
		dispatch.WithWorkers(cfg.DispatchWorkers),
		dispatch.WithMaxRetries(cfg.MaxRetries),
		dispatch.WithBackoff(cfg.BackoffInitial, cfg.BackoffFactor, cfg.BackoffMax),
		dispatch.WithLogger(logger),
	}
	if cfg.DispatchRateLimit {
		dispatchOpts = append(dispatchOpts,
			dispatch.WithLimiter(ratelimit.NewTokenBucket(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)))
	}
	dispatcher := dispatch.New(dispatch.NewHTTPClient(cfg.HTTPTimeout), dispatchOpts...)

	uploader, err := newUploader(ctx, cfg, dispatcher, logger)
	if err != nil {
		log.Fatalf("init image upload: %v", err)
	}

	var warmup []string
	if cfg.LLMWarmupURL != "" {
		warmup = []string{cfg.LLMWarmupURL}
	}

	sched := scheduler.New(rdb)
	p := pipeline.New(pipeline.Deps{
		Source:          st,
		Sink:            st,
		Cache:           cache.New(rdb, cfg.CacheTTL, logger),
		Sender:          dispatcher,
		Builder:         assess.NewBuilder(cfg.LLMURL, cfg.LLMAPIKey, cfg.LLMModel, cfg.LLMTemperature),
		Uploader:        uploader,
		Scope:           scope,
		Scheduler:       sched,
		Alerter:         notify.NewSlackWebhook(cfg.SlackWebhookURL, cfg.HTTPTimeout),
		Logger:          logger,
		DefaultDocument: cfg.DocumentID,
		LockWait:        cfg.LockWait,
		WarmupURLs:      warmup,
	})

	runner := scheduler.NewRunner(sched, cfg.SchedulerPoll, cfg.ScheduledBatchSize, logger)
	runner.Register(pipeline.RunFunction, p.HandleJob)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	log.Printf("worker started poll=%s batch=%d retries=%d backoff_initial=%s", cfg.SchedulerPoll, cfg.BatchSize, cfg.MaxRetries, cfg.BackoffInitial)
	if err := runner.Run(ctx); err != nil {
		log.Printf("worker stopped: %v", err)
	}
}

// newUploader prefers S3 when a bucket is configured, then a plain image host.
// Without either, image tasks fail per pair.
func newUploader(ctx context.Context, cfg config.Config, d *dispatch.Dispatcher, logger *slog.Logger) (pipeline.Uploader, error) {
	switch {
	case cfg.ImageS3Bucket != "":
		target, err := upload.NewS3Target(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return upload.New(d, target, cfg.ImageMaxWidth, logger), nil
	case cfg.ImageUploadURL != "":
		return upload.New(d, upload.HostTarget{URL: cfg.ImageUploadURL}, cfg.ImageMaxWidth, logger), nil
	}
	return nil, nil
}
