package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/redis/go-redis/v9"

	api "assessment-runner/internal/api"
	"assessment-runner/internal/cache"
	"assessment-runner/internal/config"
	"assessment-runner/internal/export"
	"assessment-runner/internal/pipeline"
	"assessment-runner/internal/progress"
	"assessment-runner/internal/ratelimit"
	"assessment-runner/internal/scheduler"
	"assessment-runner/internal/store"
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
		signal.Notify(ch, os.Interrupt)
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

	sched := scheduler.New(rdb)
	limiter := ratelimit.NewTokenBucket(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	server := api.New(cfg, api.Deps{
		Starter:  pipeline.NewStarter(sched, scope, cfg.StartDelay, cfg.DocumentID, logger),
		Scope:    scope,
		Cache:    cache.New(rdb, cfg.CacheTTL, logger),
		Exporter: export.NewService(st, logger),
		Auditor:  st,
		Limiter:  limiter,
	})
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Printf("api listening on :%s document=%s", cfg.HTTPPort, cfg.DocumentID)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
