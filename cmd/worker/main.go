package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ignite/ecomm-report-extractor/internal/app"
	"github.com/ignite/ecomm-report-extractor/internal/config"
	"github.com/ignite/ecomm-report-extractor/internal/pkg/distlock"
	"github.com/ignite/ecomm-report-extractor/internal/worker"
)

func main() {
	log.Println("Starting report extraction worker...")

	configPath := "config/config.yaml"
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		configPath = v
	}
	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if len(cfg.Schedules) == 0 {
		log.Fatal("No schedules configured; nothing to do")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, app.Options{})
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}
	defer a.Close()

	opts := []worker.Option{worker.WithConcurrency(cfg.Engine.MaxConcurrentRuns)}
	if a.Redis != nil || a.DB != nil {
		// Locks last one run timeout and are renewed while a schedule runs.
		ttl := cfg.Engine.RunTimeout()
		rdb, db := a.Redis, a.DB
		opts = append(opts, worker.WithLocks(func(key string) distlock.DistLock {
			return distlock.NewLock(rdb, db, key, ttl)
		}))
		log.Println("Schedule locks enabled")
	} else {
		log.Println("No Redis or database configured; run a single worker")
	}

	scheduler := worker.NewScheduler(a.Orchestrator, cfg.Schedules, opts...)
	if err := scheduler.Run(ctx); err != nil {
		log.Fatalf("Scheduler error: %v", err)
	}

	s := scheduler.Stats()
	log.Printf("Worker stopped (runs=%d failures=%d skipped=%d)", s.Runs, s.Failures, s.Skipped)
}
