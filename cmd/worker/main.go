package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"trademark-lead-pipeline/internal/config"
	"trademark-lead-pipeline/internal/extract"
	"trademark-lead-pipeline/internal/fetch"
	"trademark-lead-pipeline/internal/notify"
	"trademark-lead-pipeline/internal/queue"
	"trademark-lead-pipeline/internal/ratelimit"
	"trademark-lead-pipeline/internal/store"
	"trademark-lead-pipeline/internal/telemetry"
	"trademark-lead-pipeline/internal/worker"
)

func main() {
	cfg := config.Load()

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

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	q := queue.NewQueue(redisClient, cfg.VisibilityTimeout)
	limiter := ratelimit.NewWindow(redisClient, "tsdr:ratelimit", cfg.RequestsPerMinute, time.Minute)

	fetcher := fetch.NewClient(cfg.TSDRBaseURL, cfg.FetchTimeout, cfg.FetchMaxBody)
	extractor := extract.New(nil)
	notifier := notify.New(cfg.NotifyWebhookURL, cfg.NotifyTimeout, nil)

	dispatcher := worker.NewDispatcher(cfg, q, st, fetcher, extractor, limiter, notifier, nil)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	log.Printf("worker started with concurrency=%d rpm=%d visibility=%s",
		cfg.WorkerConcurrency, cfg.RequestsPerMinute, cfg.VisibilityTimeout)
	if err := dispatcher.Run(ctx); err != nil {
		log.Printf("worker stopped: %v", err)
	}
}
