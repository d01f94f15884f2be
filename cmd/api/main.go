package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"bulk-action-pipeline/internal/api"
	"bulk-action-pipeline/internal/archive"
	"bulk-action-pipeline/internal/config"
	"bulk-action-pipeline/internal/ingest"
	"bulk-action-pipeline/internal/ratelimit"
	"bulk-action-pipeline/internal/store"
	"bulk-action-pipeline/internal/transport"
)

func main() {
	cfg := config.Load()
	log := logrus.New()
	if cfg.Env == "dev" {
		log.SetLevel(logrus.DebugLevel)
	} else {
		log.SetFormatter(&logrus.JSONFormatter{})
		log.SetLevel(logrus.InfoLevel)
	}

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

	bus := transport.NewBus(cfg, log)
	defer bus.Close()

	producer := ingest.NewProducer(cfg.MainTopic, cfg.BatchSize, bus, log)

	archiver, err := archive.New(ctx, cfg, log)
	if err != nil {
		log.Fatalf("init archiver: %v", err)
	}

	limiterClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	limiter := ratelimit.NewFixedWindow(limiterClient, cfg.RateLimitMax, cfg.RateLimitWindow)

	server := api.New(cfg, st, producer, archiver, limiter, log)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Infof("api listening on :%s batch_size=%d topic=%s", cfg.HTTPPort, cfg.BatchSize, cfg.MainTopic)
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
