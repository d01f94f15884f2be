package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"bulk-action-pipeline/internal/config"
	"bulk-action-pipeline/internal/consumer"
	"bulk-action-pipeline/internal/progress"
	"bulk-action-pipeline/internal/store"
	"bulk-action-pipeline/internal/telemetry"
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

	consumerName := os.Getenv("CONSUMER_NAME")
	if consumerName == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			consumerName = hostname
		} else {
			consumerName = fmt.Sprintf("consumer-%d", os.Getpid())
		}
	}

	tracker := progress.NewTracker(st, log)
	primary := consumer.NewPrimary(cfg, st, bus, tracker, log)
	retry := consumer.NewRetry(cfg, st, bus, tracker, st, log)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Warnf("metrics server stopped: %v", err)
		}
	}()

	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if depth, err := bus.Depth(ctx, cfg.MainTopic); err == nil {
					telemetry.MainStreamDepth.Set(float64(depth))
				}
				if depth, err := bus.Depth(ctx, cfg.RetryTopic); err == nil {
					telemetry.RetryStreamDepth.Set(float64(depth))
				}
			}
		}
	}()

	log.Infof("worker started consumer=%s topic=%s retry=%s poison=%s max_retries=%d",
		consumerName, cfg.MainTopic, cfg.RetryTopic, cfg.PoisonTopic, cfg.MaxRetryAttempts)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := bus.Subscribe(ctx, cfg.MainTopic, cfg.MainGroup, consumerName, primary.Handle); err != nil && ctx.Err() == nil {
			log.Errorf("primary consumer stopped: %v", err)
			cancel()
		}
	}()
	go func() {
		defer wg.Done()
		if err := bus.Subscribe(ctx, cfg.RetryTopic, cfg.RetryGroup, consumerName, retry.Handle); err != nil && ctx.Err() == nil {
			log.Errorf("retry consumer stopped: %v", err)
			cancel()
		}
	}()
	wg.Wait()
	log.Info("worker stopped")
}
