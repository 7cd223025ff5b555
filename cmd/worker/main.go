package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/noah-isme/paycore/internal/app"
	"github.com/noah-isme/paycore/internal/config"
	"github.com/noah-isme/paycore/internal/obs"
	"github.com/noah-isme/paycore/internal/queue"
	"github.com/noah-isme/paycore/internal/resilience"
	"github.com/noah-isme/paycore/internal/sideeffects"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := zerolog.New(os.Stderr)
		bootLogger.Fatal().Err(err).Msg("load config")
	}
	logger := obs.NewLogger(cfg.Obs.LogFormat, cfg.Obs.LogLevel).With().
		Str("component", "worker").
		Str("version", cfg.Version).
		Logger()
	obs.MustRegisterDomainMetrics(cfg.Obs.MetricsNamespace, nil)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	initCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	services, err := app.New(initCtx, cfg, logger, app.Options{Name: "paycore-worker"})
	cancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise services")
	}
	defer services.Close()

	worker := services.Worker()
	logger.Info().Str("driver", cfg.Queue.Driver).Msg("worker starting")
	switch cfg.Queue.Driver {
	case "asynq":
		runAsynq(ctx, cfg, worker, logger)
	case "redis":
		runQueue(ctx, cfg, services, worker, logger)
	default:
		logger.Fatal().Str("driver", cfg.Queue.Driver).Msg("queue driver runs follow-ups in the API process")
	}
	logger.Info().Msg("worker shutdown complete")
}

func runQueue(ctx context.Context, cfg *config.Config, services *app.App, worker sideeffects.Worker, logger zerolog.Logger) {
	workers := worker.QueueWorkers(sideeffects.WorkerOptions{
		Redis:             services.Redis,
		Prefix:            cfg.Queue.Prefix,
		Concurrency:       cfg.Queue.Concurrency,
		VisibilityTimeout: cfg.Queue.VisibilityTimeout,
		RetryBase:         cfg.Queue.RetryBase,
		RetryJitter:       0.2,
		DLQ:               services.DLQ,
		Logger:            &logger,
	})

	var wg sync.WaitGroup
	for _, qw := range workers {
		wg.Add(1)
		go func(qw queue.Worker) {
			defer wg.Done()
			if err := qw.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Str("kind", qw.Kind).Msg("queue worker stopped with error")
			}
		}(qw)
	}
	if services.DLQ != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			refreshDLQ(ctx, services.DLQ, cfg.Queue.DLQRefresh, logger)
		}()
	}
	wg.Wait()
}

func runAsynq(ctx context.Context, cfg *config.Config, worker sideeffects.Worker, logger zerolog.Logger) {
	opt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse asynq redis uri")
	}
	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency:     cfg.Queue.Concurrency,
		Queues:          map[string]int{sideeffects.AsynqQueue: 1},
		ShutdownTimeout: cfg.Queue.VisibilityTimeout,
		RetryDelayFunc: func(n int, _ error, _ *asynq.Task) time.Duration {
			return resilience.Backoff(cfg.Queue.RetryBase, n, 0.2)
		},
		ErrorHandler: asynq.ErrorHandlerFunc(func(_ context.Context, task *asynq.Task, err error) {
			logger.Error().Err(err).Str("kind", task.Type()).Msg("follow-up task failed")
		}),
	})
	if err := srv.Start(worker.AsynqMux()); err != nil {
		logger.Fatal().Err(err).Msg("start asynq server")
	}
	<-ctx.Done()
	srv.Shutdown()
}

func refreshDLQ(ctx context.Context, store queue.Store, every time.Duration, logger zerolog.Logger) {
	if every <= 0 {
		every = time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		if err := queue.RefreshDLQMetrics(ctx, store); err != nil && ctx.Err() == nil {
			logger.Warn().Err(err).Msg("refresh dlq metrics")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
