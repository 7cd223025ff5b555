package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/noah-isme/paycore/internal/app"
	"github.com/noah-isme/paycore/internal/config"
	"github.com/noah-isme/paycore/internal/health"
	"github.com/noah-isme/paycore/internal/obs"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := zerolog.New(os.Stderr)
		bootLogger.Fatal().Err(err).Msg("load config")
	}
	logger := obs.NewLogger(cfg.Obs.LogFormat, cfg.Obs.LogLevel).With().
		Str("env", cfg.AppEnv).
		Str("version", cfg.Version).
		Logger()

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("api exited")
	}
	logger.Info().Msg("server stopped")
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	obs.MustRegisterDomainMetrics(cfg.Obs.MetricsNamespace, nil)
	tracing := startTracing(cfg, logger)
	if tracing != nil {
		defer func() {
			if err := tracing(context.Background()); err != nil {
				logger.Error().Err(err).Msg("flush traces")
			}
		}()
	}

	initCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	services, err := app.New(initCtx, cfg, logger, app.Options{Name: "paycore-api", MetricsEnabled: cfg.Obs.Metrics})
	cancel()
	if err != nil {
		return err
	}
	defer services.Close()

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           router(cfg, services, logger, tracing != nil),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-sigCtx.Done()
		health.SetReady(false)
		logger.Info().Dur("timeout", cfg.ShutdownTimeout).Msg("draining")
		ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error().Err(err).Msg("graceful shutdown")
		}
	}()

	logger.Info().
		Str("addr", srv.Addr).
		Str("queue", cfg.Queue.Driver).
		Str("storage", cfg.StorageDriver).
		Strs("providers", enabledProviders(cfg)).
		Msg("server starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	// follow-ups started by the inline runner finish before exit
	services.Drain()
	return nil
}

// startTracing returns the exporter flush func, or nil when tracing is off.
func startTracing(cfg *config.Config, logger zerolog.Logger) func(context.Context) error {
	if !cfg.Obs.Tracing {
		return nil
	}
	shutdown, err := obs.InitTracer(context.Background(), obs.TracingConfig{
		ServiceName:    "paycore-api",
		ServiceVersion: cfg.Version,
		Endpoint:       cfg.Obs.OTLPEndpoint,
		Exporter:       cfg.Obs.TracingExporter,
		SamplingRatio:  cfg.Obs.SamplingRatio,
		Environment:    cfg.AppEnv,
		Providers:      enabledProviders(cfg),
	})
	if err != nil {
		logger.Error().Err(err).Msg("tracing disabled")
		return nil
	}
	return shutdown
}

func router(cfg *config.Config, services *app.App, logger zerolog.Logger, traced bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	if traced {
		r.Use(obs.TracingMiddleware)
	}
	if cfg.Obs.Metrics {
		m := obs.NewHTTPMetrics(cfg.Obs.MetricsNamespace, obs.ParseBucketsCSV(cfg.Obs.MetricsBuckets), nil)
		r.Use(obs.HTTPObs{Metrics: m}.Middleware)
	}
	r.Use(obs.RequestLogger{Logger: logger}.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins(cfg),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		ExposedHeaders:   []string{"Idempotent-Replayed", "X-RateLimit-Remaining", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// chi rejects middleware registered after the first route
	if cfg.Obs.Metrics {
		r.Handle("/metrics", promhttp.Handler())
	}
	if cfg.Obs.Pprof {
		debug := r.With()
		if cfg.Obs.PprofUser != "" {
			debug = r.With(middleware.BasicAuth("paycore-debug", map[string]string{cfg.Obs.PprofUser: cfg.Obs.PprofPass}))
		}
		debug.Mount("/debug", middleware.Profiler())
	}
	services.Mount(r)
	return r
}

func origins(cfg *config.Config) []string {
	if len(cfg.CORSAllowedOrigins) == 0 {
		return []string{"*"}
	}
	return cfg.CORSAllowedOrigins
}

func enabledProviders(cfg *config.Config) []string {
	providers := []string{"midtrans"}
	if cfg.Payment.XenditSecretKey != "" {
		providers = append(providers, "xendit")
	}
	return providers
}
