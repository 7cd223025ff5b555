package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	validator "github.com/go-playground/validator/v10"
	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	limitermemory "github.com/ulule/limiter/v3/drivers/store/memory"

	"github.com/noah-isme/paycore/internal/auth"
	"github.com/noah-isme/paycore/internal/billing"
	"github.com/noah-isme/paycore/internal/common"
	"github.com/noah-isme/paycore/internal/config"
	"github.com/noah-isme/paycore/internal/events"
	"github.com/noah-isme/paycore/internal/health"
	"github.com/noah-isme/paycore/internal/invoice"
	"github.com/noah-isme/paycore/internal/lock"
	"github.com/noah-isme/paycore/internal/notify"
	"github.com/noah-isme/paycore/internal/obs"
	"github.com/noah-isme/paycore/internal/payables"
	"github.com/noah-isme/paycore/internal/payment"
	"github.com/noah-isme/paycore/internal/pricing"
	"github.com/noah-isme/paycore/internal/queue"
	"github.com/noah-isme/paycore/internal/ratelimit"
	"github.com/noah-isme/paycore/internal/resilience"
	"github.com/noah-isme/paycore/internal/security"
	"github.com/noah-isme/paycore/internal/sideeffects"
	"github.com/noah-isme/paycore/internal/store"
	"github.com/noah-isme/paycore/internal/webhook"
)

// Store is everything the payment services persist through. Both the
// Postgres and in-memory stores satisfy it.
type Store interface {
	billing.Store
	webhook.Store
	invoice.Store
	sideeffects.Store
	events.ActivityStore
}

var (
	_ Store = (*store.Postgres)(nil)
	_ Store = (*store.Memory)(nil)
)

// Options tune construction. The zero value is production behaviour.
type Options struct {
	// Name is reported to Postgres as application_name.
	Name           string
	MetricsEnabled bool
	// Mail overrides the configured sender, mostly for tests.
	Mail common.EmailSender
	Now  func() time.Time
}

// App owns the long-lived services shared by the API and worker binaries.
type App struct {
	Config    *config.Config
	Logger    zerolog.Logger
	Pool      *pgxpool.Pool
	Redis     *redis.Client
	Store     Store
	DLQ       queue.Store
	Providers *payment.Registry
	Payables  *payables.Registry
	Engine    *billing.Engine
	Invoices  *invoice.Generator
	Handlers  *sideeffects.Handlers
	Effects   *sideeffects.Dispatcher
	Webhooks  *webhook.Processor
	Verifier  *auth.Verifier
	Validate  *validator.Validate

	inline *sideeffects.InlineRunner
	asynq  *asynq.Client
}

// New connects storage and wires the payment services described by cfg.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger, opts Options) (*App, error) {
	a := &App{Config: cfg, Logger: logger, Validate: common.NewValidator()}
	if opts.Name == "" {
		opts.Name = "paycore"
	}

	if err := a.connect(ctx, opts); err != nil {
		a.Close()
		return nil, err
	}

	mail := opts.Mail
	if mail == nil {
		mail = mailSender(cfg.Mail)
	}
	sender := notify.EmailSender{Mail: mail}
	bus := &events.Bus{Store: a.Store, Now: opts.Now}
	if cfg.Mail.NotifyFailures {
		bus.Notifiers = append(bus.Notifiers, notify.NewFailureMailer(mail))
	}

	bounds := payment.Bounds{Min: pricing.Money(cfg.Payment.MinAmount), Max: pricing.Money(cfg.Payment.MaxAmount)}
	a.Providers = a.providers(bounds)
	a.Payables = payables.NewRegistry(pricing.Policy{
		Rate:    cfg.Payment.ProcessingFeeRate,
		Minimum: pricing.Money(cfg.Payment.ProcessingFeeMin),
	}, logger.With().Str("component", "payables").Logger())

	renderer, err := invoice.NewHTMLRenderer(cfg.Invoice.RenderDir, cfg.Invoice.BaseURL)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("invoice renderer: %w", err)
	}
	a.Invoices = &invoice.Generator{
		Store:    a.Store,
		Payables: a.Payables,
		Renderer: renderer,
		Sender:   sender,
		Activity: bus,
		Logger:   logger.With().Str("component", "invoice").Logger(),
		Now:      opts.Now,
	}
	a.Handlers = &sideeffects.Handlers{
		Store:    a.Store,
		Invoices: a.Invoices,
		Sender:   sender,
		Logger:   logger.With().Str("component", "sideeffects").Logger(),
	}
	runner, err := a.runner()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Effects = &sideeffects.Dispatcher{Runner: runner, Logger: a.Handlers.Logger}

	a.Engine = &billing.Engine{
		Store:           a.Store,
		Payables:        a.Payables,
		Providers:       a.Providers,
		DefaultProvider: cfg.Payment.DefaultProvider,
		Bounds:          bounds,
		Effects:         a.Effects,
		Activity:        bus,
		Currency:        cfg.Payment.Currency,
		TTL:             cfg.Payment.TransactionTTL,
		CallbackURL:     cfg.Payment.CallbackURL,
		Logger:          logger.With().Str("component", "billing").Logger(),
		Now:             opts.Now,
	}
	a.Webhooks = &webhook.Processor{
		Store:     a.Store,
		Providers: a.Providers,
		Engine:    a.Engine,
		ReplayTTL: cfg.Payment.WebhookReplayTTL,
		Logger:    logger.With().Str("component", "webhook").Logger(),
		Now:       opts.Now,
	}
	if a.Redis != nil {
		a.Webhooks.Replay = webhook.RedisReplayGuard{Client: a.Redis, Prefix: cfg.Queue.Prefix + ":webhook:"}
	}

	a.Verifier, err = auth.NewVerifier(auth.VerifierConfig{
		Secret:   cfg.JWTSecret,
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) connect(ctx context.Context, opts Options) error {
	cfg := a.Config
	switch cfg.StorageDriver {
	case "memory":
		a.Store = store.NewMemory(opts.Now)
	default:
		poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("parse database config: %w", err)
		}
		poolConfig.ConnConfig.Tracer = obs.PGXTracer{}
		if poolConfig.ConnConfig.RuntimeParams == nil {
			poolConfig.ConnConfig.RuntimeParams = map[string]string{}
		}
		poolConfig.ConnConfig.RuntimeParams["application_name"] = opts.Name
		pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		a.Pool = pool
		if err := pool.Ping(ctx); err != nil {
			return fmt.Errorf("ping database: %w", err)
		}
		a.Store = store.NewPostgres(pool)
		a.DLQ = queue.NewStore(pool)
	}

	if cfg.RedisURL == "" {
		return nil
	}
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}
	a.Redis = redis.NewClient(redisOpts)
	if err := redisotel.InstrumentTracing(a.Redis); err != nil {
		a.Logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if opts.MetricsEnabled {
		if err := redisotel.InstrumentMetrics(a.Redis); err != nil {
			a.Logger.Error().Err(err).Msg("instrument redis metrics")
		}
	}
	if err := a.Redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

func (a *App) providers(bounds payment.Bounds) *payment.Registry {
	cfg := a.Config.Payment
	gateway := obs.NewGatewayHTTPClient(cfg.GatewayTimeout)
	providers := []payment.Provider{
		payment.NewMidtrans(payment.MidtransConfig{
			ServerKey:  cfg.MidtransServerKey,
			ClientKey:  cfg.MidtransClientKey,
			Production: cfg.MidtransProduction,
			Live:       cfg.MidtransLive,
			Currency:   cfg.Currency,
			Bounds:     bounds,
			HTTPClient: gateway,
		}),
	}
	if cfg.XenditSecretKey != "" {
		breaker := resilience.NewBreaker(5, 0.5, 30*time.Second).
			WithTarget("xendit").
			WithLogger(a.Logger)
		providers = append(providers, payment.NewXendit(payment.XenditConfig{
			SecretKey: cfg.XenditSecretKey,
			BaseURL:   cfg.XenditBaseURL,
			Currency:  cfg.Currency,
			Bounds:    bounds,
		}, resilience.HTTPClient{
			Client:  gateway,
			Breaker: breaker,
			Target:  "xendit",
			Timeout: cfg.GatewayTimeout,
		}))
	}
	return payment.NewRegistry(providers...)
}

func (a *App) runner() (sideeffects.Runner, error) {
	q := a.Config.Queue
	switch q.Driver {
	case "inline":
		a.inline = &sideeffects.InlineRunner{Handlers: a.Handlers, Logger: a.Handlers.Logger}
		return a.inline, nil
	case "asynq":
		opt, err := asynq.ParseRedisURI(a.Config.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse asynq redis uri: %w", err)
		}
		a.asynq = asynq.NewClient(opt)
		return sideeffects.AsynqRunner{Client: a.asynq, MaxRetry: q.MaxAttempts}, nil
	default:
		if a.Redis == nil {
			return nil, errors.New("redis queue driver requires REDIS_URL")
		}
		return sideeffects.QueueRunner{
			Queue: queue.Enqueuer{
				R:           a.Redis,
				Prefix:      q.Prefix,
				DedupTTL:    a.Config.Payment.IdempotencyTTL,
				MaxAttempts: q.MaxAttempts,
			},
			MaxAttempts: q.MaxAttempts,
		}, nil
	}
}

func mailSender(cfg config.Mail) common.EmailSender {
	if cfg.SMTPAddr == "" {
		return common.NopEmailSender{}
	}
	return common.SMTPSender{Addr: cfg.SMTPAddr, Username: cfg.SMTPUser, Password: cfg.SMTPPass, From: cfg.From}
}

// Worker returns the follow-up executor used by queue consumers.
func (a *App) Worker() sideeffects.Worker {
	return sideeffects.Worker{
		Handlers: a.Handlers,
		Locker:   lock.Locker{R: a.Redis, Prefix: a.Config.Queue.Prefix, RetryBackoff: 100 * time.Millisecond},
		LockTTL:  a.Config.Queue.LockTTL,
	}
}

// Probes returns readiness checks for the connected dependencies.
func (a *App) Probes() map[string]health.Probe {
	probes := map[string]health.Probe{}
	if a.Pool != nil {
		probes["db"] = func(ctx context.Context) error { return a.Pool.Ping(ctx) }
	}
	if a.Redis != nil {
		probes["redis"] = func(ctx context.Context) error { return a.Redis.Ping(ctx).Err() }
	}
	return probes
}

// Mount registers health and payment routes on r.
func (a *App) Mount(r chi.Router) {
	healthHandler := health.Handler{Probes: a.Probes()}
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)

	authn := auth.Authenticator{Tokens: a.Verifier}
	payments := &billing.Handler{
		Engine:   a.Engine,
		Validate: a.Validate,
		Guard:    []func(http.Handler) http.Handler{a.rateLimit().Middleware},
	}
	if a.Redis != nil {
		payments.Idempotency = common.Idem{R: a.Redis, TTL: a.Config.Payment.IdempotencyTTL}.Middleware
	}
	invoices := &invoice.Handler{Generator: a.Invoices, Validate: a.Validate}
	hooks := &webhook.Handler{Processor: a.Webhooks}

	r.Route("/api/v1", func(v chi.Router) {
		v.Use(a.securityHeaders().Middleware)
		v.Group(func(p chi.Router) {
			p.Use(authn.Require)
			payments.Routes(p)
			invoices.Routes(p)
		})
		v.Group(func(w chi.Router) {
			w.Use(security.BodyLimit{Max: a.Config.Security.MaxWebhookBytes}.Middleware)
			hooks.Routes(w)
		})
	})
}

func (a *App) rateLimit() ratelimit.Guard {
	cfg := a.Config.Payment
	prefix := a.Config.Queue.Prefix + ":ratelimit:"
	g := ratelimit.Guard{
		Quota:   ratelimit.Quota{Max: cfg.RateLimitMax, Window: cfg.RateLimitWindow},
		Key:     ratelimit.KeyByCaller("payments"),
		OnError: func(err error) { a.Logger.Warn().Err(err).Msg("rate limiter unavailable, failing open") },
		Limiter: ratelimit.SlidingWindow{Client: a.Redis, Prefix: prefix},
	}
	if a.Redis == nil {
		g.Limiter = ratelimit.FixedWindow{Store: limitermemory.NewStore()}
		return g
	}
	if cfg.RateLimitStrategy != "fixed" {
		return g
	}
	fixed, err := ratelimit.NewRedisFixedWindow(a.Redis, strings.TrimSuffix(prefix, ":"))
	if err != nil {
		a.Logger.Error().Err(err).Msg("fixed window limiter unavailable, using sliding window")
		return g
	}
	g.Limiter = fixed
	return g
}

// Drain waits for in-process follow-ups started by the inline runner.
func (a *App) Drain() {
	if a.inline != nil {
		a.inline.Wait()
	}
}

// Close releases connections. It is safe on a partially built App.
func (a *App) Close() {
	if a.asynq != nil {
		if err := a.asynq.Close(); err != nil {
			a.Logger.Error().Err(err).Msg("close asynq client")
		}
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Logger.Error().Err(err).Msg("close redis")
		}
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
}

func (a *App) securityHeaders() security.Headers {
	h := security.Headers{TrustForwardedProto: a.Config.Security.TrustProxy}
	if a.Config.Security.HSTS {
		h.HSTS = 365 * 24 * time.Hour
		h.HSTSSubdomains = true
	}
	return h
}
