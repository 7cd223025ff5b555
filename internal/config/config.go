package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
	"github.com/shopspring/decimal"
)

// Config is the process configuration, read from the environment.
type Config struct {
	AppEnv             string
	Version            string
	Port               string
	StorageDriver      string
	DatabaseURL        string
	RedisURL           string
	CORSAllowedOrigins []string
	ShutdownTimeout    time.Duration

	JWTSecret   string
	JWTIssuer   string
	JWTAudience string

	Payment  Payment
	Queue    Queue
	Invoice  Invoice
	Mail     Mail
	Security Security
	Obs      Obs
}

// Payment configures providers, pricing and transaction lifetime.
type Payment struct {
	DefaultProvider    string
	Currency           string
	TransactionTTL     time.Duration
	MinAmount          int64
	MaxAmount          int64
	ProcessingFeeRate  decimal.Decimal
	ProcessingFeeMin   int64
	WebhookReplayTTL   time.Duration
	GatewayTimeout     time.Duration
	CallbackURL        string
	MidtransServerKey  string
	MidtransClientKey  string
	MidtransProduction bool
	MidtransLive       bool
	XenditSecretKey    string
	XenditBaseURL      string
	// RateLimitStrategy is sliding or fixed.
	RateLimitStrategy string
	RateLimitWindow   time.Duration
	RateLimitMax      int
	IdempotencyTTL    time.Duration
}

// Queue configures how follow-ups run after a payment completes.
type Queue struct {
	// Driver is one of inline, redis or asynq.
	Driver            string
	Prefix            string
	Concurrency       int
	MaxAttempts       int
	VisibilityTimeout time.Duration
	RetryBase         time.Duration
	LockTTL           time.Duration
	DLQRefresh        time.Duration
}

type Invoice struct {
	RenderDir string
	BaseURL   string
}

// Mail configures outbound e-mail. An empty SMTPAddr disables delivery.
type Mail struct {
	SMTPAddr       string
	SMTPUser       string
	SMTPPass       string
	From           string
	NotifyFailures bool
}

type Security struct {
	MaxWebhookBytes int64
	HSTS            bool
	TrustProxy      bool
}

// Obs configures logging, metrics, tracing and profiling.
type Obs struct {
	LogFormat        string
	LogLevel         string
	Metrics          bool
	MetricsNamespace string
	MetricsBuckets   string
	Tracing          bool
	TracingExporter  string
	OTLPEndpoint     string
	SamplingRatio    float64
	Pprof            bool
	PprofUser        string
	PprofPass        string
}

// Load reads .env (when present) and the process environment.
func Load() (*Config, error) {
	return load(nil)
}

// LoadForTests layers env over the process environment without mutating it.
// An empty value behaves as unset.
func LoadForTests(env map[string]string) (*Config, error) {
	return load(env)
}

func load(extra map[string]string) (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("config: read environment: %w", err)
	}
	if len(extra) > 0 {
		if err := k.Load(overrides(extra), nil); err != nil {
			return nil, fmt.Errorf("config: apply overrides: %w", err)
		}
	}

	r := &reader{k: k}
	cfg := &Config{
		AppEnv:             r.str("APP_ENV", "development"),
		Version:            r.str("APP_VERSION", "dev"),
		Port:               r.str("PORT", "8080"),
		StorageDriver:      strings.ToLower(r.str("STORAGE_DRIVER", "postgres")),
		DatabaseURL:        r.str("DATABASE_URL", ""),
		RedisURL:           r.str("REDIS_URL", ""),
		CORSAllowedOrigins: r.list("CORS_ALLOWED_ORIGINS"),
		ShutdownTimeout:    r.duration("SHUTDOWN_TIMEOUT", 15*time.Second),
		JWTSecret:          r.secret("JWT_SECRET"),
		JWTIssuer:          r.str("JWT_ISSUER", ""),
		JWTAudience:        r.str("JWT_AUDIENCE", ""),
		Payment: Payment{
			DefaultProvider:    strings.ToLower(r.str("PAYMENT_DEFAULT_PROVIDER", "midtrans")),
			Currency:           strings.ToUpper(r.str("PAYMENT_CURRENCY", "IDR")),
			TransactionTTL:     r.duration("PAYMENT_TRANSACTION_TTL", 24*time.Hour),
			MinAmount:          r.int64("PAYMENT_MIN_AMOUNT", 100),
			MaxAmount:          r.int64("PAYMENT_MAX_AMOUNT", 100_000_000),
			ProcessingFeeRate:  r.decimal("PAYMENT_PROCESSING_FEE_RATE", "0.02"),
			ProcessingFeeMin:   r.int64("PAYMENT_PROCESSING_FEE_MINIMUM", 500),
			WebhookReplayTTL:   r.duration("PAYMENT_WEBHOOK_REPLAY_TTL", 72*time.Hour),
			GatewayTimeout:     r.duration("PAYMENT_GATEWAY_TIMEOUT", 15*time.Second),
			CallbackURL:        r.str("PAYMENT_CALLBACK_URL", ""),
			MidtransServerKey:  r.secret("MIDTRANS_SERVER_KEY"),
			MidtransClientKey:  r.secret("MIDTRANS_CLIENT_KEY"),
			MidtransProduction: r.flag("MIDTRANS_PRODUCTION", false),
			MidtransLive:       r.flag("MIDTRANS_LIVE", false),
			XenditSecretKey:    r.secret("XENDIT_SECRET_KEY"),
			XenditBaseURL:      r.str("XENDIT_BASE_URL", ""),
			RateLimitStrategy:  strings.ToLower(r.str("PAYMENT_RATE_LIMIT_STRATEGY", "sliding")),
			RateLimitWindow:    r.duration("PAYMENT_RATE_LIMIT_WINDOW", time.Minute),
			RateLimitMax:       r.integer("PAYMENT_RATE_LIMIT_MAX", 10),
			IdempotencyTTL:     r.duration("IDEMPOTENCY_TTL", 24*time.Hour),
		},
		Queue: Queue{
			Driver:            strings.ToLower(r.str("QUEUE_DRIVER", "redis")),
			Prefix:            r.str("QUEUE_PREFIX", "paycore"),
			Concurrency:       r.integer("QUEUE_CONCURRENCY", 4),
			MaxAttempts:       r.integer("QUEUE_MAX_ATTEMPTS", 5),
			VisibilityTimeout: r.duration("QUEUE_VISIBILITY_TIMEOUT", 30*time.Second),
			RetryBase:         r.duration("QUEUE_RETRY_BASE", 2*time.Second),
			LockTTL:           r.duration("QUEUE_LOCK_TTL", 30*time.Second),
			DLQRefresh:        r.duration("QUEUE_DLQ_REFRESH_INTERVAL", time.Minute),
		},
		Invoice: Invoice{
			RenderDir: r.str("INVOICE_RENDER_DIR", ""),
			BaseURL:   r.str("INVOICE_BASE_URL", ""),
		},
		Mail: Mail{
			SMTPAddr:       r.str("SMTP_ADDR", ""),
			SMTPUser:       r.str("SMTP_USER", ""),
			SMTPPass:       r.secret("SMTP_PASS"),
			From:           r.str("MAIL_FROM", "no-reply@paycore.local"),
			NotifyFailures: r.flag("NOTIFY_PAYMENT_FAILURES", true),
		},
		Security: Security{
			MaxWebhookBytes: r.int64("SECURITY_MAX_WEBHOOK_BYTES", 64<<10),
			HSTS:            r.flag("SECURITY_HSTS", false),
			TrustProxy:      r.flag("SECURITY_TRUST_PROXY", false),
		},
		Obs: Obs{
			LogFormat:        r.str("OBS_LOG_FORMAT", "json"),
			LogLevel:         r.str("OBS_LOG_LEVEL", "info"),
			Metrics:          r.flag("OBS_ENABLE_PROMETHEUS", true),
			MetricsNamespace: r.str("OBS_METRICS_NAMESPACE", "paycore"),
			MetricsBuckets:   r.str("OBS_METRICS_BUCKETS_MS", ""),
			Tracing:          r.flag("OBS_ENABLE_TRACING", true),
			TracingExporter:  r.str("OBS_TRACING_EXPORTER", "otlp"),
			OTLPEndpoint:     r.str("OBS_OTLP_ENDPOINT", ""),
			SamplingRatio:    r.float("OBS_TRACING_SAMPLING_RATIO", 1),
			Pprof:            r.flag("OBS_ENABLE_PPROF", false),
			PprofUser:        r.str("SECURE_PPROF_BASIC_AUTH_USER", ""),
			PprofPass:        r.secret("SECURE_PPROF_BASIC_AUTH_PASS"),
		},
	}

	if err := errors.Join(append(r.errs, cfg.validate()...)...); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() []error {
	var errs []error
	switch c.StorageDriver {
	case "postgres":
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for STORAGE_DRIVER=postgres"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("unsupported STORAGE_DRIVER %q", c.StorageDriver))
	}
	switch c.Queue.Driver {
	case "redis", "asynq":
		if c.RedisURL == "" {
			errs = append(errs, fmt.Errorf("REDIS_URL is required for QUEUE_DRIVER=%s", c.Queue.Driver))
		}
	case "inline":
	default:
		errs = append(errs, fmt.Errorf("unsupported QUEUE_DRIVER %q", c.Queue.Driver))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.Payment.MinAmount <= 0 || c.Payment.MaxAmount < c.Payment.MinAmount {
		errs = append(errs, errors.New("PAYMENT_MIN_AMOUNT must be positive and not above PAYMENT_MAX_AMOUNT"))
	}
	if c.Payment.ProcessingFeeRate.IsNegative() || c.Payment.ProcessingFeeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		errs = append(errs, errors.New("PAYMENT_PROCESSING_FEE_RATE must be in [0, 1)"))
	}
	if s := c.Payment.RateLimitStrategy; s != "sliding" && s != "fixed" {
		errs = append(errs, fmt.Errorf("unsupported PAYMENT_RATE_LIMIT_STRATEGY %q", s))
	}
	return errs
}

// HTTPAddr is the listen address derived from PORT.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	switch {
	case port == "":
		return ":8080"
	case strings.HasPrefix(port, ":"):
		return port
	}
	return ":" + port
}
