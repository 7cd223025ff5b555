package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func baseEnv() map[string]string {
	return map[string]string{
		"STORAGE_DRIVER":              "memory",
		"QUEUE_DRIVER":                "inline",
		"JWT_SECRET":                  "secret",
		"DATABASE_URL":                "",
		"REDIS_URL":                   "",
		"PAYMENT_PROCESSING_FEE_RATE": "",
		"PAYMENT_MIN_AMOUNT":          "",
		"PAYMENT_MAX_AMOUNT":          "",
		"PAYMENT_DEFAULT_PROVIDER":    "",
		"PAYMENT_TRANSACTION_TTL":     "",
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadForTests(baseEnv())
	require.NoError(t, err)
	require.Equal(t, "memory", cfg.StorageDriver)
	require.Equal(t, "midtrans", cfg.Payment.DefaultProvider)
	require.Equal(t, "IDR", cfg.Payment.Currency)
	require.Equal(t, 24*time.Hour, cfg.Payment.TransactionTTL)
	require.Equal(t, "0.02", cfg.Payment.ProcessingFeeRate.String())
	require.Equal(t, int64(500), cfg.Payment.ProcessingFeeMin)
	require.Equal(t, ":8080", cfg.HTTPAddr())
}

func TestLoadOverrides(t *testing.T) {
	env := baseEnv()
	env["PAYMENT_DEFAULT_PROVIDER"] = "Xendit"
	env["PAYMENT_PROCESSING_FEE_RATE"] = "0.015"
	env["PAYMENT_TRANSACTION_TTL"] = "30m"
	cfg, err := LoadForTests(env)
	require.NoError(t, err)
	require.Equal(t, "xendit", cfg.Payment.DefaultProvider)
	require.Equal(t, "0.015", cfg.Payment.ProcessingFeeRate.String())
	require.Equal(t, 30*time.Minute, cfg.Payment.TransactionTTL)
}

func TestLoadValidation(t *testing.T) {
	cases := map[string]func(map[string]string){
		"postgres without url":    func(e map[string]string) { e["STORAGE_DRIVER"] = "postgres" },
		"redis queue without url": func(e map[string]string) { e["QUEUE_DRIVER"] = "redis" },
		"missing jwt secret":      func(e map[string]string) { e["JWT_SECRET"] = "" },
		"fee rate too high":       func(e map[string]string) { e["PAYMENT_PROCESSING_FEE_RATE"] = "1.5" },
		"inverted bounds": func(e map[string]string) {
			e["PAYMENT_MIN_AMOUNT"] = "5000"
			e["PAYMENT_MAX_AMOUNT"] = "100"
		},
		"unknown storage": func(e map[string]string) { e["STORAGE_DRIVER"] = "sqlite" },
		"unknown limiter": func(e map[string]string) { e["PAYMENT_RATE_LIMIT_STRATEGY"] = "token-bucket" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			env := baseEnv()
			mutate(env)
			_, err := LoadForTests(env)
			require.Error(t, err)
		})
	}
}

func TestLoadReportsMalformedValues(t *testing.T) {
	env := baseEnv()
	env["PAYMENT_TRANSACTION_TTL"] = "a day"
	env["QUEUE_CONCURRENCY"] = "four"
	env["SECURITY_HSTS"] = "maybe"

	_, err := LoadForTests(env)
	require.Error(t, err)
	for _, key := range []string{"PAYMENT_TRANSACTION_TTL", "QUEUE_CONCURRENCY", "SECURITY_HSTS"} {
		require.ErrorContains(t, err, key)
	}
}

func TestLoadForTestsLeavesEnvironmentAlone(t *testing.T) {
	t.Setenv("PAYMENT_CURRENCY", "USD")
	env := baseEnv()
	env["PAYMENT_CURRENCY"] = "sgd"

	cfg, err := LoadForTests(env)
	require.NoError(t, err)
	require.Equal(t, "SGD", cfg.Payment.Currency)

	cfg, err = LoadForTests(baseEnv())
	require.NoError(t, err)
	require.Equal(t, "USD", cfg.Payment.Currency)
}
