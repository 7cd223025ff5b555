package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	"github.com/noah-isme/paycore/internal/common"
)

type brokenLimiter struct{}

func (brokenLimiter) Take(context.Context, string, Quota) (Decision, error) {
	return Decision{}, errors.New("redis: connection refused")
}

func created() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})
}

func asCaller(id string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/payments/initiate", nil)
	return req.WithContext(common.WithCaller(req.Context(), id))
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestGuardRejectsOverQuota(t *testing.T) {
	limiter, _ := newSliding(t)
	h := Guard{
		Limiter: limiter,
		Quota:   Quota{Max: 1, Window: time.Minute},
		Key:     KeyByCaller("initiate"),
	}.Middleware(created())

	rec := serve(h, asCaller("user-1"))
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, "1", rec.Header().Get("X-RateLimit-Limit"))
	require.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	rec = serve(h, asCaller("user-1"))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Contains(t, rec.Body.String(), "RATE_LIMITED")
	require.NotEmpty(t, rec.Header().Get("Retry-After"))

	// another caller has its own budget
	require.Equal(t, http.StatusCreated, serve(h, asCaller("user-2")).Code)
}

func TestGuardFailsOpen(t *testing.T) {
	var reported error
	h := Guard{
		Limiter: brokenLimiter{},
		Quota:   Quota{Max: 1, Window: time.Minute},
		Key:     KeyByCaller("initiate"),
		OnError: func(err error) { reported = err },
	}.Middleware(created())

	rec := serve(h, asCaller("user-1"))
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Empty(t, rec.Header().Get("X-RateLimit-Limit"))
	require.ErrorContains(t, reported, "connection refused")
}

func TestGuardWithoutQuotaPassesThrough(t *testing.T) {
	h := Guard{Limiter: FixedWindow{Store: memory.NewStore()}, Key: KeyByCaller("initiate")}.Middleware(created())
	for range 3 {
		require.Equal(t, http.StatusCreated, serve(h, asCaller("user-1")).Code)
	}
}

func TestKeyByCallerFallsBackToIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/payments/initiate", nil)
	req.RemoteAddr = "10.0.0.7:5123"
	require.Equal(t, "verify:ip:10.0.0.7", KeyByCaller("verify")(req))
	require.Equal(t, "verify:user:u-9", KeyByCaller("verify")(asCaller("u-9")))
}

func TestRetryAfterRoundsUp(t *testing.T) {
	require.Equal(t, 2, retryAfter(time.Now().Add(1500*time.Millisecond)))
	require.Zero(t, retryAfter(time.Now().Add(-time.Second)))
}
