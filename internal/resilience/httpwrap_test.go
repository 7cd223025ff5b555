package resilience_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/paycore/internal/resilience"
)

func TestHTTPClientSendsChargeOnce(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error_code":"SERVER_ERROR"}`))
	}))
	defer srv.Close()

	cl := resilience.HTTPClient{Client: srv.Client(), Target: "charge-test"}
	req, err := http.NewRequest(http.MethodPost, srv.URL, strings.NewReader(`{"amount":500}`))
	require.NoError(t, err)

	resp, err := cl.Do(context.Background(), req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
	require.Equal(t, 1.0, testutil.ToFloat64(resilience.GatewayRequestsTotal.WithLabelValues("charge-test", "5xx")))
}

func TestHTTPClientFailuresOpenBreaker(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	breaker := resilience.NewBreaker(2, 0.5, time.Minute)
	cl := resilience.HTTPClient{Client: srv.Client(), Breaker: breaker, Target: "flaky-test"}
	for i := 0; i < 2; i++ {
		req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
		require.NoError(t, err)
		resp, err := cl.Do(context.Background(), req)
		require.NoError(t, err)
		resp.Body.Close()
	}
	require.Equal(t, resilience.Open, breaker.State())

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	_, err = cl.Do(context.Background(), req)
	require.ErrorIs(t, err, resilience.ErrOpenCircuit)
	require.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestHTTPClientTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	cl := resilience.HTTPClient{Client: srv.Client(), Target: "slow-test", Timeout: 20 * time.Millisecond}
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	_, err = cl.Do(context.Background(), req)
	require.Error(t, err)
	require.True(t, errors.Is(err, context.DeadlineExceeded))
	require.Equal(t, 1.0, testutil.ToFloat64(resilience.GatewayRequestsTotal.WithLabelValues("slow-test", "timeout")))
}
