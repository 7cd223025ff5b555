package obs_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/paycore/internal/obs"
)

func TestDomainMetricsCount(t *testing.T) {
	obs.MustRegisterDomainMetrics("paycore_test", prometheus.NewRegistry())

	before := testutil.ToFloat64(obs.PaymentWebhookTotal.WithLabelValues("midtrans", "invalid_signature"))
	obs.CountWebhook(" Midtrans ", "invalid_signature")
	require.Equal(t, before+1, testutil.ToFloat64(obs.PaymentWebhookTotal.WithLabelValues("midtrans", "invalid_signature")))

	before = testutil.ToFloat64(obs.PaymentOperationsTotal.WithLabelValues("initiate", "unknown", "ok"))
	obs.CountOperation("initiate", "", "ok")
	require.Equal(t, before+1, testutil.ToFloat64(obs.PaymentOperationsTotal.WithLabelValues("initiate", "unknown", "ok")))
}

func TestGatewayHTTPClientSendsRequests(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	client := obs.NewGatewayHTTPClient(time.Second)
	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
}
