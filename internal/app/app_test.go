package app_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/paycore/internal/app"
	"github.com/noah-isme/paycore/internal/billing"
	"github.com/noah-isme/paycore/internal/common"
	"github.com/noah-isme/paycore/internal/config"
	"github.com/noah-isme/paycore/internal/ledger"
	"github.com/noah-isme/paycore/internal/payables"
	"github.com/noah-isme/paycore/internal/payment"
	"github.com/noah-isme/paycore/internal/store"
)

const secret = "app-test-secret"

type harness struct {
	app    *app.App
	mem    *store.Memory
	outbox *common.InMemoryEmail
	router http.Handler
	user   payables.User
	token  string
}

func newHarness(t *testing.T, env map[string]string) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	base := map[string]string{
		"STORAGE_DRIVER":         "memory",
		"QUEUE_DRIVER":           "inline",
		"REDIS_URL":              "redis://" + mr.Addr(),
		"JWT_SECRET":             secret,
		"JWT_ISSUER":             "",
		"JWT_AUDIENCE":           "",
		"MIDTRANS_SERVER_KEY":    "server-key",
		"MIDTRANS_LIVE":          "",
		"XENDIT_SECRET_KEY":      "",
		"PAYMENT_RATE_LIMIT_MAX": "",
		"SMTP_ADDR":              "",
	}
	for k, v := range env {
		base[k] = v
	}
	cfg, err := config.LoadForTests(base)
	require.NoError(t, err)

	outbox := &common.InMemoryEmail{}
	a, err := app.New(context.Background(), cfg, zerolog.Nop(), app.Options{Mail: outbox})
	require.NoError(t, err)
	t.Cleanup(a.Close)

	mem, ok := a.Store.(*store.Memory)
	require.True(t, ok)
	user := payables.User{ID: uuid.New(), Name: "Rina", Email: "rina@example.com"}
	mem.PutUser(user)
	mem.PutMembershipFee(user.ID, 500)

	r := chi.NewRouter()
	a.Mount(r)

	tok, err := jwt.NewBuilder().Subject(user.ID.String()).Expiration(time.Now().Add(time.Hour)).Build()
	require.NoError(t, err)
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, []byte(secret)))
	require.NoError(t, err)

	return &harness{app: a, mem: mem, outbox: outbox, router: r, user: user, token: string(signed)}
}

func (h *harness) do(method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+h.token)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func (h *harness) membershipBody() string {
	return `{"referenceType":"MEMBERSHIP","referenceId":"` + h.user.ID.String() + `"}`
}

func TestMembershipPaidThroughWebhook(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(http.MethodPost, "/api/v1/payments/initiate", h.membershipBody(), map[string]string{"Idempotency-Key": "init-1"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	var created struct {
		Data billing.InitiateResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	txn := created.Data.Transaction
	require.EqualValues(t, 500, txn.Amount)

	replay := h.do(http.MethodPost, "/api/v1/payments/initiate", h.membershipBody(), map[string]string{"Idempotency-Key": "init-1"})
	require.Equal(t, http.StatusCreated, replay.Code)
	require.Equal(t, "true", replay.Header().Get("Idempotent-Replayed"))
	require.Len(t, h.mem.Transactions(), 1)

	provider, err := h.app.Providers.Get("midtrans")
	require.NoError(t, err)
	mt := provider.(*payment.Midtrans)
	payload, err := json.Marshal(map[string]string{
		"transaction_id":     "pay-1",
		"order_id":           txn.ProviderOrderID,
		"status_code":        "200",
		"gross_amount":       "500.00",
		"currency":           "IDR",
		"transaction_status": "settlement",
		"payment_type":       "bank_transfer",
		"transaction_time":   "2026-05-01 16:05:00",
		"signature_key":      mt.NotificationSignature(txn.ProviderOrderID, "200", "500.00"),
	})
	require.NoError(t, err)

	hook := httptest.NewRecorder()
	h.router.ServeHTTP(hook, httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/payment/midtrans", strings.NewReader(string(payload))))
	require.Equal(t, http.StatusOK, hook.Code)
	h.app.Drain()

	rec = h.do(http.MethodGet, "/api/v1/payments/"+txn.ID.String(), "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"COMPLETED"`)
	require.NotNil(t, h.mem.Membership(h.user.ID).ValidUntil)

	inv, err := h.mem.GetInvoiceByTransaction(context.Background(), txn.ID)
	require.NoError(t, err)
	require.Equal(t, 1, inv.EmailSendCount)

	rec = h.do(http.MethodGet, "/api/v1/payments/"+txn.ID.String()+"/invoice", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), inv.Number)

	rec = h.do(http.MethodPost, "/api/v1/payments/"+txn.ID.String()+"/invoice/resend", `{"email":"finance@example.com"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	inv, err = h.mem.GetInvoiceByTransaction(context.Background(), txn.ID)
	require.NoError(t, err)
	require.Equal(t, 2, inv.EmailSendCount)

	webhooks := h.mem.Webhooks()
	require.Len(t, webhooks, 1)
	require.Equal(t, ledger.WebhookProcessed, webhooks[0].Status)
}

func TestPaymentRoutesRequireToken(t *testing.T) {
	h := newHarness(t, nil)

	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/payments/calculate", strings.NewReader(h.membershipBody())))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(http.MethodPost, "/api/v1/payments/calculate", h.membershipBody(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestInitiateIsRateLimitedPerCaller(t *testing.T) {
	h := newHarness(t, map[string]string{"PAYMENT_RATE_LIMIT_MAX": "1", "PAYMENT_RATE_LIMIT_STRATEGY": "fixed"})

	rec := h.do(http.MethodPost, "/api/v1/payments/initiate", h.membershipBody(), nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = h.do(http.MethodPost, "/api/v1/payments/initiate", h.membershipBody(), nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Contains(t, rec.Body.String(), "RATE_LIMITED")
}

func TestWebhookRejectsOversizedBody(t *testing.T) {
	h := newHarness(t, map[string]string{"SECURITY_MAX_WEBHOOK_BYTES": "16"})

	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/payment/midtrans", strings.NewReader(`{"order_id":"a-very-long-order"}`)))
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	require.Empty(t, h.mem.Webhooks())
}

func TestReadinessProbesRedis(t *testing.T) {
	h := newHarness(t, nil)

	require.Contains(t, h.app.Probes(), "redis")
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestNewRejectsUnreachableDatabase(t *testing.T) {
	cfg, err := config.LoadForTests(map[string]string{
		"STORAGE_DRIVER": "postgres",
		"DATABASE_URL":   "postgres://paycore@127.0.0.1:1/paycore?connect_timeout=1",
		"QUEUE_DRIVER":   "inline",
		"REDIS_URL":      "",
		"JWT_SECRET":     secret,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err = app.New(ctx, cfg, zerolog.Nop(), app.Options{})
	require.Error(t, err)
}
