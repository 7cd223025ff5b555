package security

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func echoBody(t *testing.T, seen *string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		*seen = string(data)
		w.WriteHeader(http.StatusOK)
	})
}

func TestBodyLimitReplaysExactPayload(t *testing.T) {
	var seen string
	payload := `{"order_id":"PAY-1"}`
	handler := BodyLimit{Max: int64(len(payload))}.Middleware(echoBody(t, &seen))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/payment/midtrans", strings.NewReader(payload)))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, payload, seen)
}

func TestBodyLimitRejectsStreamedOversizedBody(t *testing.T) {
	var seen string
	handler := BodyLimit{Max: 5}.Middleware(echoBody(t, &seen))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/payment/xendit", strings.NewReader("excessive"))
	req.ContentLength = -1
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	require.Contains(t, rec.Body.String(), `"maxBytes":5`)
	require.Empty(t, seen)
}

func TestBodyLimitRejectsDeclaredLength(t *testing.T) {
	var seen string
	handler := BodyLimit{Max: 5}.Middleware(echoBody(t, &seen))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/payment/midtrans", strings.NewReader("short"))
	req.ContentLength = 100
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}
