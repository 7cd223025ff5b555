package common

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// IdempotencyHeader names the client-chosen key of a retryable write.
const IdempotencyHeader = "Idempotency-Key"

// Idem makes writes carrying an Idempotency-Key safe to retry. The first
// request with a key runs; later ones replay its response. A repeat that
// arrives while the first is running gets 409, and reusing a key with a
// different body gets 422.
type Idem struct {
	R   redis.UniversalClient
	TTL time.Duration
}

// idemRecord is what redis holds per key. Status zero means still running.
type idemRecord struct {
	Fingerprint string          `json:"fp"`
	Status      int             `json:"status,omitempty"`
	Body        json.RawMessage `json:"body,omitempty"`
}

func (i Idem) Middleware(next http.Handler) http.Handler {
	if i.R == nil {
		return next
	}
	ttl := i.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientKey := r.Header.Get(IdempotencyHeader)
		if clientKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			WriteError(w, NewAppError("BAD_REQUEST", "unreadable request body", http.StatusBadRequest, err))
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		ctx := r.Context()
		key := idemKey(r, clientKey)
		fp := fingerprint(body)
		pending, _ := json.Marshal(idemRecord{Fingerprint: fp})
		claimed, err := i.R.SetNX(ctx, key, pending, ttl).Result()
		if err != nil {
			JSONError(w, http.StatusServiceUnavailable, "IDEMPOTENCY_UNAVAILABLE", "retry later", nil)
			return
		}
		if !claimed {
			i.replay(ctx, w, key, fp)
			return
		}

		rec := &capturingWriter{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			bg := context.WithoutCancel(ctx)
			if rec.status >= http.StatusInternalServerError || !json.Valid(rec.body.Bytes()) {
				// let the client retry with the same key
				_ = i.R.Del(bg, key).Err()
				return
			}
			done, _ := json.Marshal(idemRecord{Fingerprint: fp, Status: rec.status, Body: rec.body.Bytes()})
			_ = i.R.Set(bg, key, done, ttl).Err()
		}()
		next.ServeHTTP(rec, r)
	})
}

func (i Idem) replay(ctx context.Context, w http.ResponseWriter, key, fp string) {
	raw, err := i.R.Get(ctx, key).Bytes()
	if err != nil {
		JSONError(w, http.StatusConflict, "IDEMPOTENT_REPLAY", "duplicate request in progress", nil)
		return
	}
	var rec idemRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		JSONError(w, http.StatusConflict, "IDEMPOTENT_REPLAY", "duplicate request", nil)
		return
	}
	switch {
	case rec.Fingerprint != fp:
		JSONError(w, http.StatusUnprocessableEntity, "IDEMPOTENCY_KEY_REUSED", "idempotency key was used with a different request body", nil)
	case rec.Status == 0:
		JSONError(w, http.StatusConflict, "IDEMPOTENT_REPLAY", "duplicate request in progress", nil)
	default:
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Header().Set("Idempotent-Replayed", "true")
		w.WriteHeader(rec.Status)
		_, _ = w.Write(rec.Body)
	}
}

// idemKey scopes a client key to the caller and route.
func idemKey(r *http.Request, clientKey string) string {
	caller, _ := CallerID(r.Context())
	h := sha256.New()
	for _, part := range []string{caller, r.Method, r.URL.Path, clientKey} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return "idem:" + hex.EncodeToString(h.Sum(nil))
}

func fingerprint(body []byte) string {
	sum := sha256.Sum256(bytes.TrimSpace(body))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

type capturingWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (w *capturingWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *capturingWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}
