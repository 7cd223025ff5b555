package common

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

type callerKey struct{}

// ErrNoCaller is returned when a request carries no authenticated caller.
var ErrNoCaller = errors.New("common: no authenticated caller")

// WithCaller records the authenticated user id (the token subject).
func WithCaller(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, callerKey{}, strings.TrimSpace(id))
}

// CallerID returns the authenticated user id, if any.
func CallerID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(callerKey{}).(string)
	return id, ok && id != ""
}

// CallerUUID returns the caller as a UUID. Payment records are keyed by UUID,
// so a subject in any other shape is treated as unauthenticated.
func CallerUUID(ctx context.Context) (uuid.UUID, error) {
	raw, ok := CallerID(ctx)
	if !ok {
		return uuid.Nil, ErrNoCaller
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, errors.Join(ErrNoCaller, err)
	}
	return id, nil
}

// ClientIP returns the peer address without its port. The API runs behind
// chi's RealIP middleware, which has already folded X-Forwarded-For and
// X-Real-IP into RemoteAddr.
func ClientIP(r *http.Request) string {
	if r == nil {
		return ""
	}
	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
