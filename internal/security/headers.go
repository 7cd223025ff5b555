package security

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Headers hardens payment API responses. Responses carry checkout tokens and
// are never cacheable.
type Headers struct {
	// HSTS is the Strict-Transport-Security max-age; zero disables it.
	HSTS           time.Duration
	HSTSSubdomains bool
	// TrustForwardedProto treats X-Forwarded-Proto: https as TLS, for
	// deployments behind a terminating proxy.
	TrustForwardedProto bool
}

var staticHeaders = [][2]string{
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"Referrer-Policy", "no-referrer"},
	{"Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'"},
	{"Cache-Control", "no-store"},
	{"Pragma", "no-cache"},
}

func (h Headers) Middleware(next http.Handler) http.Handler {
	hsts := h.hstsValue()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dst := w.Header()
		for _, kv := range staticHeaders {
			dst.Set(kv[0], kv[1])
		}
		if hsts != "" && h.secure(r) {
			dst.Set("Strict-Transport-Security", hsts)
		}
		next.ServeHTTP(w, r)
	})
}

func (h Headers) hstsValue() string {
	if h.HSTS <= 0 {
		return ""
	}
	v := "max-age=" + strconv.FormatInt(int64(h.HSTS/time.Second), 10)
	if h.HSTSSubdomains {
		v += "; includeSubDomains"
	}
	return v
}

func (h Headers) secure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	return h.TrustForwardedProto && strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}
