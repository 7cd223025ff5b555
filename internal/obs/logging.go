package obs

import (
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/paycore/internal/common"
)

// NewLogger builds the process logger. format "console" or "text" switches to
// the human-readable writer; anything else logs JSON to stdout.
func NewLogger(format, level string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	var out io.Writer = os.Stdout
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "console", "text":
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}
	}
	return zerolog.New(out).With().Timestamp().Logger()
}

// RequestLogger writes one access log line per request. Query strings are
// never logged since gateway redirects carry order ids in them.
type RequestLogger struct {
	Logger zerolog.Logger
}

func (l RequestLogger) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := NewStatusRecorder(w)
		start := time.Now()
		next.ServeHTTP(rec, r)

		status := rec.Status()
		var evt *zerolog.Event
		switch {
		case status >= http.StatusInternalServerError:
			evt = l.Logger.Error()
		case status >= http.StatusBadRequest:
			evt = l.Logger.Warn()
		default:
			evt = l.Logger.Info()
		}
		evt = evt.
			Str("method", r.Method).
			Str("route", matchedRoute(r)).
			Str("path", r.URL.Path).
			Int("status", status).
			Float64("duration_ms", DurationMillis(time.Since(start))).
			Int64("bytes", rec.BytesWritten()).
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("client_ip", common.ClientIP(r))

		if sc := trace.SpanContextFromContext(r.Context()); sc.IsValid() {
			evt = evt.Str("trace_id", sc.TraceID().String())
		}
		if userID, ok := common.CallerID(r.Context()); ok {
			evt = evt.Str("user_id", userID)
		}
		if provider := chi.URLParam(r, "provider"); provider != "" {
			evt = evt.Str("provider", Label(provider))
		}
		if id := chi.URLParam(r, "id"); id != "" {
			evt = evt.Str("transaction_id", id)
		}
		if r.Header.Get("Idempotency-Key") != "" {
			evt = evt.Bool("idempotent", true)
		}
		if w.Header().Get("Idempotent-Replayed") == "true" {
			evt = evt.Bool("replayed", true)
		}
		evt.Msg("http_request")
	})
}
