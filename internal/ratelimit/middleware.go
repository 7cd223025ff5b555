package ratelimit

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/noah-isme/paycore/internal/common"
)

// Quota is the number of events allowed per window. A non-positive Max or
// Window disables limiting.
type Quota struct {
	Max    int
	Window time.Duration
}

func (q Quota) unlimited() bool { return q.Max <= 0 || q.Window <= 0 }

// Decision is the outcome of one Take.
type Decision struct {
	Allowed   bool
	Remaining int
	Reset     time.Time
}

func (q Quota) open(now time.Time) Decision {
	return Decision{Allowed: true, Remaining: max(q.Max, 0), Reset: now.Add(q.Window)}
}

// Limiter spends one event of key's quota.
type Limiter interface {
	Take(ctx context.Context, key string, q Quota) (Decision, error)
}

// Guard rejects callers that exceeded their quota with 429. A failing
// limiter fails open.
type Guard struct {
	Limiter Limiter
	Quota   Quota
	Key     func(*http.Request) string
	OnError func(error)
}

func (g Guard) Middleware(next http.Handler) http.Handler {
	if g.Limiter == nil || g.Key == nil || g.Quota.unlimited() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d, err := g.Limiter.Take(r.Context(), g.Key(r), g.Quota)
		if err != nil {
			if g.OnError != nil {
				g.OnError(err)
			}
			next.ServeHTTP(w, r)
			return
		}

		h := w.Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(g.Quota.Max))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))
		if d.Allowed {
			next.ServeHTTP(w, r)
			return
		}
		h.Set("Retry-After", strconv.Itoa(retryAfter(d.Reset)))
		common.JSONError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many payment attempts, retry later", nil)
	})
}

// retryAfter rounds up so clients never retry a moment too early.
func retryAfter(reset time.Time) int {
	secs := math.Ceil(time.Until(reset).Seconds())
	return int(max(secs, 0))
}

// KeyByCaller scopes quotas to the authenticated caller, or to the client
// address for anonymous requests.
func KeyByCaller(scope string) func(*http.Request) string {
	return func(r *http.Request) string {
		if id, ok := common.CallerID(r.Context()); ok {
			return scope + ":user:" + id
		}
		return scope + ":ip:" + common.ClientIP(r)
	}
}
