package health

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/noah-isme/paycore/internal/common"
)

var draining atomic.Bool

// SetReady flips process readiness. The API clears it on SIGTERM so load
// balancers stop routing new payments while in-flight ones finish.
func SetReady(v bool) { draining.Store(!v) }

// Probe checks one dependency.
type Probe func(ctx context.Context) error

// Report is the readiness body.
type Report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves /health/live and /health/ready.
type Handler struct {
	// Probes are keyed by dependency name, e.g. "db" or "redis".
	Probes  map[string]Probe
	Timeout time.Duration
}

func (h Handler) Live(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

// Ready runs every probe concurrently, each under Timeout.
func (h Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if draining.Load() {
		common.JSON(w, http.StatusServiceUnavailable, Report{Status: "draining"})
		return
	}
	rep := h.check(r.Context())
	code := http.StatusOK
	if rep.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	common.JSON(w, code, rep)
}

func (h Handler) check(ctx context.Context) Report {
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	rep := Report{Status: "ok", Checks: make(map[string]string, len(h.Probes))}
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for name, probe := range h.Probes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			result := "ok"
			if err := probe(pctx); err != nil {
				result = err.Error()
			}
			mu.Lock()
			rep.Checks[name] = result
			if result != "ok" {
				rep.Status = "unavailable"
			}
			mu.Unlock()
		}()
	}
	wg.Wait()
	return rep
}
