package resilience

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"
)

// HTTPClient guards outbound gateway calls with a per-call timeout and a
// circuit breaker. Every call is a single attempt: a charge request that timed
// out may still have been accepted, so repeating it is left to the caller's
// status check.
type HTTPClient struct {
	Client  *http.Client
	Breaker *Breaker
	Target  string
	Timeout time.Duration
}

// Do sends req. Transport errors and 5xx responses count against the breaker;
// a 5xx is still returned to the caller so the gateway's error body can be
// read. ErrOpenCircuit is returned without calling out while the breaker
// refuses traffic.
func (cl HTTPClient) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if cl.Client == nil {
		return nil, errors.New("resilience: http client not configured")
	}
	if cl.Breaker != nil && !cl.Breaker.Allow(ctx) {
		cl.observe("open")
		return nil, ErrOpenCircuit
	}

	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout := cl.timeout(); timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	resp, err := cl.Client.Do(req.Clone(callCtx))
	switch {
	case err != nil:
		cancel()
		cl.report(ctx, false)
		if errors.Is(err, context.DeadlineExceeded) {
			cl.observe("timeout")
		} else {
			cl.observe("error")
		}
		return nil, err
	case resp.StatusCode >= http.StatusInternalServerError:
		cl.report(ctx, false)
		cl.observe("5xx")
	default:
		cl.report(ctx, true)
		cl.observe("ok")
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

func (cl HTTPClient) timeout() time.Duration {
	if cl.Timeout > 0 {
		return cl.Timeout
	}
	return cl.Client.Timeout
}

func (cl HTTPClient) report(ctx context.Context, ok bool) {
	if cl.Breaker != nil {
		cl.Breaker.Report(ctx, ok)
	}
}

func (cl HTTPClient) observe(outcome string) {
	target := cl.Target
	if target == "" {
		target = "default"
	}
	GatewayRequestsTotal.WithLabelValues(target, outcome).Inc()
}

// cancelOnClose keeps the call deadline alive until the body is consumed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
