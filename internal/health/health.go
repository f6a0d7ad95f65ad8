// Package health serves the liveness and readiness probes of the relay.
//
//   - /healthz answers 200 while the process can serve HTTP.
//   - /readyz answers 200 only while the server accepts new calls and every
//     registered [Checker] passes. It flips to 503 as soon as [Handler.Drain]
//     is called so load balancers stop routing calls during shutdown.
//
// Bodies are JSON objects with a "status" field ("ok" or "fail") and, for
// /readyz, a "checks" map holding each checker's result.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Checker is a named readiness probe. Check returns nil when healthy.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

type result struct {
	Status      string            `json:"status"`
	ActiveCalls *int64            `json:"active_calls,omitempty"`
	Checks      map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz.
type Handler struct {
	checkers    []Checker
	activeCalls func() int64
	draining    atomic.Bool
}

// Option configures a [Handler].
type Option func(*Handler)

// WithActiveCalls reports the live call count from fn in both probes.
func WithActiveCalls(fn func() int64) Option {
	return func(h *Handler) { h.activeCalls = fn }
}

// New creates a [Handler] evaluating checkers on each /readyz request.
func New(checkers []Checker, opts ...Option) *Handler {
	h := &Handler{checkers: append([]Checker(nil), checkers...)}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Drain marks the server as no longer accepting calls.
func (h *Handler) Drain() { h.draining.Store(true) }

// Draining reports whether [Handler.Drain] has been called.
func (h *Handler) Draining() bool { return h.draining.Load() }

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok", ActiveCalls: h.calls()})
}

// Readyz runs all checkers concurrently, each under a [checkTimeout]
// deadline derived from the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	var (
		mu     sync.Mutex
		checks = make(map[string]string, len(h.checkers)+1)
		allOK  = true
	)

	var g errgroup.Group
	for _, c := range h.checkers {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()
			err := c.Check(ctx)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				checks[c.Name] = "fail: " + err.Error()
				allOK = false
			} else {
				checks[c.Name] = "ok"
			}
			return nil
		})
	}
	_ = g.Wait()

	if h.Draining() {
		checks["accepting_calls"] = "fail: draining"
		allOK = false
	}

	res := result{Status: "ok", ActiveCalls: h.calls(), Checks: checks}
	status := http.StatusOK
	if !allOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func (h *Handler) calls() *int64 {
	if h.activeCalls == nil {
		return nil
	}
	n := h.activeCalls()
	return &n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
