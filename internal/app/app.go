// Package app wires the phonebridge subsystems into a running HTTP server.
//
// The App struct owns the full lifecycle: New builds the call server, the
// health probes and the metrics endpoint behind one mux, Run listens and
// serves until the context ends, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithMetrics,
// WithCallServerOptions, etc.).
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/MrWong99/phonebridge/internal/callserver"
	"github.com/MrWong99/phonebridge/internal/config"
	"github.com/MrWong99/phonebridge/internal/health"
	"github.com/MrWong99/phonebridge/internal/observe"
)

// readHeaderTimeout bounds how long a client may take to send request headers.
const readHeaderTimeout = 10 * time.Second

// App owns all subsystem lifetimes of the relay server.
type App struct {
	current func() *config.Config

	metrics  *observe.Metrics
	registry *prometheus.Registry
	csOpts   []callserver.Option

	// Subsystems: initialised in New, torn down in Shutdown.
	calls   *callserver.Server
	health  *health.Handler
	handler http.Handler
	server  *http.Server

	mu    sync.Mutex
	addr  net.Addr
	ready chan struct{}

	// closers are called in order during Shutdown, after calls have ended.
	closers []func(context.Context) error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithMetrics sets the metrics sink shared by the middleware and the relay
// sessions. [observe.DefaultMetrics] is used otherwise.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithRegistry serves /metrics from reg instead of the default Prometheus
// registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(a *App) { a.registry = reg }
}

// WithCallServerOptions passes opts through to [callserver.New].
func WithCallServerOptions(opts ...callserver.Option) Option {
	return func(a *App) { a.csOpts = append(a.csOpts, opts...) }
}

// WithCloser registers fn to run during Shutdown after all calls have ended.
// Closers run in registration order.
func WithCloser(fn func(context.Context) error) Option {
	return func(a *App) { a.closers = append(a.closers, fn) }
}

// New creates an App. current is called whenever a fresh config is needed;
// a [config.Watcher]'s Current method fits.
func New(current func() *config.Config, opts ...Option) (*App, error) {
	if current == nil || current() == nil {
		return nil, errors.New("app: no configuration")
	}
	a := &App{
		current: current,
		ready:   make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	csOpts := append([]callserver.Option{callserver.WithMetrics(a.metrics)}, a.csOpts...)
	a.calls = callserver.New(current, csOpts...)

	breaker := a.calls.Breaker()
	a.health = health.New(
		[]health.Checker{{Name: "realtime", Check: breaker.Check}},
		health.WithActiveCalls(func() int64 { return int64(a.calls.Calls().Count()) }),
	)

	mux := http.NewServeMux()
	a.calls.Register(mux)
	a.health.Register(mux)
	mux.Handle("GET /metrics", observe.MetricsHandler(a.registry))
	a.handler = observe.Middleware(a.metrics)(mux)

	a.server = &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		ErrorLog:          slog.NewLogLogger(slog.Default().Handler(), slog.LevelWarn),
	}
	return a, nil
}

// Handler returns the root HTTP handler with all routes and middleware.
func (a *App) Handler() http.Handler { return a.handler }

// CallServer returns the call server.
func (a *App) CallServer() *callserver.Server { return a.calls }

// Health returns the probe handler.
func (a *App) Health() *health.Handler { return a.health }

// Addr returns the address Run is listening on, or nil before it listens.
func (a *App) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addr
}

// Ready is closed once Run is accepting connections.
func (a *App) Ready() <-chan struct{} { return a.ready }

// Run listens on the configured address and serves until ctx is cancelled
// or the server fails. Cancelling ctx does not tear anything down; call
// [App.Shutdown] afterwards.
func (a *App) Run(ctx context.Context) error {
	srv := a.current().Server

	ln, err := net.Listen("tcp", srv.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen on %q: %w", srv.ListenAddr, err)
	}
	a.mu.Lock()
	a.addr = ln.Addr()
	a.mu.Unlock()
	close(a.ready)

	slog.Info("listening", "addr", ln.Addr().String(), "tls", srv.TLS != nil, "stream_path", srv.StreamPath)

	errCh := make(chan error, 1)
	go func() {
		if srv.TLS != nil {
			errCh <- a.server.ServeTLS(ln, srv.TLS.CertFile, srv.TLS.KeyFile)
			return
		}
		errCh <- a.server.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// Shutdown stops accepting calls, ends the active ones and runs the
// registered closers. Readiness flips to failing first so load balancers
// stop routing new calls while existing ones wind down.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "active_calls", a.calls.Calls().Count(), "closers", len(a.closers))

		a.health.Drain()

		var errs []error
		// Hijacked media streams are not tracked by the HTTP server; the call
		// registry ends them below.
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http server: %w", err))
		}
		if err := a.calls.Shutdown(ctx); err != nil {
			slog.Warn("calls did not end before the shutdown deadline", "remaining", a.calls.Calls().Count())
			errs = append(errs, fmt.Errorf("calls: %w", err))
		}

		for i, closer := range a.closers {
			if err := closer(ctx); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
				errs = append(errs, err)
			}
		}

		shutdownErr = errors.Join(errs...)
		slog.Info("shutdown complete")
	})
	return shutdownErr
}
