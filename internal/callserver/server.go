// Package callserver is the HTTP face of the relay. It serves
//
//   - GET /                   a JSON status message,
//   - GET|POST /incoming-call the call-control document that points the
//     telephony provider at the media stream,
//   - GET {stream path}       the media-stream WebSocket, one relay session
//     per connection,
//   - GET /calls              the active calls as JSON.
//
// Each accepted stream reads the configuration current at that moment, so a
// reloaded config applies to the next call while running calls keep theirs.
package callserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/MrWong99/phonebridge/internal/config"
	"github.com/MrWong99/phonebridge/internal/interrupt"
	"github.com/MrWong99/phonebridge/internal/observe"
	"github.com/MrWong99/phonebridge/internal/relay"
	"github.com/MrWong99/phonebridge/internal/resilience"
	"github.com/MrWong99/phonebridge/pkg/realtime"
)

// StatusMessage is returned by the index endpoint.
const StatusMessage = "Twilio Media Stream Server is running!"

// Option is a functional option for [New]. Use these to inject test doubles.
type Option func(*Server)

// WithMetrics sets the metrics sink. [observe.DefaultMetrics] is used
// otherwise.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithRand sets the random source used to pick each call's voice.
func WithRand(r *rand.Rand) Option {
	return func(s *Server) { s.rng = r }
}

// WithBreaker sets the circuit breaker guarding upstream dials. A breaker
// built from the initial config's realtime.breaker section is used otherwise.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(s *Server) { s.breaker = cb }
}

// WithHTTPClient sets the HTTP client used for upstream WebSocket handshakes.
func WithHTTPClient(hc *http.Client) Option {
	return func(s *Server) { s.httpClient = hc }
}

// WithLimiter sets the limiter gating new media streams. A limiter built
// from the initial config's server.call_limit section is used otherwise.
func WithLimiter(l *rate.Limiter) Option {
	return func(s *Server) { s.limiter = l }
}

// WithClock overrides the time source handed to relay sessions.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// Server accepts calls and runs one [relay.Session] per media stream.
type Server struct {
	config     func() *config.Config
	metrics    *observe.Metrics
	breaker    *resilience.CircuitBreaker
	limiter    *rate.Limiter
	httpClient *http.Client
	now        func() time.Time
	calls      *Calls

	rngMu sync.Mutex
	rng   *rand.Rand
}

// New creates a Server. current is called once per request and must return
// a validated config; a [config.Watcher]'s Current method fits.
func New(current func() *config.Config, opts ...Option) *Server {
	s := &Server{
		config: current,
		now:    time.Now,
		calls:  newCalls(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.rng == nil {
		s.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if s.breaker == nil {
		b := current().Realtime.Breaker
		s.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:         "realtime",
			MaxFailures:  b.MaxFailures,
			ResetTimeout: b.ResetTimeout,
		})
	}
	if s.limiter == nil {
		if cl := current().Server.CallLimit; cl.PerSecond > 0 {
			s.limiter = rate.NewLimiter(rate.Limit(cl.PerSecond), cl.Burst)
		}
	}
	return s
}

// Breaker returns the circuit breaker guarding upstream dials.
func (s *Server) Breaker() *resilience.CircuitBreaker { return s.breaker }

// Calls returns the active-call registry.
func (s *Server) Calls() *Calls { return s.calls }

// Register adds the server's routes to mux. The media-stream path is taken
// from the config current at registration time.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /incoming-call", s.handleIncomingCall)
	mux.HandleFunc("POST /incoming-call", s.handleIncomingCall)
	mux.HandleFunc("GET /calls", s.handleCalls)
	mux.HandleFunc("GET "+s.config().Server.StreamPath, s.handleStream)
}

// Shutdown ends all active calls and waits for them within ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.calls.Shutdown(ctx)
}

func (s *Server) logger(ctx context.Context) *slog.Logger {
	return observe.Logger(ctx)
}

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": StatusMessage})
}

type callJSON struct {
	SessionID  string    `json:"session_id"`
	Voice      string    `json:"voice"`
	RemoteAddr string    `json:"remote_addr"`
	StartedAt  time.Time `json:"started_at"`
}

func (s *Server) handleCalls(w http.ResponseWriter, _ *http.Request) {
	list := s.calls.List()
	out := make([]callJSON, len(list))
	for i, c := range list {
		out[i] = callJSON{SessionID: c.SessionID, Voice: c.Voice, RemoteAddr: c.RemoteAddr, StartedAt: c.StartedAt}
	}
	writeJSON(w, http.StatusOK, map[string]any{"calls": out})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	log := s.logger(r.Context())

	if s.limiter != nil && !s.limiter.Allow() {
		s.metrics.RecordCallRejected(r.Context(), "rate_limited")
		log.Warn("media stream refused: call rate exceeded", "remote_addr", r.RemoteAddr)
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "too many calls"})
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Warn("media stream upgrade failed", "remote_addr", r.RemoteAddr, "err", err)
		return
	}

	cfg := s.config()
	voice := s.pickVoice(cfg.Realtime.Voices)
	sess := relay.New(conn, s.dialFunc(cfg.Realtime), relay.Params{
		Voice:                voice,
		Instructions:         cfg.Realtime.Instructions,
		Temperature:          cfg.Realtime.Temperature,
		AudioFormat:          cfg.Realtime.AudioFormat,
		ClearOnResponseDone:  cfg.Interruption.ClearOnResponseDone,
		ClearTelephonyBuffer: cfg.Interruption.ClearTelephonyBuffer,
	},
		relay.WithPolicy(interrupt.New(cfg.Interruption.Debounce)),
		relay.WithMetrics(s.metrics),
		relay.WithClock(s.now),
	)

	ctx, end, ok := s.calls.begin(CallInfo{
		SessionID:  sess.ID(),
		Voice:      voice,
		RemoteAddr: r.RemoteAddr,
		StartedAt:  time.Now(),
	})
	if !ok {
		s.metrics.RecordCallRejected(r.Context(), "shutting_down")
		_ = conn.Close(websocket.StatusTryAgainLater, "server shutting down")
		return
	}
	defer end()

	log.Info("media stream connected", "session_id", sess.ID(), "remote_addr", r.RemoteAddr)

	// The request context carries the trace started by the middleware.
	ctx = withSpanFrom(ctx, r.Context())

	switch err := sess.Run(ctx); {
	case err == nil:
	case errors.Is(err, relay.ErrUpstream):
		log.Warn("call rejected: upstream unavailable", "session_id", sess.ID(), "err", err)
	default:
		log.Warn("call ended with error", "session_id", sess.ID(), "err", err)
	}
}

// dialFunc returns a breaker-guarded dialer for the realtime settings of one
// call.
func (s *Server) dialFunc(rc config.RealtimeConfig) relay.DialFunc {
	client := realtime.New(rc.APIKey,
		realtime.WithModel(rc.Model),
		realtime.WithBaseURL(rc.BaseURL),
		realtime.WithHTTPClient(s.httpClient),
	)
	return func(ctx context.Context) (relay.Conn, error) {
		if rc.DialTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, rc.DialTimeout)
			defer cancel()
		}

		var conn *websocket.Conn
		err := s.breaker.Execute(ctx, func(ctx context.Context) error {
			c, err := client.Dial(ctx)
			if err != nil {
				return err
			}
			conn = c
			return nil
		})
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// withSpanFrom parents work done under ctx on the span active in src.
func withSpanFrom(ctx, src context.Context) context.Context {
	return trace.ContextWithSpan(ctx, trace.SpanFromContext(src))
}

func (s *Server) pickVoice(voices []string) string {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return realtime.PickVoice(s.rng, voices)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
