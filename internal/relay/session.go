// Package relay bridges one phone call between a telephony media stream and
// the AI Realtime service.
//
// A [Session] owns both connections of a call. After dialling and
// configuring the AI side it runs two forwarding loops:
//
//	telephony ──media──▶ input_audio_buffer.append ──▶ AI
//	telephony ◀──media── response.audio.delta      ◀── AI
//
// The loops share only the call's [interrupt.Policy]. When either loop ends
// the session tears down both connections and [Session.Run] returns.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/phonebridge/internal/interrupt"
	"github.com/MrWong99/phonebridge/internal/observe"
	"github.com/MrWong99/phonebridge/pkg/mediastream"
	"github.com/MrWong99/phonebridge/pkg/realtime"
)

// Message sources used in logs and the malformed-message metric.
const (
	sourceTelephony = "telephony"
	sourceRealtime  = "realtime"
)

// Option configures a [Session].
type Option func(*Session)

// WithID sets the session identifier. A random UUID is used otherwise.
func WithID(id string) Option {
	return func(s *Session) { s.id = id }
}

// WithClock overrides the time source fed to the interruption policy.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// WithPolicy sets the interruption policy. A policy with the default
// debounce is used otherwise.
func WithPolicy(p *interrupt.Policy) Option {
	return func(s *Session) { s.policy = p }
}

// WithMetrics sets the metrics sink. [observe.DefaultMetrics] is used
// otherwise.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// Stats is a snapshot of a session's counters.
type Stats struct {
	FramesToAI        int64
	FramesToTelephony int64
	Cancellations     int64
	Dropped           int64
	Malformed         int64
}

// Session relays one call. Create it with [New] and call [Session.Run] once.
type Session struct {
	id        string
	params    Params
	telephony Conn
	dial      DialFunc
	policy    *interrupt.Policy
	metrics   *observe.Metrics
	now       func() time.Time

	mu        sync.Mutex
	streamSID string
	log       *slog.Logger

	framesToAI        atomic.Int64
	framesToTelephony atomic.Int64
	cancellations     atomic.Int64
	dropped           atomic.Int64
	malformed         atomic.Int64

	ending atomic.Bool
}

// New creates a session for an accepted telephony connection. dial opens the
// AI connection when [Session.Run] starts.
func New(telephony Conn, dial DialFunc, params Params, opts ...Option) *Session {
	s := &Session{
		params:    params,
		telephony: telephony,
		dial:      dial,
		now:       time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	if s.id == "" {
		s.id = uuid.NewString()
	}
	if s.policy == nil {
		s.policy = interrupt.New(interrupt.DefaultDebounce)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	s.log = slog.Default().With("session_id", s.id)
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// StreamSID returns the telephony stream identifier, or "" before the start
// event has arrived.
func (s *Session) StreamSID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamSID
}

// setStreamSID records the stream identifier and adds it to the session
// logger.
func (s *Session) setStreamSID(sid string) {
	s.mu.Lock()
	s.streamSID = sid
	s.log = s.log.With("stream_sid", sid)
	s.mu.Unlock()
}

func (s *Session) logger() *slog.Logger {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.log
}

// Policy returns the session's interruption policy.
func (s *Session) Policy() *interrupt.Policy { return s.policy }

// Stats returns the current counters.
func (s *Session) Stats() Stats {
	return Stats{
		FramesToAI:        s.framesToAI.Load(),
		FramesToTelephony: s.framesToTelephony.Load(),
		Cancellations:     s.cancellations.Load(),
		Dropped:           s.dropped.Load(),
		Malformed:         s.malformed.Load(),
	}
}

// Run opens and configures the AI connection, then relays audio until either
// side disconnects or ctx is cancelled. Both connections are closed when Run
// returns.
//
// Run returns nil when the call ended in an orderly way, an error wrapping
// [ErrUpstream] when the AI side could not be brought up, and any other
// error on a transport failure mid-call.
func (s *Session) Run(ctx context.Context) (err error) {
	start := time.Now()
	ctx, span := observe.StartCallSpan(ctx, s.id)
	s.mu.Lock()
	s.log = observe.Logger(ctx, "session_id", s.id)
	s.mu.Unlock()

	s.metrics.ActiveCalls.Add(ctx, 1)
	defer func() {
		s.metrics.ActiveCalls.Add(ctx, -1)
		s.metrics.CallDuration.Record(ctx, time.Since(start).Seconds())
		observe.EndSpan(span, err)
	}()

	ai, err := s.connect(ctx)
	if err != nil {
		s.logger().Error("upstream unavailable, closing call", "err", err)
		_ = s.telephony.Close(websocket.StatusTryAgainLater, "upstream unavailable")
		return err
	}

	s.logger().Info("call started", "voice", s.params.Voice)

	// Reads end when a connection closes, never through a cancelled
	// context, so that every close carries a deliberate status code.
	loopCtx := context.WithoutCancel(ctx)
	var closeOnce sync.Once
	teardown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			s.ending.Store(true)
			_ = s.telephony.Close(code, reason)
			_ = ai.Close(code, reason)
		})
	}
	stop := context.AfterFunc(ctx, func() {
		teardown(websocket.StatusGoingAway, "server shutting down")
	})
	defer stop()

	var g errgroup.Group
	g.Go(func() error {
		defer teardown(websocket.StatusNormalClosure, "telephony stream ended")
		return s.forwardCallerAudio(loopCtx, ai)
	})
	g.Go(func() error {
		defer teardown(websocket.StatusNormalClosure, "upstream stream ended")
		return s.forwardAIAudio(loopCtx, ai)
	})

	err = g.Wait()

	st := s.Stats()
	s.logger().Info("call ended",
		"duration", time.Since(start),
		"frames_to_ai", st.FramesToAI,
		"frames_to_telephony", st.FramesToTelephony,
		"cancellations", st.Cancellations,
		"dropped", st.Dropped,
		"malformed", st.Malformed,
		"err", err,
	)
	return err
}

// connect dials the AI side and sends the bootstrap session.update.
func (s *Session) connect(ctx context.Context) (Conn, error) {
	ctx, span := observe.StartSpan(ctx, "relay.connect")
	defer span.End()

	start := time.Now()
	ai, err := s.dial(ctx)
	s.metrics.UpstreamDialDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		s.metrics.RecordUpstreamError(ctx, "dial")
		span.RecordError(err)
		return nil, fmt.Errorf("%w: %w", ErrUpstream, err)
	}

	if err := Bootstrap(ctx, ai, s.params, s.logger()); err != nil {
		s.metrics.RecordUpstreamError(ctx, "bootstrap")
		span.RecordError(err)
		_ = ai.Close(websocket.StatusInternalError, "bootstrap failed")
		return nil, fmt.Errorf("%w: %w", ErrUpstream, err)
	}
	return ai, nil
}

// endOfLoop converts a read or write failure into the loop's result. Errors
// caused by the session tearing itself down are not failures.
func (s *Session) endOfLoop(side, op string, err error) error {
	if s.ending.Load() || isGracefulClose(err) {
		return nil
	}
	return fmt.Errorf("relay: %s %s: %w", side, op, err)
}

// forwardCallerAudio is the telephony → AI loop.
func (s *Session) forwardCallerAudio(ctx context.Context, ai Conn) error {
	for {
		_, data, err := s.telephony.Read(ctx)
		if err != nil {
			if endErr := s.endOfLoop(sourceTelephony, "read", err); endErr != nil {
				return endErr
			}
			s.logger().Info("telephony stream closed")
			return nil
		}

		evt, err := mediastream.Decode(data)
		if err != nil {
			s.countMalformed(ctx, sourceTelephony, data, err)
			continue
		}

		switch evt.Event {
		case mediastream.EventStart:
			s.setStreamSID(evt.Start.StreamSID)
			observe.AnnotateStream(ctx, evt.Start.StreamSID, evt.Start.CallSID)
			s.logStart(evt.Start)

		case mediastream.EventMedia:
			if err := s.relayCallerFrame(ctx, ai, evt.Media.Payload); err != nil {
				return s.endOfLoop(sourceRealtime, "write", err)
			}

		case mediastream.EventStop:
			s.logger().Debug("telephony stream stop received")

		default:
			s.logger().Debug("ignoring telephony event", "event", evt.Event)
		}
	}
}

// relayCallerFrame applies the interruption policy and forwards one caller
// frame. A cancellation, when due, is written before the frame.
func (s *Session) relayCallerFrame(ctx context.Context, ai Conn, payload string) error {
	if s.policy.OnCallerAudio(s.now()) {
		if err := s.cancelResponse(ctx, ai); err != nil {
			return err
		}
	}

	msg, err := realtime.EncodeAudioAppend(payload)
	if err != nil {
		return err
	}
	if err := ai.Write(ctx, websocket.MessageText, msg); err != nil {
		return err
	}
	s.framesToAI.Add(1)
	s.metrics.RecordFrame(ctx, observe.DirectionToAI)
	return nil
}

func (s *Session) cancelResponse(ctx context.Context, ai Conn) error {
	msg, err := realtime.EncodeCancel()
	if err != nil {
		return err
	}
	if err := ai.Write(ctx, websocket.MessageText, msg); err != nil {
		return err
	}
	s.cancellations.Add(1)
	s.metrics.Cancellations.Add(ctx, 1)
	s.logger().Info("caller interrupted, cancelling response")

	if !s.params.ClearTelephonyBuffer {
		return nil
	}
	sid := s.StreamSID()
	if sid == "" {
		return nil
	}
	clearMsg, err := mediastream.EncodeClear(sid)
	if err != nil {
		return err
	}
	if err := s.telephony.Write(ctx, websocket.MessageText, clearMsg); err != nil {
		s.logger().Warn("failed to clear telephony buffer", "err", err)
	}
	return nil
}

// forwardAIAudio is the AI → telephony loop.
func (s *Session) forwardAIAudio(ctx context.Context, ai Conn) error {
	for {
		_, data, err := ai.Read(ctx)
		if err != nil {
			if endErr := s.endOfLoop(sourceRealtime, "read", err); endErr != nil {
				return endErr
			}
			s.logger().Info("upstream stream closed")
			return nil
		}

		evt, err := realtime.DecodeServerEvent(data)
		if err != nil {
			s.countMalformed(ctx, sourceRealtime, data, err)
			continue
		}

		if realtime.IsDiagnostic(evt.Type) {
			s.logger().Debug("upstream event", "type", evt.Type, "body", string(data))
		}

		switch evt.Type {
		case realtime.TypeResponseAudioDelta:
			if evt.Delta == "" {
				continue
			}
			if err := s.relayAIFrame(ctx, evt.Delta); err != nil {
				return s.endOfLoop(sourceTelephony, "write", err)
			}

		case realtime.TypeResponseDone:
			if s.params.ClearOnResponseDone {
				s.policy.OnAIResponseCompleted()
			}

		case realtime.TypeError:
			if evt.Error != nil {
				s.logger().Warn("upstream reported an error",
					"error_type", evt.Error.Type,
					"code", evt.Error.Code,
					"message", evt.Error.Message,
				)
			} else {
				s.logger().Warn("upstream reported an error", "body", string(data))
			}
		}
	}
}

// relayAIFrame forwards one AI audio delta to telephony. Frames that arrive
// before the stream is addressable are dropped, not queued.
func (s *Session) relayAIFrame(ctx context.Context, payload string) error {
	s.policy.OnAIAudio(s.now())

	sid := s.StreamSID()
	if sid == "" {
		s.dropped.Add(1)
		s.metrics.FramesDropped.Add(ctx, 1)
		s.logger().Warn("dropping AI audio frame: stream not started yet")
		return nil
	}

	msg, err := mediastream.EncodeMedia(sid, payload)
	if err != nil {
		return err
	}
	if err := s.telephony.Write(ctx, websocket.MessageText, msg); err != nil {
		return err
	}
	s.framesToTelephony.Add(1)
	s.metrics.RecordFrame(ctx, observe.DirectionToTelephony)
	return nil
}

func (s *Session) countMalformed(ctx context.Context, source string, data []byte, err error) {
	s.malformed.Add(1)
	s.metrics.RecordMalformed(ctx, source)
	level := slog.LevelWarn
	if errors.Is(err, mediastream.ErrMissingField) {
		level = slog.LevelInfo
	}
	s.logger().Log(ctx, level, "skipping malformed message", "source", source, "err", err, "bytes", len(data))
}

func (s *Session) logStart(st *mediastream.Start) {
	attrs := []any{"call_sid", st.CallSID, "tracks", st.Tracks}
	if mf := st.MediaFormat; mf != nil {
		attrs = append(attrs, "encoding", mf.Encoding, "sample_rate", mf.SampleRate, "channels", mf.Channels)
	}
	if len(st.CustomParameters) > 0 {
		attrs = append(attrs, "custom_parameters", st.CustomParameters)
	}
	s.logger().Info("incoming stream has started", attrs...)
}
