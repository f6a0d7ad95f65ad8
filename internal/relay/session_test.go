package relay

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/coder/websocket"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/phonebridge/internal/interrupt"
	"github.com/MrWong99/phonebridge/internal/observe"
	"github.com/MrWong99/phonebridge/pkg/realtime"
)

// harness wires a session to fake connections and runs it in the
// background.
type harness struct {
	sess      *Session
	telephony *fakeConn
	ai        *fakeConn
	clock     *fakeClock
	result    chan error
	cancel    context.CancelFunc
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func testParams() Params {
	return Params{
		Voice:        "shimmer",
		Instructions: "be brief",
		Temperature:  0.8,
	}
}

func startHarness(t *testing.T, params Params) *harness {
	t.Helper()
	h := &harness{
		telephony: newFakeConn(),
		ai:        newFakeConn(),
		clock:     newFakeClock(),
		result:    make(chan error, 1),
	}
	dial := func(context.Context) (Conn, error) { return h.ai, nil }
	h.sess = New(h.telephony, dial, params,
		WithID("test-session"),
		WithClock(h.clock.Now),
		WithPolicy(interrupt.New(500*time.Millisecond)),
		WithMetrics(testMetrics(t)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.result <- h.sess.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case <-h.result:
		case <-time.After(2 * time.Second):
			t.Error("session did not stop after cleanup cancel")
		}
	})

	waitFor(t, "bootstrap", func() bool { return len(h.ai.written()) >= 1 })
	return h
}

func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.result:
		// Put it back so the cleanup does not block.
		h.result <- err
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end")
		return nil
	}
}

func (h *harness) start(t *testing.T, sid string) {
	t.Helper()
	h.telephony.send(t, map[string]any{
		"event": "start",
		"start": map[string]any{"streamSid": sid, "callSid": "CAcall"},
	})
	waitFor(t, "stream sid", func() bool { return h.sess.StreamSID() == sid })
}

func (h *harness) aiDelta(t *testing.T, payload string) {
	t.Helper()
	want := h.sess.Stats().FramesToTelephony + h.sess.Stats().Dropped + 1
	h.ai.send(t, map[string]any{"type": realtime.TypeResponseAudioDelta, "delta": payload})
	waitFor(t, "AI frame handled", func() bool {
		st := h.sess.Stats()
		return st.FramesToTelephony+st.Dropped == want
	})
}

func (h *harness) callerMedia(t *testing.T, payload string) {
	t.Helper()
	want := h.sess.Stats().FramesToAI + 1
	h.telephony.send(t, map[string]any{"event": "media", "media": map[string]any{"payload": payload}})
	waitFor(t, "caller frame forwarded", func() bool { return h.sess.Stats().FramesToAI == want })
}

func TestRun_BootstrapIsFirstMessage(t *testing.T) {
	h := startHarness(t, testParams())

	updates := h.ai.writtenOfType(t, "type", realtime.TypeSessionUpdate)
	if len(updates) != 1 {
		t.Fatalf("session.update count = %d, want 1", len(updates))
	}
	if !containsType(h.ai.written()[0], realtime.TypeSessionUpdate) {
		t.Fatalf("first upstream message = %s, want session.update", h.ai.written()[0])
	}
	sess, _ := updates[0]["session"].(map[string]any)

	checks := map[string]any{
		"input_audio_format":  "g711_ulaw",
		"output_audio_format": "g711_ulaw",
		"voice":               "shimmer",
		"instructions":        "be brief",
		"temperature":         0.8,
	}
	for k, want := range checks {
		if sess[k] != want {
			t.Errorf("session.%s = %v, want %v", k, sess[k], want)
		}
	}
	td, _ := sess["turn_detection"].(map[string]any)
	if td["type"] != "server_vad" {
		t.Errorf("turn_detection = %v, want server_vad", sess["turn_detection"])
	}
	mods, _ := sess["modalities"].([]any)
	if len(mods) != 2 || mods[0] != "text" || mods[1] != "audio" {
		t.Errorf("modalities = %v, want [text audio]", sess["modalities"])
	}
}

func TestRun_RelaysAudioInOrder(t *testing.T) {
	h := startHarness(t, testParams())
	h.start(t, "MZstream")

	payloads := []string{"AAAA", "BBBB", "CCCC", "DDDD"}
	for _, p := range payloads {
		h.aiDelta(t, p)
	}

	media := h.telephony.writtenOfType(t, "event", "media")
	if len(media) != len(payloads) {
		t.Fatalf("telephony media frames = %d, want %d", len(media), len(payloads))
	}
	for i, m := range media {
		if m["streamSid"] != "MZstream" {
			t.Errorf("frame %d streamSid = %v, want MZstream", i, m["streamSid"])
		}
		body, _ := m["media"].(map[string]any)
		if body["payload"] != payloads[i] {
			t.Errorf("frame %d payload = %v, want %s", i, body["payload"], payloads[i])
		}
	}

	h.callerMedia(t, "dXNlcg==")
	appends := h.ai.writtenOfType(t, "type", realtime.TypeInputAudioAppend)
	if len(appends) != 1 || appends[0]["audio"] != "dXNlcg==" {
		t.Errorf("input_audio_buffer.append = %v, want one carrying dXNlcg==", appends)
	}
}

func TestRun_EmptyDeltaIgnored(t *testing.T) {
	h := startHarness(t, testParams())
	h.start(t, "MZstream")

	h.ai.send(t, map[string]any{"type": realtime.TypeResponseAudioDelta, "delta": ""})
	h.aiDelta(t, "AAAA")

	if got := len(h.telephony.writtenOfType(t, "event", "media")); got != 1 {
		t.Errorf("telephony media frames = %d, want 1", got)
	}
	if h.sess.Stats().Dropped != 0 {
		t.Errorf("dropped = %d, want 0", h.sess.Stats().Dropped)
	}
}

func TestRun_DropsAudioBeforeStart(t *testing.T) {
	h := startHarness(t, testParams())

	h.aiDelta(t, "EARLY1")
	h.aiDelta(t, "EARLY2")
	if got := h.sess.Stats().Dropped; got != 2 {
		t.Fatalf("dropped = %d, want 2", got)
	}

	h.start(t, "MZstream")
	h.aiDelta(t, "LATE")

	media := h.telephony.writtenOfType(t, "event", "media")
	if len(media) != 1 {
		t.Fatalf("telephony media frames = %d, want 1 (early frames must not be queued)", len(media))
	}
	body, _ := media[0]["media"].(map[string]any)
	if body["payload"] != "LATE" {
		t.Errorf("payload = %v, want LATE", body["payload"])
	}
}

func TestRun_CallerAudioBeforeStartIsForwarded(t *testing.T) {
	h := startHarness(t, testParams())

	h.callerMedia(t, "AAAA")

	if got := len(h.ai.writtenOfType(t, "type", realtime.TypeInputAudioAppend)); got != 1 {
		t.Errorf("appends = %d, want 1", got)
	}
}

// The debounce window restarts at every AI frame, so with frames at 0, 100
// and 200ms and a 500ms window the response becomes cancellable only after
// 200+500 = 700ms. A caller frame at 600ms is inside the window; the first
// cancel comes with the caller frame at 750ms.
func TestRun_InterruptionScenario(t *testing.T) {
	h := startHarness(t, testParams())
	h.start(t, "CA123")

	for i, off := range []time.Duration{0, 100 * time.Millisecond, 200 * time.Millisecond} {
		h.clock.At(off)
		h.aiDelta(t, fmt.Sprintf("frame%d", i))
	}

	cancels := func() int { return len(h.ai.writtenOfType(t, "type", realtime.TypeResponseCancel)) }

	h.clock.At(150 * time.Millisecond)
	h.callerMedia(t, "c1")
	if cancels() != 0 {
		t.Fatal("cancel sent while the response was still streaming")
	}

	// 600ms is only 400ms after the last frame at 200ms, not 600ms after the
	// first.
	h.clock.At(600 * time.Millisecond)
	h.callerMedia(t, "c2")
	if cancels() != 0 {
		t.Fatal("cancel sent inside the debounce window")
	}

	h.clock.At(750 * time.Millisecond)
	h.callerMedia(t, "c3")
	if cancels() != 1 {
		t.Fatalf("cancels = %d, want 1", cancels())
	}
	if h.sess.Policy().Snapshot().ResponseInProgress {
		t.Error("response still in progress after cancel")
	}

	h.clock.At(2 * time.Second)
	h.callerMedia(t, "c4")
	if cancels() != 1 {
		t.Errorf("cancels = %d after more caller audio, want still 1", cancels())
	}
	if got := h.sess.Stats().Cancellations; got != 1 {
		t.Errorf("Stats().Cancellations = %d, want 1", got)
	}

	// The cancel precedes the append of the frame that triggered it.
	var order []string
	for _, raw := range h.ai.written() {
		switch {
		case containsType(raw, realtime.TypeResponseCancel):
			order = append(order, "cancel")
		case containsType(raw, realtime.TypeInputAudioAppend):
			order = append(order, "append")
		}
	}
	want := []string{"append", "append", "cancel", "append", "append"}
	if fmt.Sprint(order) != fmt.Sprint(want) {
		t.Errorf("upstream order = %v, want %v", order, want)
	}
}

func containsType(raw []byte, typ string) bool {
	evt, err := realtime.DecodeServerEvent(raw)
	return err == nil && evt.Type == typ
}

func TestRun_NoCancelWhileIdle(t *testing.T) {
	h := startHarness(t, testParams())
	h.start(t, "MZstream")

	for i := range 5 {
		h.clock.At(time.Duration(i) * time.Second)
		h.callerMedia(t, "AAAA")
	}
	if got := len(h.ai.writtenOfType(t, "type", realtime.TypeResponseCancel)); got != 0 {
		t.Errorf("cancels = %d, want 0", got)
	}
}

func TestRun_ClearTelephonyBuffer(t *testing.T) {
	params := testParams()
	params.ClearTelephonyBuffer = true
	h := startHarness(t, params)
	h.start(t, "MZstream")

	h.clock.At(0)
	h.aiDelta(t, "AAAA")
	h.clock.At(time.Second)
	h.callerMedia(t, "BBBB")

	clears := h.telephony.writtenOfType(t, "event", "clear")
	if len(clears) != 1 {
		t.Fatalf("clear events = %d, want 1", len(clears))
	}
	if clears[0]["streamSid"] != "MZstream" {
		t.Errorf("clear streamSid = %v, want MZstream", clears[0]["streamSid"])
	}
}

func TestRun_ResponseDone(t *testing.T) {
	tests := []struct {
		name           string
		clearOnDone    bool
		wantInProgress bool
	}{
		{name: "debounce only", clearOnDone: false, wantInProgress: true},
		{name: "clear on response.done", clearOnDone: true, wantInProgress: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := testParams()
			params.ClearOnResponseDone = tt.clearOnDone
			h := startHarness(t, params)
			h.start(t, "MZstream")

			h.aiDelta(t, "AAAA")
			h.ai.send(t, map[string]any{"type": realtime.TypeResponseDone})
			// Messages are handled in order, so once this one is counted
			// response.done has been processed.
			h.ai.send(t, "barrier")
			waitFor(t, "barrier", func() bool { return h.sess.Stats().Malformed == 1 })

			if got := h.sess.Policy().Snapshot().ResponseInProgress; got != tt.wantInProgress {
				t.Errorf("ResponseInProgress = %v, want %v", got, tt.wantInProgress)
			}
		})
	}
}

func TestRun_MalformedMessagesDoNotEndSession(t *testing.T) {
	h := startHarness(t, testParams())

	h.telephony.send(t, "{not json")
	h.ai.send(t, "also not json")
	h.telephony.send(t, `{"event":"media","media":{}}`)
	waitFor(t, "malformed counted", func() bool { return h.sess.Stats().Malformed == 3 })

	h.start(t, "MZstream")
	h.aiDelta(t, "AAAA")
	h.callerMedia(t, "BBBB")

	select {
	case err := <-h.result:
		t.Fatalf("session ended early: %v", err)
	default:
	}
}

func TestRun_IgnoresUnknownEvents(t *testing.T) {
	h := startHarness(t, testParams())

	h.telephony.send(t, `{"event":"connected","protocol":"Call"}`)
	h.telephony.send(t, `{"event":"mark","mark":{"name":"x"}}`)
	h.ai.send(t, `{"type":"conversation.item.created"}`)
	h.ai.send(t, `{"type":"error","error":{"type":"invalid_request_error","message":"bad"}}`)
	h.start(t, "MZstream")
	h.aiDelta(t, "AAAA")

	if got := h.sess.Stats().Malformed; got != 0 {
		t.Errorf("malformed = %d, want 0", got)
	}
}

func TestRun_TelephonyHangupClosesAI(t *testing.T) {
	h := startHarness(t, testParams())
	h.start(t, "MZstream")

	h.telephony.hangUp()

	if err := h.wait(t); err != nil {
		t.Errorf("Run() = %v, want nil", err)
	}
	if !h.ai.isClosed() {
		t.Error("AI connection left open")
	}
	if !h.telephony.isClosed() {
		t.Error("telephony connection left open")
	}
}

func TestRun_AIHangupClosesTelephony(t *testing.T) {
	h := startHarness(t, testParams())

	h.ai.hangUp()

	if err := h.wait(t); err != nil {
		t.Errorf("Run() = %v, want nil", err)
	}
	if !h.telephony.isClosed() {
		t.Error("telephony connection left open")
	}
	if h.telephony.code() != websocket.StatusNormalClosure {
		t.Errorf("close code = %v, want normal closure", h.telephony.code())
	}
}

func TestRun_TransportFailureIsReported(t *testing.T) {
	h := startHarness(t, testParams())

	h.ai.broken <- errors.New("connection reset by peer")

	err := h.wait(t)
	if err == nil {
		t.Fatal("Run() = nil, want transport error")
	}
	if errors.Is(err, ErrUpstream) {
		t.Errorf("mid-call failure should not be ErrUpstream: %v", err)
	}
	if !h.telephony.isClosed() {
		t.Error("telephony connection left open")
	}
}

func TestRun_ContextCancelGoesAway(t *testing.T) {
	h := startHarness(t, testParams())

	h.cancel()

	if err := h.wait(t); err != nil {
		t.Errorf("Run() = %v, want nil", err)
	}
	if !h.telephony.isClosed() || !h.ai.isClosed() {
		t.Fatal("connections left open")
	}
	if h.telephony.code() != websocket.StatusGoingAway {
		t.Errorf("telephony close code = %v, want going away", h.telephony.code())
	}
}

func TestRun_UpstreamFailure(t *testing.T) {
	tests := []struct {
		name string
		dial func(ai *fakeConn) DialFunc
	}{
		{
			name: "dial error",
			dial: func(*fakeConn) DialFunc {
				return func(context.Context) (Conn, error) { return nil, errors.New("401 unauthorized") }
			},
		},
		{
			name: "bootstrap write error",
			dial: func(ai *fakeConn) DialFunc {
				_ = ai.Close(websocket.StatusNormalClosure, "")
				return func(context.Context) (Conn, error) { return ai, nil }
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			telephony := newFakeConn()
			sess := New(telephony, tt.dial(newFakeConn()), testParams(), WithMetrics(testMetrics(t)))

			err := sess.Run(context.Background())
			if !errors.Is(err, ErrUpstream) {
				t.Fatalf("Run() = %v, want ErrUpstream", err)
			}
			if !telephony.isClosed() {
				t.Error("telephony connection left open")
			}
			if telephony.code() != websocket.StatusTryAgainLater {
				t.Errorf("close code = %v, want try again later", telephony.code())
			}
		})
	}
}

func TestNew_GeneratesID(t *testing.T) {
	a := New(newFakeConn(), nil, Params{}, WithMetrics(testMetrics(t)))
	b := New(newFakeConn(), nil, Params{}, WithMetrics(testMetrics(t)))
	if a.ID() == "" || a.ID() == b.ID() {
		t.Errorf("IDs %q and %q should be unique and non-empty", a.ID(), b.ID())
	}
}
