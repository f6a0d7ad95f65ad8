package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
)

// fakeConn is an in-memory [Conn]. Tests push inbound messages with send and
// inspect what the session wrote with written.
type fakeConn struct {
	inbound chan []byte

	mu        sync.Mutex
	out       [][]byte
	closed    bool
	closeCode websocket.StatusCode
	done      chan struct{}
	hangup    chan struct{}
	hangOnce  sync.Once
	broken    chan error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 64),
		done:    make(chan struct{}),
		hangup:  make(chan struct{}),
		broken:  make(chan error, 1),
	}
}

func (c *fakeConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	case <-c.done:
		return 0, nil, fmt.Errorf("fake read: %w", net.ErrClosed)
	case msg := <-c.inbound:
		return websocket.MessageText, msg, nil
	case <-c.hangup:
		return 0, nil, websocket.CloseError{Code: websocket.StatusNormalClosure}
	case err := <-c.broken:
		return 0, nil, err
	}
}

func (c *fakeConn) Write(ctx context.Context, _ websocket.MessageType, p []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("fake write: %w", net.ErrClosed)
	}
	c.out = append(c.out, append([]byte(nil), p...))
	return nil
}

func (c *fakeConn) Close(code websocket.StatusCode, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.closeCode = code
	close(c.done)
	return nil
}

// send queues one inbound message.
func (c *fakeConn) send(t *testing.T, v any) {
	t.Helper()
	switch m := v.(type) {
	case string:
		c.inbound <- []byte(m)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		c.inbound <- b
	}
}

// hangUp simulates the peer closing the connection normally.
func (c *fakeConn) hangUp() {
	c.hangOnce.Do(func() { close(c.hangup) })
}

func (c *fakeConn) written() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.out...)
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// writtenOfType decodes every written message and returns those whose
// discriminator field equals value.
func (c *fakeConn) writtenOfType(t *testing.T, field, value string) []map[string]any {
	t.Helper()
	var res []map[string]any
	for _, raw := range c.written() {
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			t.Fatalf("written message is not JSON: %s", raw)
		}
		if m[field] == value {
			res = append(res, m)
		}
	}
	return res
}

// fakeClock is a manually set time source.
type fakeClock struct {
	mu   sync.Mutex
	base time.Time
	now  time.Time
}

func newFakeClock() *fakeClock {
	t0 := time.Date(2024, 10, 1, 12, 0, 0, 0, time.UTC)
	return &fakeClock{base: t0, now: t0}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// At sets the clock to the base time plus offset.
func (c *fakeClock) At(offset time.Duration) {
	c.mu.Lock()
	c.now = c.base.Add(offset)
	c.mu.Unlock()
}

// waitFor polls cond until it holds or a deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func (c *fakeConn) code() websocket.StatusCode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode
}
