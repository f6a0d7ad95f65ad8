package callserver

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// CallInfo describes one active call.
type CallInfo struct {
	// SessionID is the relay session identifier.
	SessionID string

	// Voice is the AI voice assigned to the call.
	Voice string

	// RemoteAddr is the address of the telephony peer.
	RemoteAddr string

	// StartedAt is when the media stream was accepted.
	StartedAt time.Time
}

// Calls tracks the active calls of a [Server]. Every call runs under a
// context derived from the registry, so [Calls.Shutdown] can end them all.
// All exported methods are safe for concurrent use.
type Calls struct {
	base context.Context
	stop context.CancelFunc

	mu     sync.Mutex
	active map[string]CallInfo
	closed bool
	wg     sync.WaitGroup
}

func newCalls() *Calls {
	base, stop := context.WithCancel(context.Background())
	return &Calls{
		base:   base,
		stop:   stop,
		active: make(map[string]CallInfo),
	}
}

// begin registers a call and returns its context plus a function that must
// be called when the call ends. It reports false once shutdown has started.
func (c *Calls) begin(info CallInfo) (context.Context, func(), bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, nil, false
	}

	ctx, cancel := context.WithCancel(c.base)
	c.active[info.SessionID] = info
	c.wg.Add(1)

	var once sync.Once
	end := func() {
		once.Do(func() {
			cancel()
			c.mu.Lock()
			delete(c.active, info.SessionID)
			c.mu.Unlock()
			c.wg.Done()
		})
	}
	return ctx, end, true
}

// Count returns the number of active calls.
func (c *Calls) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

// List returns the active calls, oldest first.
func (c *Calls) List() []CallInfo {
	c.mu.Lock()
	out := make([]CallInfo, 0, len(c.active))
	for _, info := range c.active {
		out = append(out, info)
	}
	c.mu.Unlock()

	slices.SortFunc(out, func(a, b CallInfo) int { return a.StartedAt.Compare(b.StartedAt) })
	return out
}

// Shutdown refuses new calls, cancels every active call, and waits for them
// to finish or for ctx to expire.
func (c *Calls) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	n := len(c.active)
	c.mu.Unlock()

	slog.Info("ending active calls", "count", n)
	c.stop()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		slog.Warn("shutdown deadline exceeded", "remaining_calls", c.Count())
		return ctx.Err()
	}
}
