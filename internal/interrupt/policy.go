// Package interrupt decides when a caller barging in should cancel the AI's
// in-flight spoken response.
//
// The [Policy] tracks two scalars: whether a response is being spoken and
// when its most recent audio frame arrived. Caller audio only triggers a
// cancellation once the response has gone quiet for longer than the debounce
// window; this keeps back-channel noise during active playback from
// cancelling every response. A cancellation is a courtesy signal upstream:
// once one is emitted the policy treats the next caller audio as a fresh turn
// regardless of whether the server acknowledges it.
//
// All methods are safe for concurrent use.
package interrupt

import (
	"sync"
	"time"
)

// DefaultDebounce is the minimum quiet period after the last AI audio frame
// before caller audio may cancel the response.
const DefaultDebounce = 500 * time.Millisecond

// Policy is the interruption state machine of one call.
type Policy struct {
	debounce time.Duration

	mu                  sync.Mutex
	responseInProgress  bool
	lastResponseAudioAt time.Time
}

// New returns a Policy using debounce. A non-positive value selects
// [DefaultDebounce].
func New(debounce time.Duration) *Policy {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Policy{debounce: debounce}
}

// Debounce returns the configured debounce window.
func (p *Policy) Debounce() time.Duration { return p.debounce }

// OnCallerAudio records caller audio arriving at now and reports whether a
// response.cancel must be sent. When it returns true the response is no
// longer considered in progress, so repeated caller audio yields at most one
// cancellation per response.
func (p *Policy) OnCallerAudio(now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.responseInProgress {
		return false
	}
	if now.Sub(p.lastResponseAudioAt) <= p.debounce {
		return false
	}
	p.responseInProgress = false
	return true
}

// OnAIAudio records an AI audio frame emitted at now.
func (p *Policy) OnAIAudio(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.responseInProgress = true
	p.lastResponseAudioAt = now
}

// OnAIResponseCompleted clears the in-progress state after an explicit
// end-of-turn from the server.
func (p *Policy) OnAIResponseCompleted() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.responseInProgress = false
}

// State is a point-in-time copy of the policy's fields.
type State struct {
	ResponseInProgress  bool
	LastResponseAudioAt time.Time
}

// Snapshot returns the current state.
func (p *Policy) Snapshot() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return State{
		ResponseInProgress:  p.responseInProgress,
		LastResponseAudioAt: p.lastResponseAudioAt,
	}
}
