// Package mediastream implements the JSON envelope spoken on a Twilio Media
// Streams WebSocket.
//
// Every message is a small JSON object discriminated by its "event" field.
// Audio travels as a base64 string inside media.payload; this package never
// decodes or transforms the audio bytes themselves, it only wraps and unwraps
// the envelope.
package mediastream

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Event names used on the telephony stream.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventMark      = "mark"
	EventStop      = "stop"
	EventDTMF      = "dtmf"
	EventClear     = "clear"
)

// ErrMissingField is returned by [Decode] when a known event lacks the field
// the relay depends on.
var ErrMissingField = errors.New("mediastream: missing field")

// ── Inbound ────────────────────────────────────────────────────────────────────

// Event is a decoded inbound message. Only the sub-object matching Event is
// populated; unknown events decode with every sub-object nil.
type Event struct {
	Event          string `json:"event"`
	SequenceNumber string `json:"sequenceNumber,omitempty"`
	StreamSID      string `json:"streamSid,omitempty"`

	Start *Start `json:"start,omitempty"`
	Media *Media `json:"media,omitempty"`
	Stop  *Stop  `json:"stop,omitempty"`
	Mark  *Mark  `json:"mark,omitempty"`
}

// Start carries the stream metadata sent once when the stream begins.
type Start struct {
	StreamSID        string            `json:"streamSid"`
	AccountSID       string            `json:"accountSid,omitempty"`
	CallSID          string            `json:"callSid,omitempty"`
	Tracks           []string          `json:"tracks,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
	MediaFormat      *MediaFormat      `json:"mediaFormat,omitempty"`
}

// MediaFormat describes the negotiated audio encoding of the stream.
type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// Media is one audio frame. Payload is base64 and is passed through verbatim.
type Media struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

// Stop is sent when the call ends.
type Stop struct {
	AccountSID string `json:"accountSid,omitempty"`
	CallSID    string `json:"callSid,omitempty"`
}

// Mark acknowledges playback of a previously sent mark.
type Mark struct {
	Name string `json:"name"`
}

// Decode parses one inbound message. It returns a syntax error for bad JSON
// and [ErrMissingField] when a start event has no streamSid or a media event
// has no payload. Unknown events are returned as-is with a nil error.
func Decode(data []byte) (*Event, error) {
	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, fmt.Errorf("mediastream: decode: %w", err)
	}
	switch evt.Event {
	case EventStart:
		if evt.Start == nil || evt.Start.StreamSID == "" {
			return &evt, fmt.Errorf("%w: start.streamSid", ErrMissingField)
		}
	case EventMedia:
		if evt.Media == nil || evt.Media.Payload == "" {
			return &evt, fmt.Errorf("%w: media.payload", ErrMissingField)
		}
	}
	return &evt, nil
}

// ── Outbound ───────────────────────────────────────────────────────────────────

// OutboundMedia is an audio frame addressed to a specific stream.
type OutboundMedia struct {
	Event     string       `json:"event"`
	StreamSID string       `json:"streamSid"`
	Media     OutboundBody `json:"media"`
}

// OutboundBody wraps the base64 audio payload of an [OutboundMedia].
type OutboundBody struct {
	Payload string `json:"payload"`
}

// Clear asks the telephony side to discard any audio it has buffered but not
// yet played.
type Clear struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
}

// EncodeMedia returns the wire form of a media event for streamSID.
func EncodeMedia(streamSID, payload string) ([]byte, error) {
	return json.Marshal(OutboundMedia{
		Event:     EventMedia,
		StreamSID: streamSID,
		Media:     OutboundBody{Payload: payload},
	})
}

// EncodeClear returns the wire form of a clear event for streamSID.
func EncodeClear(streamSID string) ([]byte, error) {
	return json.Marshal(Clear{Event: EventClear, StreamSID: streamSID})
}
