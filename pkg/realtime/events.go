package realtime

import (
	"encoding/json"
	"fmt"
)

// Client event types (sent to the server).
const (
	TypeSessionUpdate      = "session.update"
	TypeInputAudioAppend   = "input_audio_buffer.append"
	TypeResponseCancel     = "response.cancel"
	TurnDetectionServerVAD = "server_vad"
)

// Server event types (received from the server).
const (
	TypeSessionCreated        = "session.created"
	TypeSessionUpdated        = "session.updated"
	TypeRateLimitsUpdated     = "rate_limits.updated"
	TypeResponseAudioDelta    = "response.audio.delta"
	TypeResponseContentDone   = "response.content.done"
	TypeResponseDone          = "response.done"
	TypeInputAudioCommitted   = "input_audio_buffer.committed"
	TypeInputAudioSpeechStart = "input_audio_buffer.speech_started"
	TypeInputAudioSpeechStop  = "input_audio_buffer.speech_stopped"
	TypeError                 = "error"
)

// AudioFormatG711ULaw is the narrowband µ-law encoding used by telephony
// media streams. Selecting it on both directions means audio passes through
// without transcoding.
const AudioFormatG711ULaw = "g711_ulaw"

// diagnosticTypes are server events that are worth logging but carry no
// state the relay acts on.
var diagnosticTypes = map[string]struct{}{
	TypeResponseContentDone:   {},
	TypeRateLimitsUpdated:     {},
	TypeResponseDone:          {},
	TypeInputAudioCommitted:   {},
	TypeInputAudioSpeechStop:  {},
	TypeInputAudioSpeechStart: {},
	TypeSessionCreated:        {},
}

// IsDiagnostic reports whether typ belongs to the fixed set of server events
// that are observed for logging only.
func IsDiagnostic(typ string) bool {
	_, ok := diagnosticTypes[typ]
	return ok
}

// ── Outgoing ───────────────────────────────────────────────────────────────────

// SessionUpdate configures the realtime session. It must be the first message
// sent on a new connection.
type SessionUpdate struct {
	Type    string        `json:"type"`
	Session SessionParams `json:"session"`
}

// SessionParams is the session object of a [SessionUpdate].
type SessionParams struct {
	TurnDetection     *TurnDetection `json:"turn_detection,omitempty"`
	InputAudioFormat  string         `json:"input_audio_format"`
	OutputAudioFormat string         `json:"output_audio_format"`
	Voice             string         `json:"voice,omitempty"`
	Instructions      string         `json:"instructions,omitempty"`
	Modalities        []string       `json:"modalities,omitempty"`
	// Temperature is omitted when zero, leaving the server default; the API
	// rejects values below 0.6.
	Temperature float64 `json:"temperature,omitempty"`
}

// TurnDetection selects how the server decides when the caller stopped
// talking.
type TurnDetection struct {
	Type string `json:"type"`
}

// InputAudioAppend appends base64 audio to the server's input buffer.
type InputAudioAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

// ResponseCancel asks the server to stop generating the current response.
type ResponseCancel struct {
	Type string `json:"type"`
}

// EncodeSessionUpdate returns the wire form of a session.update for params.
func EncodeSessionUpdate(params SessionParams) ([]byte, error) {
	return json.Marshal(SessionUpdate{Type: TypeSessionUpdate, Session: params})
}

// EncodeAudioAppend returns the wire form of an input_audio_buffer.append
// carrying the given base64 payload unchanged.
func EncodeAudioAppend(payload string) ([]byte, error) {
	return json.Marshal(InputAudioAppend{Type: TypeInputAudioAppend, Audio: payload})
}

// EncodeCancel returns the wire form of response.cancel.
func EncodeCancel() ([]byte, error) {
	return json.Marshal(ResponseCancel{Type: TypeResponseCancel})
}

// ── Incoming ───────────────────────────────────────────────────────────────────

// ServerEvent is a decoded server message. Only the fields relevant to Type
// are populated.
type ServerEvent struct {
	Type    string `json:"type"`
	EventID string `json:"event_id,omitempty"`

	// response.audio.delta
	ResponseID string `json:"response_id,omitempty"`
	ItemID     string `json:"item_id,omitempty"`
	Delta      string `json:"delta,omitempty"`

	// error
	Error *ErrorDetail `json:"error,omitempty"`
}

// ErrorDetail is the nested object of an error event:
// {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type ErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// DecodeServerEvent parses one server message.
func DecodeServerEvent(data []byte) (*ServerEvent, error) {
	var evt ServerEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, fmt.Errorf("realtime: decode: %w", err)
	}
	return &evt, nil
}
