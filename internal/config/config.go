// Package config provides the configuration schema, loader, and file watcher
// for the phonebridge relay server.
package config

import "time"

// LogLevel controls log verbosity for the server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Realtime     RealtimeConfig     `yaml:"realtime"`
	Call         CallConfig         `yaml:"call"`
	Interruption InterruptionConfig `yaml:"interruption"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":5050").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// StreamPath is the path of the media-stream WebSocket endpoint. The
	// call-control document points the telephony provider at this path.
	StreamPath string `yaml:"stream_path"`

	// ShutdownTimeout bounds how long active calls are given to wind down
	// after a shutdown signal.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`

	// CallLimit caps how fast new media streams are accepted.
	CallLimit CallLimitConfig `yaml:"call_limit"`
}

// CallLimitConfig is a token bucket over media-stream upgrades. A zero
// PerSecond disables the limit.
type CallLimitConfig struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// RealtimeConfig configures the upstream conversational-AI connection.
type RealtimeConfig struct {
	// APIKey authenticates against the Realtime API. When empty it is read
	// from the OPENAI_API_KEY environment variable.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the Realtime WebSocket endpoint.
	BaseURL string `yaml:"base_url"`

	// Model is requested in the connection URL.
	Model string `yaml:"model"`

	// Voices is the pool a call's voice is drawn from.
	Voices []string `yaml:"voices"`

	// Instructions is the system prompt sent once per call.
	Instructions string `yaml:"instructions"`

	// Temperature is the sampling temperature declared at bootstrap, within
	// [MinTemperature, MaxTemperature].
	Temperature float64 `yaml:"temperature"`

	// AudioFormat is declared for both input and output audio. It must match
	// the telephony stream's encoding; no transcoding is performed.
	AudioFormat string `yaml:"audio_format"`

	// DialTimeout bounds establishing the upstream connection.
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// Breaker tunes the circuit breaker that guards upstream dials.
	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig tunes the upstream circuit breaker.
type BreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// CallConfig shapes the call-control document returned for incoming calls.
type CallConfig struct {
	// Greetings are spoken in order before the media stream connects, with
	// a pause between consecutive entries.
	Greetings []string `yaml:"greetings"`

	// PauseSeconds is the length of each pause between greetings. Zero
	// speaks the greetings back to back.
	PauseSeconds int `yaml:"pause_seconds"`
}

// InterruptionConfig tunes caller barge-in handling.
type InterruptionConfig struct {
	// Debounce is the quiet period after the last AI audio frame before
	// caller audio cancels the response.
	Debounce time.Duration `yaml:"debounce"`

	// ClearOnResponseDone treats the server's response.done event as an
	// explicit end of the AI's turn.
	ClearOnResponseDone bool `yaml:"clear_on_response_done"`

	// ClearTelephonyBuffer sends a clear event to the telephony side along
	// with every response.cancel so buffered AI audio stops playing.
	ClearTelephonyBuffer bool `yaml:"clear_telephony_buffer"`
}

// TelemetryConfig configures the OpenTelemetry resource.
type TelemetryConfig struct {
	// ServiceName is reported in telemetry. Default: "phonebridge".
	ServiceName string `yaml:"service_name"`
}
