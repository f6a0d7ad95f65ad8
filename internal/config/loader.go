package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/phonebridge/pkg/realtime"
)

// APIKeyEnv is consulted when realtime.api_key is empty.
const APIKeyEnv = "OPENAI_API_KEY"

// DefaultInstructions is the system prompt used when none is configured.
const DefaultInstructions = "You're a snarky, sarcastic phone companion with the timing of a stand-up comic. " +
	"You roast the caller good-naturedly, lean on dad jokes, owl puns and the occasional rickroll, " +
	"and keep every reply short because this is a phone call."

// Defaults for fields left empty in the YAML file.
const (
	DefaultListenAddr      = ":5050"
	DefaultStreamPath      = "/media-stream"
	DefaultTemperature     = 0.8
	DefaultPauseSeconds    = 1
	DefaultDialTimeout     = 10 * time.Second
	DefaultShutdownTimeout = 15 * time.Second
	DefaultServiceName     = "phonebridge"
)

// The Realtime API accepts sampling temperatures in this range.
const (
	MinTemperature = 0.6
	MaxTemperature = 1.2
)

// DefaultGreetings are spoken before the media stream connects.
var DefaultGreetings = []string{"Hey! What's up?", "Okay, you can start talking!"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills in defaults and
// environment fallbacks, and validates the result. An empty reader yields the
// default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	// Fields where zero is a meaningful value are seeded before decoding, so
	// an explicit zero in the file survives ApplyDefaults.
	cfg := &Config{
		Realtime: RealtimeConfig{Temperature: DefaultTemperature},
		Call:     CallConfig{PauseSeconds: DefaultPauseSeconds},
	}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if cfg.Realtime.APIKey == "" {
		cfg.Realtime.APIKey = os.Getenv(APIKeyEnv)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero-valued fields of cfg with their defaults. It is
// meant for configs built in code; a zero temperature or pause is treated as
// unset. [LoadFromReader] keeps explicit zeros from the file.
func ApplyDefaults(cfg *Config) {
	if cfg.Realtime.Temperature == 0 {
		cfg.Realtime.Temperature = DefaultTemperature
	}
	if cfg.Call.PauseSeconds == 0 {
		cfg.Call.PauseSeconds = DefaultPauseSeconds
	}
	applyDefaults(cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.StreamPath == "" {
		cfg.Server.StreamPath = DefaultStreamPath
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Server.CallLimit.PerSecond > 0 && cfg.Server.CallLimit.Burst == 0 {
		cfg.Server.CallLimit.Burst = 1
	}

	rt := &cfg.Realtime
	if rt.BaseURL == "" {
		rt.BaseURL = realtime.DefaultBaseURL
	}
	if rt.Model == "" {
		rt.Model = realtime.DefaultModel
	}
	if len(rt.Voices) == 0 {
		rt.Voices = append([]string(nil), realtime.DefaultVoices...)
	}
	if rt.Instructions == "" {
		rt.Instructions = DefaultInstructions
	}
	if rt.AudioFormat == "" {
		rt.AudioFormat = realtime.AudioFormatG711ULaw
	}
	if rt.DialTimeout == 0 {
		rt.DialTimeout = DefaultDialTimeout
	}

	if len(cfg.Call.Greetings) == 0 {
		cfg.Call.Greetings = append([]string(nil), DefaultGreetings...)
	}

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = DefaultServiceName
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.StreamPath != "" && !strings.HasPrefix(cfg.Server.StreamPath, "/") {
		errs = append(errs, fmt.Errorf("server.stream_path %q must start with /", cfg.Server.StreamPath))
	}
	if cfg.Server.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.shutdown_timeout %v must not be negative", cfg.Server.ShutdownTimeout))
	}
	if cl := cfg.Server.CallLimit; cl.PerSecond < 0 || cl.Burst < 0 {
		errs = append(errs, fmt.Errorf("server.call_limit (%v/s, burst %d) must not be negative", cl.PerSecond, cl.Burst))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "") != (tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Realtime
	rt := cfg.Realtime
	if rt.APIKey == "" {
		errs = append(errs, fmt.Errorf("realtime.api_key is required (or set %s)", APIKeyEnv))
	}
	if rt.BaseURL != "" {
		u, err := url.Parse(rt.BaseURL)
		if err != nil {
			errs = append(errs, fmt.Errorf("realtime.base_url: %w", err))
		} else if u.Scheme != "ws" && u.Scheme != "wss" {
			errs = append(errs, fmt.Errorf("realtime.base_url %q must use ws or wss", rt.BaseURL))
		}
	}
	if rt.Temperature < MinTemperature || rt.Temperature > MaxTemperature {
		errs = append(errs, fmt.Errorf("realtime.temperature %.2f is out of range [%.1f, %.1f]", rt.Temperature, MinTemperature, MaxTemperature))
	}
	for i, v := range rt.Voices {
		if strings.TrimSpace(v) == "" {
			errs = append(errs, fmt.Errorf("realtime.voices[%d] is empty", i))
		}
	}
	if rt.AudioFormat != "" && rt.AudioFormat != realtime.AudioFormatG711ULaw {
		slog.Warn("realtime.audio_format differs from the telephony encoding; audio is not transcoded",
			"audio_format", rt.AudioFormat,
		)
	}
	if rt.DialTimeout < 0 {
		errs = append(errs, fmt.Errorf("realtime.dial_timeout %v must not be negative", rt.DialTimeout))
	}
	if rt.Breaker.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("realtime.breaker.max_failures %d must not be negative", rt.Breaker.MaxFailures))
	}

	// Call
	if cfg.Call.PauseSeconds < 0 {
		errs = append(errs, fmt.Errorf("call.pause_seconds %d must not be negative", cfg.Call.PauseSeconds))
	}

	// Interruption
	if cfg.Interruption.Debounce < 0 {
		errs = append(errs, fmt.Errorf("interruption.debounce %v must not be negative", cfg.Interruption.Debounce))
	}

	return errors.Join(errs...)
}
