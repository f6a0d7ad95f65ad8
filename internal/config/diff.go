package config

import "slices"

// ConfigDiff describes what changed between two configs.
//
// Hot-reloadable fields apply to calls accepted after the reload. Fields in
// RestartRequired only take effect after a process restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	InstructionsChanged bool
	VoicesChanged       bool
	ModelChanged        bool
	EndpointChanged     bool
	TemperatureChanged  bool
	GreetingsChanged    bool
	InterruptionChanged bool

	// RestartRequired names changed fields that cannot be applied live.
	RestartRequired []string
}

// HasChanges reports whether anything at all differs.
func (d ConfigDiff) HasChanges() bool {
	return d.LogLevelChanged || d.InstructionsChanged || d.VoicesChanged ||
		d.ModelChanged || d.EndpointChanged || d.TemperatureChanged || d.GreetingsChanged ||
		d.InterruptionChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	d.InstructionsChanged = old.Realtime.Instructions != new.Realtime.Instructions
	d.VoicesChanged = !slices.Equal(old.Realtime.Voices, new.Realtime.Voices)
	d.ModelChanged = old.Realtime.Model != new.Realtime.Model
	d.EndpointChanged = old.Realtime.APIKey != new.Realtime.APIKey ||
		old.Realtime.BaseURL != new.Realtime.BaseURL ||
		old.Realtime.DialTimeout != new.Realtime.DialTimeout
	d.TemperatureChanged = old.Realtime.Temperature != new.Realtime.Temperature
	d.GreetingsChanged = !slices.Equal(old.Call.Greetings, new.Call.Greetings) ||
		old.Call.PauseSeconds != new.Call.PauseSeconds
	d.InterruptionChanged = old.Interruption != new.Interruption

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if old.Server.StreamPath != new.Server.StreamPath {
		d.RestartRequired = append(d.RestartRequired, "server.stream_path")
	}
	if old.Server.CallLimit != new.Server.CallLimit {
		d.RestartRequired = append(d.RestartRequired, "server.call_limit")
	}
	if !tlsEqual(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server.tls")
	}
	if old.Realtime.Breaker != new.Realtime.Breaker {
		d.RestartRequired = append(d.RestartRequired, "realtime.breaker")
	}
	if old.Telemetry != new.Telemetry {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}

	return d
}

func tlsEqual(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
