package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/MrWong99/phonebridge/internal/config"
)

func TestSlogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := slogLevel(tt.in); got != tt.want {
			t.Errorf("slogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestOnConfigChange_AppliesLogLevel(t *testing.T) {
	t.Parallel()

	old := &config.Config{}
	config.ApplyDefaults(old)
	updated := *old
	updated.Server.LogLevel = config.LogDebug

	var level slog.LevelVar
	onConfigChange(&level, old, &updated)
	if got := level.Level(); got != slog.LevelDebug {
		t.Errorf("level = %v, want debug", got)
	}

	// Unchanged configs leave the level alone.
	level.Set(slog.LevelWarn)
	onConfigChange(&level, &updated, &updated)
	if got := level.Level(); got != slog.LevelWarn {
		t.Errorf("level = %v, want warn", got)
	}
}

func TestReloadOnSignal(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	write := func(prompt string) {
		t.Helper()
		body := "realtime:\n  api_key: sk-test\n  instructions: " + prompt + "\n"
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}
	}
	write("before")

	w, err := config.NewWatcher(path, config.WithInterval(time.Hour))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sig := make(chan os.Signal, 1)
	go reloadOnSignal(ctx, sig, w)

	write("after")
	sig <- syscall.SIGHUP

	deadline := time.Now().Add(2 * time.Second)
	for w.Current().Realtime.Instructions != "after" {
		if time.Now().After(deadline) {
			t.Fatalf("instructions = %q after SIGHUP, want after", w.Current().Realtime.Instructions)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
