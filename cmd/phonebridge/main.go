// Command phonebridge is the main entry point for the phone-to-Realtime
// media relay server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/MrWong99/phonebridge/internal/app"
	"github.com/MrWong99/phonebridge/internal/config"
	"github.com/MrWong99/phonebridge/internal/observe"
)

// version is overridden at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	envPath := flag.String("env-file", ".env", "optional dotenv file loaded before the config")
	flag.Parse()

	if err := config.LoadDotenv(*envPath); err != nil {
		fmt.Fprintf(os.Stderr, "phonebridge: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	slog.SetDefault(newLogger(&level))

	// ── Load configuration (watched for changes) ──────────────────────────────
	watcher, err := config.NewWatcher(*configPath, config.WithOnChange(func(old, new *config.Config) {
		onConfigChange(&level, old, new)
	}))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "phonebridge: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "phonebridge: %v\n", err)
		}
		return 1
	}
	defer watcher.Stop()

	cfg := watcher.Current()
	level.Set(slogLevel(cfg.Server.LogLevel))

	slog.Info("phonebridge starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"stream_path", cfg.Server.StreamPath,
		"model", cfg.Realtime.Model,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	shutdownTelemetry, err := observe.InitProvider(context.Background(), observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		Registry:       reg,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// SIGHUP forces a config re-read without waiting for the next poll.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go reloadOnSignal(ctx, hup, watcher)

	application, err := app.New(watcher.Current,
		app.WithRegistry(reg),
		app.WithCloser(shutdownTelemetry),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	if err := application.Run(ctx); err != nil {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	timeout := watcher.Current().Server.ShutdownTimeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	slog.Info("shutdown signal received, stopping…", "timeout", timeout)

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// reloadOnSignal reloads the config each time sig fires until ctx ends.
func reloadOnSignal(ctx context.Context, sig <-chan os.Signal, w *config.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sig:
			changed, err := w.Reload()
			switch {
			case err != nil:
				slog.Warn("config reload failed; keeping previous config", "err", err)
			case !changed:
				slog.Info("config reload requested; file unchanged")
			}
		}
	}
}

// onConfigChange applies what can change live and reports the rest.
func onConfigChange(level *slog.LevelVar, old, new *config.Config) {
	d := config.Diff(old, new)
	if !d.HasChanges() {
		return
	}
	if d.LogLevelChanged {
		level.Set(slogLevel(d.NewLogLevel))
	}
	slog.Info("config reloaded; changes apply to new calls",
		"log_level", d.LogLevelChanged,
		"instructions", d.InstructionsChanged,
		"voices", d.VoicesChanged,
		"model", d.ModelChanged,
		"endpoint", d.EndpointChanged,
		"temperature", d.TemperatureChanged,
		"greetings", d.GreetingsChanged,
		"interruption", d.InterruptionChanged,
	)
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart", "fields", d.RestartRequired)
	}
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level *slog.LevelVar) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
