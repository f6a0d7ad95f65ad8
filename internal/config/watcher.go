package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Watcher keeps the latest valid config for a file. It polls the file's
// mtime and reloads when the content hash changes; [Watcher.Reload] forces a
// re-read (main wires it to SIGHUP).
//
// Every accepted call takes one [Watcher.Current] snapshot, so running calls
// keep the config they started with and only later calls see a reload.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)

	current atomic.Pointer[Config]

	// reloadMu serialises reloads from the poller and from Reload.
	reloadMu  sync.Mutex
	lastMtime time.Time
	lastHash  [sha256.Size]byte

	done     chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithOnChange registers a callback invoked after each reload that changed
// the content. It runs on the reloading goroutine.
func WithOnChange(fn func(old, new *Config)) WatcherOption {
	return func(w *Watcher) { w.onChange = fn }
}

// NewWatcher loads the file at path and starts polling it in a background
// goroutine. It fails if the initial load fails.
func NewWatcher(path string, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	snap, err := readSnapshot(path)
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current.Store(snap.cfg)
	w.lastHash, w.lastMtime = snap.hash, snap.mtime

	go w.poll()
	return w, nil
}

// Current returns the most recently loaded valid config. It never blocks.
func (w *Watcher) Current() *Config { return w.current.Load() }

// Reload re-reads the file now, whatever its mtime. It reports whether the
// content changed. On error the previous config stays current.
func (w *Watcher) Reload() (bool, error) {
	return w.reload(true)
}

// Stop stops polling. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

func (w *Watcher) poll() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			if _, err := w.reload(false); err != nil {
				slog.Warn("config watcher: keeping previous config", "path", w.path, "err", err)
			}
		}
	}
}

// reload swaps in the file's config when its content changed. Unless force
// is set, an unchanged mtime short-circuits before the file is read.
func (w *Watcher) reload(force bool) (bool, error) {
	w.reloadMu.Lock()

	if !force {
		info, err := os.Stat(w.path)
		if err != nil {
			w.reloadMu.Unlock()
			return false, err
		}
		if info.ModTime().Equal(w.lastMtime) {
			w.reloadMu.Unlock()
			return false, nil
		}
	}

	snap, err := readSnapshot(w.path)
	if err != nil {
		w.reloadMu.Unlock()
		return false, err
	}
	w.lastMtime = snap.mtime
	if snap.hash == w.lastHash {
		w.reloadMu.Unlock()
		return false, nil
	}
	w.lastHash = snap.hash
	old := w.current.Swap(snap.cfg)
	w.reloadMu.Unlock()

	slog.Info("config watcher: configuration reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(old, snap.cfg)
	}
	return true, nil
}

type snapshot struct {
	cfg   *Config
	hash  [sha256.Size]byte
	mtime time.Time
}

func readSnapshot(path string) (snapshot, error) {
	info, err := os.Stat(path)
	if err != nil {
		return snapshot{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return snapshot{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return snapshot{}, err
	}
	return snapshot{cfg: cfg, hash: sha256.Sum256(data), mtime: info.ModTime()}, nil
}
