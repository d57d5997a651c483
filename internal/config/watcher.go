package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Watcher polls a config file and reports what changed between the last
// valid load and the current file contents.
type Watcher struct {
	path     string
	interval time.Duration
	lookup   LookupFunc

	mu      sync.Mutex
	current *Config
	modTime time.Time
	sum     [sha256.Size]byte
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

// WithEnv overlays the environment read through lookup on every load. The
// default is os.LookupEnv; nil disables the overlay.
func WithEnv(lookup LookupFunc) WatcherOption {
	return func(w *Watcher) { w.lookup = lookup }
}

// NewWatcher loads path once and returns a watcher primed with it. Polling
// starts with [Watcher.Run].
func NewWatcher(path string, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		lookup:   os.LookupEnv,
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, sum, modTime, err := w.load()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current, w.sum, w.modTime = cfg, sum, modTime
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run polls until ctx is cancelled. onChange receives the difference each
// time the file changes to a valid config that differs from the current one.
// An invalid file is logged and ignored until it is fixed.
func (w *Watcher) Run(ctx context.Context, onChange func(ConfigDiff)) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if d, ok := w.check(); ok && onChange != nil {
				onChange(d)
			}
		}
	}
}

func (w *Watcher) check() (ConfigDiff, bool) {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config: cannot stat watched file", "path", w.path, "err", err)
		return ConfigDiff{}, false
	}

	w.mu.Lock()
	unchanged := info.ModTime().Equal(w.modTime)
	w.mu.Unlock()
	if unchanged {
		return ConfigDiff{}, false
	}

	cfg, sum, modTime, err := w.load()
	if err != nil {
		slog.Warn("config: reload rejected, keeping previous config", "path", w.path, "err", err)
		return ConfigDiff{}, false
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.modTime = modTime
	if sum == w.sum {
		return ConfigDiff{}, false
	}
	d := Diff(w.current, cfg)
	w.current, w.sum = cfg, sum
	slog.Info("config: file reloaded", "path", w.path, "changed", d.Changed())
	return d, d.Changed()
}

func (w *Watcher) load() (*Config, [sha256.Size]byte, time.Time, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, [sha256.Size]byte{}, time.Time{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, [sha256.Size]byte{}, time.Time{}, err
	}
	cfg, err := LoadWithEnv(bytes.NewReader(data), w.lookup)
	if err != nil {
		return nil, [sha256.Size]byte{}, time.Time{}, err
	}
	return cfg, sha256.Sum256(data), info.ModTime(), nil
}
