package config_test

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/millwright/internal/config"
)

const watchedYAML = `
server:
  log_level: info
providers:
  conversation:
    name: openai
    api_key: sk-test
  stt:
    name: whisper
    base_url: http://localhost:8080
delivery:
  transport: none
conversation:
  instructions: You steer two windmills.
`

// rewrite replaces the file and bumps its mtime past the previous one, so
// the change is visible even on filesystems with coarse timestamps.
func rewrite(t *testing.T, path, content string) {
	t.Helper()
	prev := time.Now()
	if info, err := os.Stat(path); err == nil {
		prev = info.ModTime()
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	next := prev.Add(time.Second)
	if err := os.Chtimes(path, next, next); err != nil {
		t.Fatalf("chtimes %s: %v", path, err)
	}
}

// watch starts w.Run in the background and returns its diffs on a channel.
func watch(t *testing.T, w *config.Watcher) <-chan config.ConfigDiff {
	t.Helper()
	ctx, cancel := context.WithCancel(t.Context())
	diffs := make(chan config.ConfigDiff, 4)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx, func(d config.ConfigDiff) { diffs <- d })
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return diffs
}

func newWatched(t *testing.T, content string, opts ...config.WatcherOption) (string, *config.Watcher) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	rewrite(t, path, content)
	opts = append([]config.WatcherOption{config.WithInterval(20 * time.Millisecond), config.WithEnv(nil)}, opts...)
	w, err := config.NewWatcher(path, opts...)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	return path, w
}

func expectDiff(t *testing.T, diffs <-chan config.ConfigDiff) config.ConfigDiff {
	t.Helper()
	select {
	case d := <-diffs:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("no reload reported")
		return config.ConfigDiff{}
	}
}

func expectQuiet(t *testing.T, diffs <-chan config.ConfigDiff) {
	t.Helper()
	select {
	case d := <-diffs:
		t.Fatalf("unexpected reload: %+v", d)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestNewWatcher_MissingFile(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	_, w := newWatched(t, watchedYAML)
	cfg := w.Current()
	if cfg.Conversation.Instructions != "You steer two windmills." {
		t.Errorf("instructions: %q", cfg.Conversation.Instructions)
	}
	if cfg.Delivery.Transport != config.TransportNone {
		t.Errorf("transport: %q", cfg.Delivery.Transport)
	}
}

func TestWatcher_ReportsLiveChanges(t *testing.T) {
	t.Parallel()
	path, w := newWatched(t, watchedYAML)
	diffs := watch(t, w)

	rewrite(t, path, `
server:
  log_level: debug
providers:
  conversation:
    name: openai
    api_key: sk-test
  stt:
    name: whisper
    base_url: http://localhost:8080
delivery:
  transport: none
conversation:
  instructions: You steer three windmills.
`)
	d := expectDiff(t, diffs)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("log level: %+v", d)
	}
	if !d.InstructionsChanged || d.NewInstructions != "You steer three windmills." {
		t.Errorf("instructions: %+v", d)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("restart required: %v", d.RestartRequired)
	}
	if w.Current().Server.LogLevel != config.LogDebug {
		t.Error("Current() not updated")
	}
}

func TestWatcher_ReportsRestartSections(t *testing.T) {
	t.Parallel()
	path, w := newWatched(t, watchedYAML)
	diffs := watch(t, w)

	rewrite(t, path, watchedYAML+`
journal:
  dsn: postgres://localhost/millwright
`)
	d := expectDiff(t, diffs)
	if !slices.Contains(d.RestartRequired, "journal") {
		t.Errorf("restart required = %v, want journal", d.RestartRequired)
	}
}

func TestWatcher_InvalidFileKeepsPrevious(t *testing.T) {
	t.Parallel()
	path, w := newWatched(t, watchedYAML)
	diffs := watch(t, w)

	rewrite(t, path, "server:\n  log_level: bananas\n")
	expectQuiet(t, diffs)
	if w.Current().Server.LogLevel != config.LogInfo {
		t.Errorf("log level = %q, want previous info", w.Current().Server.LogLevel)
	}

	rewrite(t, path, strings.Replace(watchedYAML, "log_level: info", "log_level: warn", 1))
	d := expectDiff(t, diffs)
	if d.NewLogLevel != config.LogWarn {
		t.Errorf("log level after fix: %+v", d)
	}
}

func TestWatcher_TouchWithoutChange(t *testing.T) {
	t.Parallel()
	path, w := newWatched(t, watchedYAML)
	diffs := watch(t, w)

	rewrite(t, path, watchedYAML)
	expectQuiet(t, diffs)
}

func TestWatcher_OverlaysEnvOnReload(t *testing.T) {
	t.Parallel()
	env := map[string]string{"MQTT_TOPIC": "mills/north"}
	path, w := newWatched(t, watchedYAML, config.WithEnv(envOf(env)))
	if w.Current().Delivery.Topic != "mills/north" {
		t.Fatalf("initial topic: %q", w.Current().Delivery.Topic)
	}
	diffs := watch(t, w)

	rewrite(t, path, strings.Replace(watchedYAML, "transport: none", "transport: mqtt\n  broker: broker.local\n  topic: ignored", 1))
	d := expectDiff(t, diffs)
	if !slices.Contains(d.RestartRequired, "delivery") {
		t.Errorf("restart required = %v, want delivery", d.RestartRequired)
	}
	if got := w.Current().Delivery.Topic; got != "mills/north" {
		t.Errorf("topic = %q, want env value", got)
	}
}

func TestWatcher_RunStopsOnCancel(t *testing.T) {
	t.Parallel()
	_, w := newWatched(t, watchedYAML)
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, nil) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
