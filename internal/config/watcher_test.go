package config_test

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/callcenter/internal/call"
	"github.com/MrWong99/callcenter/internal/config"
)

const watcherValidYAML = `
server:
  log_level: info
session:
  queue_capacity: 32
processors:
  - name: marker
`

const watcherUpdatedYAML = `
server:
  log_level: debug
session:
  queue_capacity: 16
  overflow: block
processors:
  - name: passthrough
`

const watcherInvalidYAML = `
server:
  log_level: bananas
`

const pollInterval = 20 * time.Millisecond

// ── helpers ──────────────────────────────────────────────────────────────────

// change is one onChange invocation.
type change struct{ old, new *config.Config }

// syncBuffer is a bytes.Buffer safe for the watcher goroutine to log into.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// configFile is a config file whose mtime is advanced explicitly on every
// edit, so change detection does not depend on filesystem timestamp
// granularity.
type configFile struct {
	path  string
	mtime time.Time
}

func newConfigFile(t *testing.T, content string) *configFile {
	t.Helper()
	f := &configFile{
		path:  filepath.Join(t.TempDir(), "config.yaml"),
		mtime: time.Now().Add(-time.Hour),
	}
	f.write(t, content)
	return f
}

// write replaces the file atomically, so the watcher never observes the new
// content under an intermediate mtime.
func (f *configFile) write(t *testing.T, content string) {
	t.Helper()
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		t.Fatalf("write %q: %v", tmp, err)
	}
	f.mtime = f.mtime.Add(time.Second)
	if err := os.Chtimes(tmp, f.mtime, f.mtime); err != nil {
		t.Fatalf("chtimes %q: %v", tmp, err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		t.Fatalf("rename %q: %v", tmp, err)
	}
}

func (f *configFile) touch(t *testing.T) {
	t.Helper()
	f.mtime = f.mtime.Add(time.Second)
	if err := os.Chtimes(f.path, f.mtime, f.mtime); err != nil {
		t.Fatalf("chtimes %q: %v", f.path, err)
	}
}

// startWatcher runs a watcher on f with a fast interval. Changes are
// delivered on the returned channel and log output goes to the buffer.
func startWatcher(t *testing.T, f *configFile) (*config.Watcher, <-chan change, *syncBuffer) {
	t.Helper()
	changes := make(chan change, 8)
	logs := &syncBuffer{}
	w, err := config.NewWatcher(f.path, func(old, new *config.Config) {
		changes <- change{old, new}
	},
		config.WithInterval(pollInterval),
		config.WithWatcherLogger(slog.New(slog.NewTextHandler(logs, nil))),
	)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(w.Stop)
	return w, changes, logs
}

func waitChange(t *testing.T, changes <-chan change) change {
	t.Helper()
	select {
	case c := <-changes:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("onChange was not called")
		return change{}
	}
}

func expectNoChange(t *testing.T, changes <-chan change) {
	t.Helper()
	select {
	case c := <-changes:
		t.Fatalf("unexpected onChange: %q -> %q", c.old.Server.LogLevel, c.new.Server.LogLevel)
	case <-time.After(10 * pollInterval):
	}
}

// ── tests ────────────────────────────────────────────────────────────────────

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	f := newConfigFile(t, watcherValidYAML)
	w, _, _ := startWatcher(t, f)

	cfg := w.Current()
	if cfg == nil {
		t.Fatal("Current() returned nil after initial load")
	}
	if cfg.Server.LogLevel != config.LogInfo || cfg.Session.QueueCapacity != 32 {
		t.Errorf("Current() = log_level %q, queue_capacity %d; want info, 32",
			cfg.Server.LogLevel, cfg.Session.QueueCapacity)
	}
	if err := w.Ready(); err != nil {
		t.Errorf("Ready() = %v, want nil", err)
	}
	if w.Path() != f.path {
		t.Errorf("Path() = %q, want %q", w.Path(), f.path)
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()

	t.Run("missing file", func(t *testing.T) {
		t.Parallel()
		_, err := config.NewWatcher(filepath.Join(t.TempDir(), "missing.yaml"), nil)
		if !errors.Is(err, os.ErrNotExist) {
			t.Errorf("NewWatcher() = %v, want os.ErrNotExist", err)
		}
	})
	t.Run("invalid content", func(t *testing.T) {
		t.Parallel()
		f := newConfigFile(t, watcherInvalidYAML)
		_, err := config.NewWatcher(f.path, nil)
		if err == nil || !strings.Contains(err.Error(), "server.log_level") {
			t.Errorf("NewWatcher() = %v, want a server.log_level validation error", err)
		}
	})
}

func TestWatcher_ReadyWithoutConfig(t *testing.T) {
	t.Parallel()
	var w config.Watcher
	if err := w.Ready(); !errors.Is(err, config.ErrNoConfig) {
		t.Errorf("Ready() on an unloaded watcher = %v, want ErrNoConfig", err)
	}
}

func TestWatcher_ReloadsOnEdit(t *testing.T) {
	t.Parallel()
	f := newConfigFile(t, watcherValidYAML)
	w, changes, logs := startWatcher(t, f)

	f.write(t, watcherUpdatedYAML)
	c := waitChange(t, changes)

	if c.old.Server.LogLevel != config.LogInfo || c.new.Server.LogLevel != config.LogDebug {
		t.Errorf("onChange log_level %q -> %q, want info -> debug", c.old.Server.LogLevel, c.new.Server.LogLevel)
	}
	d := config.Diff(c.old, c.new)
	if !d.SessionChanged || !d.ProcessorsChanged || !d.LogLevelChanged {
		t.Errorf("Diff() = %+v, want session, processors and log level changed", d)
	}
	if got := c.new.Session.Call().Overflow; got != call.OverflowBlock {
		t.Errorf("new overflow = %q, want block", got)
	}
	if w.Current() != c.new {
		t.Error("Current() is not the config passed to onChange")
	}
	if out := logs.String(); !strings.Contains(out, "configuration reloaded") || !strings.Contains(out, f.path) {
		t.Errorf("reload not logged to the configured logger:\n%s", out)
	}
}

func TestWatcher_InvalidEditKeepsPrevious(t *testing.T) {
	t.Parallel()
	f := newConfigFile(t, watcherValidYAML)
	w, changes, logs := startWatcher(t, f)

	f.write(t, watcherInvalidYAML)
	expectNoChange(t, changes)

	if got := w.Current().Server.LogLevel; got != config.LogInfo {
		t.Errorf("Current() log_level = %q after invalid edit, want info", got)
	}
	if err := w.Ready(); err != nil {
		t.Errorf("Ready() = %v after invalid edit, want nil", err)
	}
	// Many polls have passed; the broken edit is reported once.
	if n := strings.Count(logs.String(), "keeping previous config"); n != 1 {
		t.Errorf("invalid edit logged %d times, want 1:\n%s", n, logs.String())
	}

	// Fixing the file reloads against the last valid config.
	f.write(t, watcherUpdatedYAML)
	c := waitChange(t, changes)
	if c.old.Server.LogLevel != config.LogInfo || c.new.Server.LogLevel != config.LogDebug {
		t.Errorf("onChange log_level %q -> %q, want info -> debug", c.old.Server.LogLevel, c.new.Server.LogLevel)
	}
}

func TestWatcher_TouchWithoutContentChange(t *testing.T) {
	t.Parallel()
	f := newConfigFile(t, watcherValidYAML)
	_, changes, _ := startWatcher(t, f)

	f.touch(t)
	expectNoChange(t, changes)
}

func TestWatcher_StopHaltsPolling(t *testing.T) {
	t.Parallel()
	f := newConfigFile(t, watcherValidYAML)
	w, changes, _ := startWatcher(t, f)

	w.Stop()
	w.Stop()

	f.write(t, watcherUpdatedYAML)
	expectNoChange(t, changes)
	if got := w.Current().Server.LogLevel; got != config.LogInfo {
		t.Errorf("Current() log_level = %q after Stop, want info", got)
	}
}
