package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/MrWong99/callcenter/internal/call"
	"github.com/MrWong99/callcenter/internal/config"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: "127.0.0.1:50051"
  admin_addr: ":9090"
  websocket_path: /ws
  log_level: debug
  shutdown_timeout: 30s

session:
  queue_capacity: 128
  push_timeout: 250ms
  poll_interval: 1s
  overflow: block
  identity_conflict: reject
  history_ttl: 10m

processors:
  - name: format
    options:
      sample_rate: 16000
      channels: 1
  - name: marker

telemetry:
  service_name: callcenter-test
`

// ── YAML loading ──────────────────────────────────────────────────────────────

func TestLoadFromReader_FullConfig(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	want := &config.Config{
		Server: config.ServerConfig{
			ListenAddr:      "127.0.0.1:50051",
			AdminAddr:       ":9090",
			WebSocketPath:   "/ws",
			LogLevel:        config.LogDebug,
			ShutdownTimeout: 30 * time.Second,
		},
		Session: config.SessionConfig{
			QueueCapacity:    128,
			PushTimeout:      250 * time.Millisecond,
			PollInterval:     time.Second,
			Overflow:         call.OverflowBlock,
			IdentityConflict: call.ConflictReject,
			HistoryTTL:       10 * time.Minute,
		},
		Processors: []config.ProcessorEntry{
			{Name: "format", Options: map[string]any{"sample_rate": 16000, "channels": 1}},
			{Name: "marker"},
		},
		Telemetry: config.TelemetryConfig{ServiceName: "callcenter-test"},
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadFromReader_EmptyDocumentIsDefault(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if diff := cmp.Diff(config.Default(), cfg); diff != "" {
		t.Errorf("empty document should yield defaults (-want +got):\n%s", diff)
	}
}

func TestLoadFromReader_PartialKeepsDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader(`
session:
  queue_capacity: 8
server:
  admin_addr: ""
`))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Session.QueueCapacity != 8 {
		t.Errorf("queue_capacity = %d, want 8", cfg.Session.QueueCapacity)
	}
	if cfg.Session.PollInterval != 500*time.Millisecond {
		t.Errorf("poll_interval = %v, want the 500ms default", cfg.Session.PollInterval)
	}
	if cfg.Server.ListenAddr != config.DefaultListenAddr {
		t.Errorf("listen_addr = %q, want default", cfg.Server.ListenAddr)
	}
	if cfg.Server.AdminAddr != "" {
		t.Errorf("admin_addr = %q, want explicitly disabled", cfg.Server.AdminAddr)
	}
	if len(cfg.Processors) != 1 || cfg.Processors[0].Name != config.ProcessorMarker {
		t.Errorf("processors = %+v, want the default marker", cfg.Processors)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	t.Parallel()

	_, err := config.LoadFromReader(strings.NewReader(`
session:
  queue_size: 8
`))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
	if !strings.Contains(err.Error(), "queue_size") {
		t.Errorf("error should name the unknown field, got: %v", err)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	t.Parallel()

	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Load() error = %v, want os.ErrNotExist", err)
	}
}

func TestLoad_File(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telemetry.ServiceName != "callcenter-test" {
		t.Errorf("service_name = %q", cfg.Telemetry.ServiceName)
	}
}

// ── Defaults ──────────────────────────────────────────────────────────────────

func TestDefault_IsValid(t *testing.T) {
	t.Parallel()
	if err := config.Validate(config.Default()); err != nil {
		t.Errorf("Validate(Default()) = %v", err)
	}
}

func TestApplyDefaults(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{Session: config.SessionConfig{QueueCapacity: 3}}
	cfg.ApplyDefaults()

	if cfg.Session.QueueCapacity != 3 {
		t.Errorf("queue_capacity overwritten: %d", cfg.Session.QueueCapacity)
	}
	if cfg.Server.ListenAddr != config.DefaultListenAddr {
		t.Errorf("listen_addr = %q, want default", cfg.Server.ListenAddr)
	}
	if cfg.Server.AdminAddr != "" {
		t.Errorf("admin_addr = %q, want left empty", cfg.Server.AdminAddr)
	}
	if cfg.Session.Overflow != call.OverflowDropOldest || cfg.Session.IdentityConflict != call.ConflictAdmit {
		t.Errorf("policies = %q/%q, want defaults", cfg.Session.Overflow, cfg.Session.IdentityConflict)
	}
	if err := config.Validate(cfg); err != nil {
		t.Errorf("Validate after ApplyDefaults = %v", err)
	}
}

func TestSessionConfig_Call(t *testing.T) {
	t.Parallel()

	s := config.SessionConfig{
		QueueCapacity:    5,
		PushTimeout:      time.Second,
		PollInterval:     2 * time.Second,
		Overflow:         call.OverflowBlock,
		IdentityConflict: call.ConflictReject,
		HistoryTTL:       time.Hour,
	}
	want := call.SessionConfig{
		QueueCapacity:    5,
		PushTimeout:      time.Second,
		PollInterval:     2 * time.Second,
		Overflow:         call.OverflowBlock,
		IdentityConflict: call.ConflictReject,
	}
	if got := s.Call(); got != want {
		t.Errorf("Call() = %+v, want %+v", got, want)
	}
}

func TestLogLevel_IsValid(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		level config.LogLevel
		want  bool
	}{
		{config.LogDebug, true},
		{config.LogInfo, true},
		{config.LogWarn, true},
		{config.LogError, true},
		{"verbose", false},
		{"", false},
	} {
		if got := tc.level.IsValid(); got != tc.want {
			t.Errorf("LogLevel(%q).IsValid() = %v, want %v", tc.level, got, tc.want)
		}
	}
}
