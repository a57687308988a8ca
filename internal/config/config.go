// Package config provides the configuration schema, loader, hot-reload
// watcher and processor registry for the callcenter server.
package config

import (
	"time"

	"github.com/MrWong99/callcenter/internal/call"
)

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

// Defaults for fields left out of the YAML file.
const (
	DefaultListenAddr      = "[::]:50051"
	DefaultAdminAddr       = ":8080"
	DefaultWebSocketPath   = "/v1/live"
	DefaultShutdownTimeout = 15 * time.Second
	DefaultServiceName     = "callcenter"
)

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Session    SessionConfig    `yaml:"session"`
	Processors []ProcessorEntry `yaml:"processors"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the gRPC listener.
	ListenAddr string `yaml:"listen_addr"`

	// AdminAddr is the TCP address of the HTTP listener serving health,
	// metrics, the call inspector and the WebSocket endpoint. Empty disables
	// the HTTP listener.
	AdminAddr string `yaml:"admin_addr"`

	// WebSocketPath mounts the WebSocket call endpoint on the admin listener.
	// Empty disables it.
	WebSocketPath string `yaml:"websocket_path"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`

	// ShutdownTimeout bounds graceful shutdown, including the time live calls
	// get to drain.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// SessionConfig tunes every call session. Changes apply to calls accepted
// after the reload.
type SessionConfig struct {
	QueueCapacity    int                 `yaml:"queue_capacity"`
	PushTimeout      time.Duration       `yaml:"push_timeout"`
	PollInterval     time.Duration       `yaml:"poll_interval"`
	Overflow         call.Overflow       `yaml:"overflow"`
	IdentityConflict call.ConflictPolicy `yaml:"identity_conflict"`

	// HistoryTTL is how long ended calls stay visible in the inspector.
	HistoryTTL time.Duration `yaml:"history_ttl"`
}

// Call converts c to the settings [call.NewSession] takes.
func (c SessionConfig) Call() call.SessionConfig {
	return call.SessionConfig{
		QueueCapacity:    c.QueueCapacity,
		PushTimeout:      c.PushTimeout,
		PollInterval:     c.PollInterval,
		Overflow:         c.Overflow,
		IdentityConflict: c.IdentityConflict,
	}
}

// ProcessorEntry selects one stage of the processing chain. Stages run in
// list order.
type ProcessorEntry struct {
	// Name selects the registered processor (e.g. "marker", "format").
	Name string `yaml:"name"`

	// Options holds processor-specific settings. Values may be strings,
	// numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// TelemetryConfig configures the OpenTelemetry resource.
type TelemetryConfig struct {
	// ServiceName is reported as service.name on every metric and span.
	ServiceName string `yaml:"service_name"`
}

// Default returns the built-in configuration: gRPC on [DefaultListenAddr],
// admin HTTP on [DefaultAdminAddr] and the marker processor.
func Default() *Config {
	d := call.DefaultSessionConfig()
	return &Config{
		Server: ServerConfig{
			ListenAddr:      DefaultListenAddr,
			AdminAddr:       DefaultAdminAddr,
			WebSocketPath:   DefaultWebSocketPath,
			LogLevel:        LogInfo,
			ShutdownTimeout: DefaultShutdownTimeout,
		},
		Session: SessionConfig{
			QueueCapacity:    d.QueueCapacity,
			PushTimeout:      d.PushTimeout,
			PollInterval:     d.PollInterval,
			Overflow:         d.Overflow,
			IdentityConflict: d.IdentityConflict,
			HistoryTTL:       call.DefaultHistoryTTL,
		},
		Processors: []ProcessorEntry{{Name: ProcessorMarker}},
		Telemetry:  TelemetryConfig{ServiceName: DefaultServiceName},
	}
}

// ApplyDefaults fills zero-valued fields from [Default]. Addresses are left
// alone because empty ones disable a listener.
func (c *Config) ApplyDefaults() {
	d := Default()
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = d.Server.ListenAddr
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = d.Server.LogLevel
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = d.Server.ShutdownTimeout
	}
	if c.Session.QueueCapacity == 0 {
		c.Session.QueueCapacity = d.Session.QueueCapacity
	}
	if c.Session.PushTimeout == 0 {
		c.Session.PushTimeout = d.Session.PushTimeout
	}
	if c.Session.PollInterval == 0 {
		c.Session.PollInterval = d.Session.PollInterval
	}
	if c.Session.Overflow == "" {
		c.Session.Overflow = d.Session.Overflow
	}
	if c.Session.IdentityConflict == "" {
		c.Session.IdentityConflict = d.Session.IdentityConflict
	}
	if c.Session.HistoryTTL == 0 {
		c.Session.HistoryTTL = d.Session.HistoryTTL
	}
	if c.Processors == nil {
		c.Processors = d.Processors
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = d.Telemetry.ServiceName
	}
}
