package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidProcessorNames lists the built-in processor names. Used by [Validate]
// to warn about unrecognised names; third-party processors registered in a
// [Registry] are still accepted.
var ValidProcessorNames = []string{ProcessorMarker, ProcessorFormat, ProcessorPassthrough}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
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

// LoadFromReader decodes a YAML config from r on top of [Default] and
// validates the result. Keys absent from the document keep their defaults;
// unknown keys are an error.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if p := cfg.Server.WebSocketPath; p != "" && !strings.HasPrefix(p, "/") {
		errs = append(errs, fmt.Errorf("server.websocket_path %q must start with /", p))
	}
	if cfg.Server.WebSocketPath != "" && cfg.Server.AdminAddr == "" {
		slog.Warn("server.websocket_path is set but server.admin_addr is empty; the WebSocket endpoint is disabled")
	}
	if cfg.Server.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.shutdown_timeout %v must not be negative", cfg.Server.ShutdownTimeout))
	}

	// Session
	s := cfg.Session
	if s.QueueCapacity < 1 {
		errs = append(errs, fmt.Errorf("session.queue_capacity %d must be at least 1", s.QueueCapacity))
	}
	if s.PushTimeout <= 0 {
		errs = append(errs, fmt.Errorf("session.push_timeout %v must be positive", s.PushTimeout))
	}
	if s.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("session.poll_interval %v must be positive", s.PollInterval))
	}
	if !s.Overflow.IsValid() {
		errs = append(errs, fmt.Errorf("session.overflow %q is invalid; valid values: drop_oldest, block", s.Overflow))
	}
	if !s.IdentityConflict.IsValid() {
		errs = append(errs, fmt.Errorf("session.identity_conflict %q is invalid; valid values: admit, reject", s.IdentityConflict))
	}
	if s.HistoryTTL <= 0 {
		errs = append(errs, fmt.Errorf("session.history_ttl %v must be positive", s.HistoryTTL))
	}

	// Processors
	for i, p := range cfg.Processors {
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("processors[%d].name is required", i))
			continue
		}
		validateProcessorName(p.Name)
	}

	return errors.Join(errs...)
}

// validateProcessorName logs a warning if name is not a built-in processor.
func validateProcessorName(name string) {
	if slices.Contains(ValidProcessorNames, name) {
		return
	}
	slog.Warn("unknown processor name; may be a typo or a third-party processor",
		"name", name,
		"known", ValidProcessorNames,
	)
}
