package config

import "reflect"

// ConfigDiff describes what changed between two configs.
// Hot-reloadable changes get a flag; everything else is listed in
// RestartRequired so the caller can warn about it.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SessionChanged is true if any session setting other than HistoryTTL
	// changed. New values apply to calls accepted afterwards.
	SessionChanged bool

	// ProcessorsChanged is true if the processor chain changed in order,
	// names or options.
	ProcessorsChanged bool

	// RestartRequired names the changed fields that only take effect after
	// a restart.
	RestartRequired []string
}

// Changed reports whether d carries any change at all.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.SessionChanged || d.ProcessorsChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Session.Call() != new.Session.Call() {
		d.SessionChanged = true
	}

	if !reflect.DeepEqual(old.Processors, new.Processors) {
		d.ProcessorsChanged = true
	}

	restart := []struct {
		name    string
		changed bool
	}{
		{"server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr},
		{"server.admin_addr", old.Server.AdminAddr != new.Server.AdminAddr},
		{"server.websocket_path", old.Server.WebSocketPath != new.Server.WebSocketPath},
		{"server.shutdown_timeout", old.Server.ShutdownTimeout != new.Server.ShutdownTimeout},
		{"session.history_ttl", old.Session.HistoryTTL != new.Session.HistoryTTL},
		{"telemetry.service_name", old.Telemetry.ServiceName != new.Telemetry.ServiceName},
	}
	for _, r := range restart {
		if r.changed {
			d.RestartRequired = append(d.RestartRequired, r.name)
		}
	}

	return d
}
