package config

import (
	"maps"
	"slices"
	"time"
)

// ConfigDiff describes what changed between two configs. Only settings that
// can be applied without a restart are reported as actionable; everything
// else sets RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	RetentionChanged bool
	NewRetention     time.Duration

	// RestartRequired is true when a setting that is only read at startup
	// changed (runtime, workspace root, limits, tools, journal, transport).
	RestartRequired bool
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Workspace.Retention != new.Workspace.Retention {
		d.RetentionChanged = true
		d.NewRetention = new.Workspace.Retention
	}

	oldServer, newServer := old.Server, new.Server
	oldWS, newWS := old.Workspace, new.Workspace
	switch {
	case oldServer.ListenAddr != newServer.ListenAddr,
		oldServer.Transport != newServer.Transport,
		oldServer.Instance != newServer.Instance,
		!equalTLS(oldServer.TLS, newServer.TLS),
		old.Runtime != new.Runtime,
		oldWS.DataRoot != newWS.DataRoot,
		oldWS.SweepSchedule != newWS.SweepSchedule,
		!slices.Equal(oldWS.InputRoots, newWS.InputRoots),
		old.Execution != new.Execution,
		old.Journal != new.Journal,
		old.Telemetry != new.Telemetry,
		!maps.EqualFunc(old.Tools, new.Tools, equalTool):
		d.RestartRequired = true
	}
	return d
}

func equalTLS(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func equalTool(a, b ToolConfig) bool {
	if a.Image != b.Image || a.Timeout != b.Timeout {
		return false
	}
	if a.ConcurrencySafe == nil || b.ConcurrencySafe == nil {
		return a.ConcurrencySafe == b.ConcurrencySafe
	}
	return *a.ConcurrencySafe == *b.ConcurrencySafe
}
