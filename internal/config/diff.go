package config

import "reflect"

// ConfigDiff describes what changed between two configs.
// Only the log level can be hot-reloaded; every other change is reported in
// RestartRequired so the operator knows a restart is pending.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired lists the top-level sections whose changes only take
	// effect after a restart (e.g. "provider", "call").
	RestartRequired []string
}

// Changed reports whether d holds any change at all.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// Compare the server section without the hot-applied log level.
	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""

	sections := []struct {
		name     string
		old, new any
	}{
		{"server", oldServer, newServer},
		{"store", old.Store, new.Store},
		{"cache", old.Cache, new.Cache},
		{"provider", old.Provider, new.Provider},
		{"samples", old.Samples, new.Samples},
		{"call", old.Call, new.Call},
		{"twilio", old.Twilio, new.Twilio},
		{"push", old.Push, new.Push},
		{"telemetry", old.Telemetry, new.Telemetry},
	}
	for _, s := range sections {
		if !reflect.DeepEqual(s.old, s.new) {
			d.RestartRequired = append(d.RestartRequired, s.name)
		}
	}

	return d
}
