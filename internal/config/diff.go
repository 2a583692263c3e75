package config

import "reflect"

// ConfigDiff describes what changed between two configs. Only the log level
// is applied live; every other changed section is listed in Restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// Restart names the top-level sections whose changes need a restart to
	// take effect, e.g. "relay" or "receiver".
	Restart []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && len(d.Restart) == 0
}

// Diff compares old and new configs.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.Restart = append(d.Restart, "server")
	}
	if old.Relay != new.Relay {
		d.Restart = append(d.Restart, "relay")
	}
	if !reflect.DeepEqual(old.Capture, new.Capture) {
		d.Restart = append(d.Restart, "capture")
	}
	if !reflect.DeepEqual(old.Receiver, new.Receiver) {
		d.Restart = append(d.Restart, "receiver")
	}
	return d
}
