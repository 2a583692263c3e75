// Package config provides the configuration schema, loader, watcher and
// backend registry for micbridge.
package config

import (
	"strings"
	"time"
)

// LogLevel controls log verbosity.
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

// Defaults filled in by [ApplyDefaults].
const (
	DefaultRelayAddr     = "127.0.0.1:28282"
	DefaultRetryDelay    = 1 * time.Second
	DefaultDialTimeout   = 3 * time.Second
	DefaultWriteTimeout  = 2 * time.Second
	DefaultReceiverAddr  = "127.0.0.1:28282"
	DefaultReadSize      = 4096
	DefaultCaptureSource = "ffmpeg"
	DefaultSink          = "discard"
	DefaultAppActivity   = ".MainActivity"
)

// Config is the root configuration. It is typically loaded from a YAML file
// with [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Relay    RelayConfig    `yaml:"relay"`
	Capture  ProviderEntry  `yaml:"capture"`
	Receiver ReceiverConfig `yaml:"receiver"`
}

// ServerConfig holds the control/health HTTP server and logging settings.
type ServerConfig struct {
	// ListenAddr is the HTTP address for the control API, health and metrics
	// (e.g. "127.0.0.1:8080"). Empty disables the HTTP server.
	ListenAddr string `yaml:"listen_addr"`

	LogLevel LogLevel `yaml:"log_level"`
}

// RelayConfig configures the sending side.
type RelayConfig struct {
	// Addr is the receiver endpoint the relay dials.
	Addr string `yaml:"addr"`

	// RetryDelay is the pause between connection attempts.
	RetryDelay time.Duration `yaml:"retry_delay"`

	DialTimeout  time.Duration `yaml:"dial_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// AutoStart starts a relay session as soon as the process is up.
	AutoStart bool `yaml:"auto_start"`
}

// ReceiverConfig configures the host side.
type ReceiverConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	ReadSize   int    `yaml:"read_size"`

	// Stereo duplicates the mono stream onto two channels for playback.
	Stereo bool `yaml:"stereo"`

	// Sink selects where received audio is played.
	Sink ProviderEntry `yaml:"sink"`

	// ADBReverse maps the relay port from a USB-attached phone to the host
	// before listening.
	ADBReverse bool `yaml:"adb_reverse"`

	// ADBPath overrides the adb executable lookup.
	ADBPath string `yaml:"adb_path"`

	// AppPackage is the phone app's package. When set, the receiver starts
	// the app's relay after mapping the port and stops it on shutdown.
	AppPackage string `yaml:"app_package"`

	// AppActivity is the activity receiving the start and stop commands. It
	// is appended to AppPackage unless it already names a full component.
	AppActivity string `yaml:"app_activity"`
}

// AppComponent returns the activity component passed to `am start -n`, or ""
// when no app package is configured.
func (r ReceiverConfig) AppComponent() string {
	if r.AppPackage == "" {
		return ""
	}
	if strings.Contains(r.AppActivity, "/") {
		return r.AppActivity
	}
	return r.AppPackage + "/" + r.AppActivity
}

// ProviderEntry selects a registered backend by name and carries its
// backend-specific options.
type ProviderEntry struct {
	// Name selects the registered implementation (e.g. "ffmpeg", "tone").
	Name string `yaml:"name"`

	// Options holds backend-specific values. Values may be strings, numbers
	// or booleans.
	Options map[string]any `yaml:"options"`
}

// OptString returns the string option key, or "" if absent or not a string.
func (e ProviderEntry) OptString(key string) string {
	s, _ := e.Options[key].(string)
	return s
}

// OptFloat returns the numeric option key as a float64, or 0 if absent.
func (e ProviderEntry) OptFloat(key string) float64 {
	switch v := e.Options[key].(type) {
	case int:
		return float64(v)
	case float64:
		return v
	}
	return 0
}

// OptDuration returns the option key parsed as a duration string, or 0 if
// absent or malformed.
func (e ProviderEntry) OptDuration(key string) time.Duration {
	d, _ := time.ParseDuration(e.OptString(key))
	return d
}
