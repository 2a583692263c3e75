package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists the built-in backends per kind. [Validate] warns
// about names outside this list since they may come from a custom registry.
var ValidProviderNames = map[string][]string{
	"capture": {"ffmpeg", "tone"},
	"sink":    {"ffmpeg", "file", "discard"},
}

// maxReadSize bounds receiver.read_size.
const maxReadSize = 1 << 20

// Load reads the YAML configuration file at path, applies defaults and
// validates the result.
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

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates it. An empty document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero fields of cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Relay.Addr == "" {
		cfg.Relay.Addr = DefaultRelayAddr
	}
	if cfg.Relay.RetryDelay == 0 {
		cfg.Relay.RetryDelay = DefaultRetryDelay
	}
	if cfg.Relay.DialTimeout == 0 {
		cfg.Relay.DialTimeout = DefaultDialTimeout
	}
	if cfg.Relay.WriteTimeout == 0 {
		cfg.Relay.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Capture.Name == "" {
		cfg.Capture.Name = DefaultCaptureSource
	}
	if cfg.Receiver.ListenAddr == "" {
		cfg.Receiver.ListenAddr = DefaultReceiverAddr
	}
	if cfg.Receiver.ReadSize == 0 {
		cfg.Receiver.ReadSize = DefaultReadSize
	}
	if cfg.Receiver.Sink.Name == "" {
		cfg.Receiver.Sink.Name = DefaultSink
	}
	if cfg.Receiver.AppPackage != "" && cfg.Receiver.AppActivity == "" {
		cfg.Receiver.AppActivity = DefaultAppActivity
	}
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing every failure found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.ListenAddr != "" {
		errs = appendAddrErr(errs, "server.listen_addr", cfg.Server.ListenAddr)
	}

	if cfg.Relay.Addr != "" {
		errs = appendAddrErr(errs, "relay.addr", cfg.Relay.Addr)
	}
	for _, d := range []struct {
		field string
		value int64
	}{
		{"relay.retry_delay", int64(cfg.Relay.RetryDelay)},
		{"relay.dial_timeout", int64(cfg.Relay.DialTimeout)},
		{"relay.write_timeout", int64(cfg.Relay.WriteTimeout)},
	} {
		if d.value < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", d.field))
		}
	}

	if cfg.Receiver.ListenAddr != "" {
		errs = appendAddrErr(errs, "receiver.listen_addr", cfg.Receiver.ListenAddr)
	}
	if cfg.Receiver.ReadSize < 0 || cfg.Receiver.ReadSize > maxReadSize {
		errs = append(errs, fmt.Errorf("receiver.read_size %d is out of range [0, %d]", cfg.Receiver.ReadSize, maxReadSize))
	}
	if cfg.Receiver.Sink.Name == "file" && cfg.Receiver.Sink.OptString("path") == "" {
		errs = append(errs, errors.New("receiver.sink.options.path is required for the file sink"))
	}
	if cfg.Receiver.ADBPath != "" && !cfg.Receiver.ADBReverse {
		slog.Warn("receiver.adb_path is set but receiver.adb_reverse is off; the path is unused")
	}
	if cfg.Receiver.AppActivity != "" && cfg.Receiver.AppPackage == "" {
		errs = append(errs, errors.New("receiver.app_activity requires receiver.app_package"))
	}
	if cfg.Receiver.AppPackage != "" && !cfg.Receiver.ADBReverse {
		slog.Warn("receiver.app_package is set but receiver.adb_reverse is off; the app is not started")
	}

	validateProviderName("capture", cfg.Capture.Name)
	validateProviderName("sink", cfg.Receiver.Sink.Name)

	return errors.Join(errs...)
}

func appendAddrErr(errs []error, field, addr string) []error {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return append(errs, fmt.Errorf("%s %q is invalid: %w", field, addr, err))
	}
	return errs
}

// validateProviderName logs a warning if name is not a built-in backend.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown backend name, may be a typo or a custom registration",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
