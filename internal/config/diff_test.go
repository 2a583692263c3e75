package config_test

import (
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/micbridge/internal/config"
)

func mustLoad(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

func TestDiff_NoChange(t *testing.T) {
	t.Parallel()
	a, b := mustLoad(t, sampleYAML), mustLoad(t, sampleYAML)
	d := config.Diff(a, b)
	if !d.Empty() {
		t.Errorf("Diff of identical configs = %+v", d)
	}
}

func TestDiff_LogLevelIsLive(t *testing.T) {
	t.Parallel()
	old := mustLoad(t, "server:\n  log_level: info\n")
	new := mustLoad(t, "server:\n  log_level: warn\n")

	d := config.Diff(old, new)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogWarn {
		t.Errorf("log level diff = %+v", d)
	}
	if len(d.Restart) != 0 {
		t.Errorf("log level change needs no restart, got %v", d.Restart)
	}
}

func TestDiff_RestartSections(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   []string
	}{
		{"server addr", func(c *config.Config) { c.Server.ListenAddr = "127.0.0.1:9090" }, []string{"server"}},
		{"retry delay", func(c *config.Config) { c.Relay.RetryDelay = 3 * time.Second }, []string{"relay"}},
		{"capture option", func(c *config.Config) { c.Capture.Options = map[string]any{"input_device": "hw:2"} }, []string{"capture"}},
		{"sink", func(c *config.Config) { c.Receiver.Sink.Name = "discard" }, []string{"receiver"}},
		{"several", func(c *config.Config) {
			c.Relay.AutoStart = false
			c.Receiver.Stereo = false
		}, []string{"relay", "receiver"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			old, new := mustLoad(t, sampleYAML), mustLoad(t, sampleYAML)
			tt.mutate(new)

			d := config.Diff(old, new)
			if d.LogLevelChanged {
				t.Error("LogLevelChanged set for an unrelated change")
			}
			if !slices.Equal(d.Restart, tt.want) {
				t.Errorf("Restart = %v, want %v", d.Restart, tt.want)
			}
		})
	}
}
