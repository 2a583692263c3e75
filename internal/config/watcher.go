package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is the polling interval of a [Watcher].
const DefaultWatchInterval = 5 * time.Second

// Change is handed to the [Watcher] callback.
type Change struct {
	Old, New *Config
	Diff     ConfigDiff
}

// Watcher polls a config file and reports effective changes. Edits that do
// not validate are logged and ignored; edits that validate but change
// nothing (comments, reordering) replace the current config silently.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(Change)

	mu      sync.Mutex
	current *Config
	stamp   fileStamp
	hash    [sha256.Size]byte
	lastErr error
}

// fileStamp is the cheap stat-based fingerprint checked before reading.
type fileStamp struct {
	mtime time.Time
	size  int64
}

func stampOf(fi os.FileInfo) fileStamp {
	return fileStamp{mtime: fi.ModTime(), size: fi.Size()}
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Non-positive values are ignored.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads path and returns a watcher for it. onChange runs on the
// polling goroutine; polling starts with [Watcher.Run].
func NewWatcher(path string, onChange func(Change), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{path: path, interval: DefaultWatchInterval, onChange: onChange}
	for _, opt := range opts {
		opt(w)
	}
	cfg, stamp, hash, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current, w.stamp, w.hash = cfg, stamp, hash
	return w, nil
}

// Current returns the last valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Err returns the error of the last poll, or nil if it succeeded.
func (w *Watcher) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Run polls until ctx is cancelled and then returns nil.
func (w *Watcher) Run(ctx context.Context) error {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			w.poll()
		}
	}
}

func (w *Watcher) poll() {
	change, err := w.reload()

	w.mu.Lock()
	w.lastErr = err
	w.mu.Unlock()

	switch {
	case err != nil:
		slog.Warn("config reload failed, keeping previous config", "path", w.path, "err", err)
	case change == nil:
	case change.Diff.Empty():
		slog.Debug("config rewritten without effective change", "path", w.path)
	default:
		slog.Info("config reloaded", "path", w.path, "log_level_changed", change.Diff.LogLevelChanged, "restart", change.Diff.Restart)
		if w.onChange != nil {
			w.onChange(*change)
		}
	}
}

// reload returns nil, nil when the file is unchanged.
func (w *Watcher) reload() (*Change, error) {
	fi, err := os.Stat(w.path)
	if err != nil {
		return nil, err
	}
	w.mu.Lock()
	same := stampOf(fi) == w.stamp
	w.mu.Unlock()
	if same {
		return nil, nil
	}

	cfg, stamp, hash, err := w.read()
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.stamp = stamp
	if hash == w.hash {
		return nil, nil
	}
	old := w.current
	w.current, w.hash = cfg, hash
	return &Change{Old: old, New: cfg, Diff: Diff(old, cfg)}, nil
}

func (w *Watcher) read() (*Config, fileStamp, [sha256.Size]byte, error) {
	f, err := os.Open(w.path)
	if err != nil {
		return nil, fileStamp{}, [sha256.Size]byte{}, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, fileStamp{}, [sha256.Size]byte{}, err
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(f); err != nil {
		return nil, fileStamp{}, [sha256.Size]byte{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(buf.Bytes()))
	if err != nil {
		return nil, fileStamp{}, [sha256.Size]byte{}, err
	}
	return cfg, stampOf(fi), sha256.Sum256(buf.Bytes()), nil
}
