// Package ffmpeg implements [audio.Source] and [audio.Sink] on top of an
// external ffmpeg binary. Capture reads raw s16le PCM from ffmpeg's stdout;
// playback writes it to ffmpeg's stdin.
package ffmpeg

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultCommand is the binary looked up on PATH when none is configured.
	DefaultCommand = "ffmpeg"

	// startupProbe is how long a freshly started process must stay alive
	// before it is considered running.
	startupProbe = 250 * time.Millisecond

	// stopGrace is how long Stop waits after an interrupt before killing.
	stopGrace = 1200 * time.Millisecond
)

// process wraps a started ffmpeg child and its lifecycle.
type process struct {
	name    string
	cmd     *exec.Cmd
	stderr  *syncBuffer
	waitErr chan error

	stopOnce sync.Once
	stopErr  error
}

// start launches cmd and waits out the startup probe. A process that exits
// during the probe is reported as an error together with its stderr.
func start(name string, cmd *exec.Cmd) (*process, error) {
	stderr := &syncBuffer{}
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("ffmpeg: start %s: %w", name, err)
	}

	p := &process{
		name:    name,
		cmd:     cmd,
		stderr:  stderr,
		waitErr: make(chan error, 1),
	}
	go func() {
		p.waitErr <- cmd.Wait()
		close(p.waitErr)
	}()

	select {
	case err := <-p.waitErr:
		if err != nil {
			return nil, fmt.Errorf("ffmpeg: %s exited before it started: %w: %s", name, err, stderr.Trimmed())
		}
		return nil, fmt.Errorf("ffmpeg: %s exited before it started", name)
	case <-time.After(startupProbe):
	}
	return p, nil
}

// stop asks the process to exit, escalating to a kill after stopGrace.
// When interrupt is false the caller has already closed stdin and the
// process is expected to exit by itself.
func (p *process) stop(interrupt bool) error {
	p.stopOnce.Do(func() {
		if interrupt && p.cmd.Process != nil {
			_ = p.cmd.Process.Signal(os.Interrupt)
		}

		select {
		case err, ok := <-p.waitErr:
			if ok {
				p.stopErr = normalizeStopErr(err)
			}
		case <-time.After(stopGrace):
			if p.cmd.Process != nil {
				_ = p.cmd.Process.Kill()
			}
			if err, ok := <-p.waitErr; ok {
				p.stopErr = normalizeStopErr(err)
			}
		}

		if p.stopErr != nil {
			if msg := p.stderr.Trimmed(); msg != "" {
				p.stopErr = fmt.Errorf("ffmpeg: stop %s: %w: %s", p.name, p.stopErr, msg)
			} else {
				p.stopErr = fmt.Errorf("ffmpeg: stop %s: %w", p.name, p.stopErr)
			}
		}
	})
	return p.stopErr
}

// normalizeStopErr drops the exit status of a process we asked to stop.
func normalizeStopErr(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}

// syncBuffer is a bytes.Buffer that exec's stderr copier and our own
// error paths may touch concurrently.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

// Trimmed returns the collected output without surrounding whitespace.
func (b *syncBuffer) Trimmed() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.TrimSpace(b.buf.String())
}

func commandOrDefault(command string) string {
	if command == "" {
		return DefaultCommand
	}
	return command
}
