package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
)

// Capture is an open microphone handle. It is obtained from [Open] and owned
// by a single reader; only [Capture.Close] may be called from other
// goroutines.
type Capture struct {
	stream     Stream
	format     Format
	bufferSize int

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error

	watchMu   sync.Mutex
	stopWatch func() bool
}

// Open checks perm, then acquires src at format f with a read buffer of twice
// the backend's minimum viable size. perm may be nil, in which case the
// source itself is consulted when it implements [PermissionChecker].
//
// Cancelling ctx closes the capture, which unblocks a pending
// [Capture.Read].
func Open(ctx context.Context, src Source, perm PermissionChecker, f Format) (*Capture, error) {
	if src == nil {
		return nil, fmt.Errorf("%w: no capture source configured", ErrDeviceUnavailable)
	}
	if !f.Valid() {
		return nil, fmt.Errorf("%w: unsupported format %s", ErrDeviceUnavailable, f)
	}

	if perm == nil {
		if pc, ok := src.(PermissionChecker); ok {
			perm = pc
		}
	}
	if perm != nil {
		if err := perm.CheckPermission(ctx); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrPermissionDenied, err)
		}
	}

	minSize := src.MinBufferSize(f)
	if minSize <= 0 {
		return nil, fmt.Errorf("%w: minimum buffer size %d for %s", ErrDeviceUnavailable, minSize, f)
	}
	size := 2 * minSize
	if rem := size % f.FrameSize(); rem != 0 {
		size += f.FrameSize() - rem
	}

	stream, err := src.Open(ctx, f, size)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}

	c := &Capture{
		stream:     stream,
		format:     f,
		bufferSize: size,
	}
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	c.watchMu.Lock()
	c.stopWatch = stop
	c.watchMu.Unlock()
	return c, nil
}

// BufferSize returns the read buffer size chosen at [Open], in bytes.
func (c *Capture) BufferSize() int { return c.bufferSize }

// Format returns the format the device was opened with.
func (c *Capture) Format() Format { return c.format }

// Read blocks until at least one whole sample frame is available and fills p
// with whole frames only. It never returns (0, nil): an empty read or any
// backend error is reported as [ErrDeviceFailure], and a read after
// [Capture.Close] as [ErrClosed].
func (c *Capture) Read(p []byte) (int, error) {
	frame := c.format.FrameSize()
	if len(p) < frame {
		return 0, fmt.Errorf("audio: read buffer of %d bytes is smaller than one frame: %w", len(p), io.ErrShortBuffer)
	}
	if c.closed.Load() {
		return 0, ErrClosed
	}

	p = p[:len(p)-len(p)%frame]
	n, err := io.ReadAtLeast(c.stream, p, frame)
	if err == nil && n%frame != 0 {
		var m int
		m, err = io.ReadFull(c.stream, p[n:n+frame-n%frame])
		n += m
	}
	if err != nil {
		if c.closed.Load() {
			return 0, ErrClosed
		}
		return 0, fmt.Errorf("%w: %w", ErrDeviceFailure, err)
	}
	return n, nil
}

// Close stops and releases the device. It is safe to call more than once and
// from any goroutine; "already closed" errors from the backend are swallowed.
func (c *Capture) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.watchMu.Lock()
		stop := c.stopWatch
		c.watchMu.Unlock()
		if stop != nil {
			stop()
		}
		if err := c.stream.Close(); err != nil && !isAlreadyClosed(err) {
			c.closeErr = fmt.Errorf("audio: close capture: %w", err)
		}
	})
	return c.closeErr
}

func isAlreadyClosed(err error) bool {
	return errors.Is(err, os.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, ErrClosed)
}
