package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// connSink is the [Sink] over a single net.Conn.
type connSink struct {
	ctx          context.Context
	conn         net.Conn
	writeTimeout time.Duration
	stopWatch    func() bool

	mu     sync.Mutex
	closed bool
}

func newConnSink(ctx context.Context, conn net.Conn, writeTimeout time.Duration) *connSink {
	s := &connSink{
		ctx:          ctx,
		conn:         conn,
		writeTimeout: writeTimeout,
	}
	// An expired deadline unblocks any pending Write with a timeout error.
	s.stopWatch = context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	return s
}

// WriteAll implements [Sink]. net.Conn.Write already loops until all of p is
// written or an error occurs.
func (s *connSink) WriteAll(p []byte) error {
	if err := s.usable(); err != nil {
		return err
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		return s.wrap("set write deadline", err)
	}
	// The deadline above would otherwise overwrite the one set on cancel.
	if err := s.ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrDisconnected, err)
	}
	n, err := s.conn.Write(p)
	if err != nil {
		return s.wrap("write", err)
	}
	if n != len(p) {
		return s.wrap("write", io.ErrShortWrite)
	}
	return nil
}

// Flush implements [Sink]. Writes are unbuffered, so flushing only signals
// end of stream by shutting down the write half.
func (s *connSink) Flush() error {
	if err := s.usable(); err != nil {
		return err
	}
	type closeWriter interface{ CloseWrite() error }
	cw, ok := s.conn.(closeWriter)
	if !ok {
		return nil
	}
	if err := cw.CloseWrite(); err != nil {
		return s.wrap("close write", err)
	}
	return nil
}

// Close implements [Sink].
func (s *connSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.stopWatch()
	if err := s.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("transport: close: %w", err)
	}
	return nil
}

func (s *connSink) usable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("%w: sink closed", ErrDisconnected)
	}
	return nil
}

// wrap classifies err as a disconnect. A timeout caused by cancellation
// reports the context error instead of the deadline.
func (s *connSink) wrap(op string, err error) error {
	if ctxErr := s.ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %w", ErrDisconnected, ctxErr)
	}
	return fmt.Errorf("%w: %s: %w", ErrDisconnected, op, err)
}
