package relay

import (
	"context"
	"errors"
	"log/slog"

	"github.com/MrWong99/micbridge/internal/observe"
	"github.com/MrWong99/micbridge/internal/transport"
	"github.com/MrWong99/micbridge/pkg/audio"
)

// run is the session worker. It owns the capture handle and the transport
// sink for the whole session.
func (c *Controller) run(s *session, prev *session) {
	defer close(s.done)
	defer s.cancel()

	if prev != nil {
		<-prev.done
		if s.ctx.Err() != nil {
			return
		}
		c.publish(s.ctx, Connecting)
	}

	c.metrics.ActiveSessions.Add(s.ctx, 1)
	defer c.metrics.ActiveSessions.Add(context.WithoutCancel(s.ctx), -1)

	ctx := observe.WithSessionID(s.ctx, s.id)
	log := observe.Logger(ctx)
	final := c.loop(ctx, log)
	c.publish(s.ctx, final)
	log.Info("relay session ended", "state", final)
}

// loop runs the connect/pump/retry cycle until the session is cancelled or a
// capture failure ends it. It returns the state to publish last; the capture
// is released before it returns.
func (c *Controller) loop(ctx context.Context, log *slog.Logger) State {
	capture, err := audio.Open(ctx, c.source, c.permission, c.format)
	if err != nil {
		return c.captureFailed(ctx, log, err)
	}
	defer func() {
		if capture != nil {
			_ = capture.Close()
		}
	}()
	buf := make([]byte, capture.BufferSize())

	for attempt := 1; ctx.Err() == nil; attempt++ {
		c.publish(ctx, Connecting)

		if capture == nil {
			capture, err = audio.Open(ctx, c.source, c.permission, c.format)
			if err != nil {
				return c.captureFailed(ctx, log, err)
			}
			buf = make([]byte, capture.BufferSize())
		}

		sink, err := c.transport.Connect(ctx)
		if err == nil {
			c.publish(ctx, Connected)
			log.Info("relay connected", "attempt", attempt)
			attempt = 0

			err = c.pump(ctx, capture, sink, buf)
			finish(sink, log)
			if ctx.Err() != nil {
				break
			}
			if errors.Is(err, audio.ErrDeviceFailure) || errors.Is(err, audio.ErrClosed) {
				// Reopened on the next cycle.
				_ = capture.Close()
				capture = nil
			}
			log.Warn("relay stream interrupted", "err", err)
		} else {
			if ctx.Err() != nil {
				break
			}
			log.Debug("relay connect failed", "attempt", attempt, "err", err)
		}

		c.publish(ctx, Reconnecting)
		c.metrics.Reconnects.Add(ctx, 1)
		if err := c.transport.Wait(ctx); err != nil {
			break
		}
	}
	return Stopped
}

// pump copies capture reads to the sink until either side fails or ctx is
// cancelled. Each read buffer is written before the next read.
func (c *Controller) pump(ctx context.Context, capture *audio.Capture, sink transport.Sink, buf []byte) error {
	for {
		n, err := capture.Read(buf)
		if err != nil {
			if ctx.Err() == nil {
				c.metrics.RecordRelayError(ctx, "capture")
			}
			return err
		}
		if err := sink.WriteAll(buf[:n]); err != nil {
			if ctx.Err() == nil {
				c.metrics.RecordRelayError(ctx, "transport")
			}
			return err
		}
		c.metrics.RelayBytes.Add(ctx, int64(n))
	}
}

// finish flushes and closes sink. Failures only matter for logging; the
// connection is gone either way.
func finish(sink transport.Sink, log *slog.Logger) {
	if err := sink.Flush(); err != nil && !errors.Is(err, transport.ErrDisconnected) {
		log.Debug("relay flush failed", "err", err)
	}
	if err := sink.Close(); err != nil {
		log.Debug("relay close failed", "err", err)
	}
}

// captureFailed maps a failed [audio.Open] to the terminal state that ends
// the session. Cancellation wins over any failure.
func (c *Controller) captureFailed(ctx context.Context, log *slog.Logger, err error) State {
	switch {
	case ctx.Err() != nil:
		return Stopped
	case errors.Is(err, audio.ErrPermissionDenied):
		log.Warn("relay capture permission denied", "err", err)
		return PermissionDenied
	default:
		log.Error("relay capture unavailable", "err", err)
		return Error
	}
}
