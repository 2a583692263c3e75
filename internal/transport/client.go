// Package transport delivers relay audio to the receiver over a plain TCP
// stream. The wire carries raw s16le PCM with no framing; closing the
// connection marks the end of the stream.
//
// A [Client] makes one connect attempt per [Client.Connect] call. Retrying is
// the caller's job: [Client.Wait] provides the fixed, cancellable delay
// between attempts.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/micbridge/internal/observe"
)

// Defaults applied by [New] for zero [Config] fields.
const (
	DefaultAddr         = "127.0.0.1:28282"
	DefaultRetryDelay   = 1 * time.Second
	DefaultDialTimeout  = 3 * time.Second
	DefaultWriteTimeout = 2 * time.Second
)

// ErrDisconnected is returned by [Sink] operations once the connection has
// been lost, closed or its context cancelled.
var ErrDisconnected = errors.New("transport: disconnected")

// Sink is one established connection to the receiver.
type Sink interface {
	// WriteAll writes the whole of p or fails.
	WriteAll(p []byte) error

	// Flush pushes any buffered bytes and half-closes the write side so the
	// receiver observes end of stream.
	Flush() error

	// Close releases the connection. Safe to call more than once.
	Close() error
}

// Dialer opens network connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Config configures a [Client].
type Config struct {
	// Addr is the receiver's host:port. Defaults to [DefaultAddr].
	Addr string

	// RetryDelay is the pause applied by [Client.Wait]. Defaults to
	// [DefaultRetryDelay].
	RetryDelay time.Duration

	// DialTimeout bounds a single connect attempt. Defaults to
	// [DefaultDialTimeout].
	DialTimeout time.Duration

	// WriteTimeout bounds a single [Sink.WriteAll]. Defaults to
	// [DefaultWriteTimeout].
	WriteTimeout time.Duration

	// Dialer overrides the network dialer. Defaults to a *net.Dialer.
	Dialer Dialer

	// Metrics records connect attempts. Defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Client connects to a single fixed receiver address.
type Client struct {
	addr         string
	retryDelay   time.Duration
	dialTimeout  time.Duration
	writeTimeout time.Duration
	dialer       Dialer
	metrics      *observe.Metrics
}

// New creates a [Client], applying defaults for zero fields.
func New(cfg Config) *Client {
	c := &Client{
		addr:         cfg.Addr,
		retryDelay:   cfg.RetryDelay,
		dialTimeout:  cfg.DialTimeout,
		writeTimeout: cfg.WriteTimeout,
		dialer:       cfg.Dialer,
		metrics:      cfg.Metrics,
	}
	if c.addr == "" {
		c.addr = DefaultAddr
	}
	if c.retryDelay <= 0 {
		c.retryDelay = DefaultRetryDelay
	}
	if c.dialTimeout <= 0 {
		c.dialTimeout = DefaultDialTimeout
	}
	if c.writeTimeout <= 0 {
		c.writeTimeout = DefaultWriteTimeout
	}
	if c.dialer == nil {
		c.dialer = &net.Dialer{}
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// Connect makes exactly one connection attempt. On success Nagle's algorithm
// is disabled so small PCM chunks leave immediately.
//
// Cancelling ctx aborts the dial and, after Connect returns, expires the
// connection's deadlines so a blocked [Sink.WriteAll] fails promptly.
func (c *Client) Connect(ctx context.Context) (sink Sink, err error) {
	ctx, span := observe.StartSpan(ctx, "transport.connect", trace.SpanKindClient,
		attribute.String("net.peer.addr", c.addr),
	)
	start := time.Now()
	defer func() {
		c.metrics.RecordConnect(ctx, time.Since(start), err)
		observe.EndSpan(span, err)
	}()

	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()

	conn, err := c.dialer.DialContext(dialCtx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", c.addr, err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		if err := tcp.SetNoDelay(true); err != nil {
			observe.Logger(ctx).Debug("transport: set TCP_NODELAY failed", "addr", c.addr, "err", err)
		}
	}

	observe.Logger(ctx).Debug("transport connected", "addr", c.addr, "local", conn.LocalAddr().String())
	return newConnSink(ctx, conn, c.writeTimeout), nil
}

// Wait blocks for the retry delay. It returns ctx.Err() if ctx is cancelled
// first, and nil otherwise.
func (c *Client) Wait(ctx context.Context) error {
	t := time.NewTimer(c.retryDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
