// Package mock provides an in-memory transport for relay tests. It records
// every connection segment so tests can assert on byte order and teardown.
package mock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/micbridge/internal/transport"
)

// ErrRefused is returned by [Client.Connect] for scripted failures.
var ErrRefused = errors.New("mock: connection refused")

// Client is a scripted stand-in for *transport.Client.
type Client struct {
	mu sync.Mutex

	// FailConnects makes the next N Connect calls fail with ErrRefused.
	FailConnects int

	// RetryDelay is the pause applied by Wait.
	RetryDelay time.Duration

	// ConnectTimes records when each Connect call was made.
	ConnectTimes []time.Time

	// WaitCalls counts Wait invocations.
	WaitCalls int

	// Sinks holds every sink handed out, in order.
	Sinks []*Sink

	connected chan *Sink
}

// NewClient returns a Client that fails the first failConnects attempts.
func NewClient(failConnects int, retryDelay time.Duration) *Client {
	return &Client{
		FailConnects: failConnects,
		RetryDelay:   retryDelay,
		connected:    make(chan *Sink, 16),
	}
}

// Connect implements the relay's transport contract.
func (c *Client) Connect(ctx context.Context) (transport.Sink, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ConnectTimes = append(c.ConnectTimes, time.Now())
	if c.FailConnects > 0 {
		c.FailConnects--
		return nil, ErrRefused
	}
	s := &Sink{}
	c.Sinks = append(c.Sinks, s)
	select {
	case c.connected <- s:
	default:
	}
	return s, nil
}

// Wait implements the relay's transport contract.
func (c *Client) Wait(ctx context.Context) error {
	c.mu.Lock()
	c.WaitCalls++
	d := c.RetryDelay
	c.mu.Unlock()

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Connected yields each sink as it is handed out.
func (c *Client) Connected() <-chan *Sink {
	return c.connected
}

// Segments returns a copy of the bytes written on each connection.
func (c *Client) Segments() [][]byte {
	c.mu.Lock()
	sinks := append([]*Sink(nil), c.Sinks...)
	c.mu.Unlock()

	out := make([][]byte, len(sinks))
	for i, s := range sinks {
		out[i] = s.Bytes()
	}
	return out
}

// Attempts returns the number of Connect calls so far.
func (c *Client) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ConnectTimes)
}

// Sink records writes and teardown order.
type Sink struct {
	mu      sync.Mutex
	data    []byte
	events  []string
	breakOn error
	closed  bool
	written chan struct{}
}

// WriteAll implements transport.Sink.
func (s *Sink) WriteAll(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("%w: sink closed", transport.ErrDisconnected)
	}
	if s.breakOn != nil {
		return fmt.Errorf("%w: %w", transport.ErrDisconnected, s.breakOn)
	}
	s.data = append(s.data, p...)
	if s.written != nil {
		close(s.written)
		s.written = nil
	}
	return nil
}

// Flush implements transport.Sink.
func (s *Sink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, "flush")
	return nil
}

// Close implements transport.Sink.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.events = append(s.events, "close")
		s.closed = true
	}
	return nil
}

// Break makes every following WriteAll fail, simulating a dropped link.
func (s *Sink) Break(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.breakOn = err
}

// NextWrite returns a channel closed after the next successful WriteAll.
func (s *Sink) NextWrite() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.written == nil {
		s.written = make(chan struct{})
	}
	return s.written
}

// Bytes returns a copy of everything written.
func (s *Sink) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.data...)
}

// Events returns the teardown calls in order ("flush", "close").
func (s *Sink) Events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.events...)
}

// Closed reports whether Close was called.
func (s *Sink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
