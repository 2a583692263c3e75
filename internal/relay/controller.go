// Package relay streams microphone audio to the receiver and reports the
// health of that link as a small set of [State] values.
//
// A [Controller] owns at most one session at a time. Each session runs a
// single worker goroutine that opens the capture device, connects the
// transport, pumps PCM from one to the other and reconnects on failure.
// Start and Stop never wait for the worker; observers follow progress through
// [Controller.CurrentState] or [Controller.Subscribe].
package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/micbridge/internal/observe"
	"github.com/MrWong99/micbridge/internal/transport"
	"github.com/MrWong99/micbridge/pkg/audio"
)

// Transport connects to the receiver. *transport.Client satisfies it.
type Transport interface {
	// Connect makes one connection attempt.
	Connect(ctx context.Context) (transport.Sink, error)

	// Wait blocks for the retry delay or until ctx is done.
	Wait(ctx context.Context) error
}

// Config configures a [Controller].
type Config struct {
	// Source is the microphone backend. Required.
	Source audio.Source

	// Permission decides whether recording is allowed. When nil the source
	// is consulted if it implements [audio.PermissionChecker].
	Permission audio.PermissionChecker

	// Format is the capture format. Defaults to [audio.RelayFormat].
	Format audio.Format

	// Transport delivers the audio. Required.
	Transport Transport

	// States receives published states. Defaults to a new [StateMachine].
	States *StateMachine

	// Metrics records relay activity. Defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// SessionInfo describes the most recent session.
type SessionInfo struct {
	ID        string    `json:"session_id"`
	StartedAt time.Time `json:"started_at"`
	Running   bool      `json:"running"`
}

// session is the runtime handle of one start→stop lifecycle. Its context is
// the running flag: the session runs until ctx is cancelled.
type session struct {
	id      string
	started time.Time
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

func (s *session) running() bool { return s != nil && s.ctx.Err() == nil }

func (s *session) finished() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Controller starts and stops relay sessions. All methods are safe for
// concurrent use.
type Controller struct {
	source     audio.Source
	permission audio.PermissionChecker
	format     audio.Format
	transport  Transport
	states     *StateMachine
	metrics    *observe.Metrics

	mu       sync.Mutex
	session  *session
	disposed bool
}

// NewController creates a [Controller] in [Stopped].
func NewController(cfg Config) *Controller {
	c := &Controller{
		source:     cfg.Source,
		permission: cfg.Permission,
		format:     cfg.Format,
		transport:  cfg.Transport,
		states:     cfg.States,
		metrics:    cfg.Metrics,
	}
	if c.format == (audio.Format{}) {
		c.format = audio.RelayFormat
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	if c.states == nil {
		c.states = NewStateMachine(WithMachineMetrics(c.metrics))
	}
	return c
}

// Start begins a session unless one is already running, in which case it
// does nothing. It returns the state current after the call and never waits
// for the worker.
//
// If the previous session is still unwinding, the new worker waits for it to
// finish before touching the device, so two workers never overlap.
func (c *Controller) Start() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disposed || c.session.running() {
		return c.states.Current()
	}

	prev := c.session
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		id:      uuid.NewString(),
		started: time.Now(),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	c.session = s

	if prev == nil || prev.finished() {
		c.publish(ctx, Connecting)
		prev = nil
	}
	slog.Info("relay session starting", "session_id", s.id)
	go c.run(s, prev)
	return c.states.Current()
}

// Stop requests the running session to end and returns immediately; the
// worker tears down and publishes [Stopped] on its own. Stop is a no-op when
// no session is running, leaving a terminal state visible.
func (c *Controller) Stop() {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()

	if s.running() {
		slog.Info("relay session stopping", "session_id", s.id)
		s.cancel()
	}
}

// CurrentState returns the published state without blocking.
func (c *Controller) CurrentState() State {
	return c.states.Current()
}

// Subscribe returns a feed of state changes starting with the current state.
func (c *Controller) Subscribe() *Subscription {
	return c.states.Subscribe()
}

// States exposes the state holder the controller publishes to.
func (c *Controller) States() *StateMachine {
	return c.states
}

// Session returns information about the most recent session. The zero value
// is returned before the first Start.
func (c *Controller) Session() SessionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.session
	if s == nil {
		return SessionInfo{}
	}
	return SessionInfo{ID: s.id, StartedAt: s.started, Running: s.running()}
}

// Dispose stops the controller for good and waits for the worker to finish
// or ctx to expire. Start is a no-op afterwards.
func (c *Controller) Dispose(ctx context.Context) error {
	c.mu.Lock()
	c.disposed = true
	s := c.session
	c.mu.Unlock()

	if s == nil {
		return nil
	}
	s.cancel()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// publish forwards to the state machine. An illegal edge is already logged
// and counted there.
func (c *Controller) publish(ctx context.Context, st State) {
	_ = c.states.Publish(context.WithoutCancel(ctx), st)
}
