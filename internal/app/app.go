// Package app wires the micbridge subsystems into a running process.
//
// An App runs in one of two modes. In relay mode it owns a relay controller
// that streams the capture device to the receiver, plus the HTTP control API.
// In receive mode it owns the receiver endpoint and optionally maps the relay
// port from a USB-attached phone with adb. Both modes serve health and
// metrics when server.listen_addr is set.
//
// New builds everything synchronously, Run blocks until its context ends and
// Shutdown tears down in order. Tests inject doubles through options.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/micbridge/internal/config"
	"github.com/MrWong99/micbridge/internal/control"
	"github.com/MrWong99/micbridge/internal/forward"
	"github.com/MrWong99/micbridge/internal/health"
	"github.com/MrWong99/micbridge/internal/observe"
	"github.com/MrWong99/micbridge/internal/receiver"
	"github.com/MrWong99/micbridge/internal/relay"
	"github.com/MrWong99/micbridge/internal/transport"
	"github.com/MrWong99/micbridge/pkg/audio"
)

// Mode selects which side of the link the process runs.
type Mode string

const (
	ModeRelay   Mode = "relay"
	ModeReceive Mode = "receive"
)

var (
	// ErrNotReady is reported by readiness checks.
	ErrNotReady = errors.New("app: not ready")

	// ErrAppNotInstalled is returned by Run when receiver.app_package is not
	// installed on the connected phone.
	ErrAppNotInstalled = errors.New("phone app not installed")
)

// App owns all subsystem lifetimes.
type App struct {
	cfg  *config.Config
	mode Mode

	source         audio.Source
	sink           audio.Sink
	transport      relay.Transport
	adb            *forward.ADB
	metrics        *observe.Metrics
	metricsHandler http.Handler

	controller *relay.Controller
	receiver   *receiver.Receiver
	server     *control.Server

	mu      sync.Mutex
	closers []func(context.Context) error

	stopOnce sync.Once
}

// Option configures an [App].
type Option func(*App)

// WithSource sets the capture backend. Required in relay mode.
func WithSource(s audio.Source) Option {
	return func(a *App) { a.source = s }
}

// WithSink sets the playback sink. Defaults to [receiver.Discard].
func WithSink(s audio.Sink) Option {
	return func(a *App) { a.sink = s }
}

// WithTransport replaces the TCP transport built from relay config.
func WithTransport(t relay.Transport) Option {
	return func(a *App) { a.transport = t }
}

// WithADB sets the adb wrapper used when receiver.adb_reverse is on. When
// unset the executable is resolved at Run.
func WithADB(adb *forward.ADB) Option {
	return func(a *App) { a.adb = adb }
}

// WithMetrics sets the instruments. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// New creates an App for mode.
func New(cfg *config.Config, mode Mode, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, mode: mode}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	var checks []health.Checker
	var r control.Relay

	switch mode {
	case ModeRelay:
		if err := a.initRelay(); err != nil {
			return nil, fmt.Errorf("app: init relay: %w", err)
		}
		r = a.controller
		checks = append(checks, health.Checker{Name: "relay", Check: a.relayReady})
	case ModeReceive:
		a.initReceiver()
		checks = append(checks, health.Checker{Name: "listener", Check: a.listenerReady})
	default:
		return nil, fmt.Errorf("app: unknown mode %q", mode)
	}

	if cfg.Server.ListenAddr != "" {
		opts := []control.Option{
			control.WithHealth(health.New(checks...)),
			control.WithMetrics(a.metrics),
		}
		if a.metricsHandler != nil {
			opts = append(opts, control.WithMetricsHandler(a.metricsHandler))
		}
		if a.receiver != nil {
			opts = append(opts, control.WithReceiver(a.receiver))
		}
		a.server = control.New(r, opts...)
	}
	return a, nil
}

func (a *App) initRelay() error {
	if a.source == nil {
		return errors.New("no capture source configured")
	}
	if a.transport == nil {
		a.transport = transport.New(transport.Config{
			Addr:         a.cfg.Relay.Addr,
			RetryDelay:   a.cfg.Relay.RetryDelay,
			DialTimeout:  a.cfg.Relay.DialTimeout,
			WriteTimeout: a.cfg.Relay.WriteTimeout,
			Metrics:      a.metrics,
		})
	}
	a.controller = relay.NewController(relay.Config{
		Source:    a.source,
		Transport: a.transport,
		Metrics:   a.metrics,
	})
	a.addCloser(a.controller.Dispose)
	a.addCloser(func(context.Context) error {
		a.controller.States().Close()
		return nil
	})
	return nil
}

func (a *App) initReceiver() {
	if a.sink == nil {
		a.sink = receiver.Discard{}
	}
	a.receiver = receiver.New(receiver.Config{
		ListenAddr: a.cfg.Receiver.ListenAddr,
		ReadSize:   a.cfg.Receiver.ReadSize,
		Sink:       a.sink,
		Stereo:     a.cfg.Receiver.Stereo,
		Metrics:    a.metrics,
	})
}

// Controller returns the relay controller, or nil in receive mode.
func (a *App) Controller() *relay.Controller { return a.controller }

// Receiver returns the receiver, or nil in relay mode.
func (a *App) Receiver() *receiver.Receiver { return a.receiver }

// Handler returns the HTTP handler, or nil when server.listen_addr is empty.
func (a *App) Handler() http.Handler {
	if a.server == nil {
		return nil
	}
	return a.server.Handler()
}

// Run starts the configured subsystems and blocks until ctx is cancelled or
// one of them fails. A cancelled ctx is not an error.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	switch a.mode {
	case ModeRelay:
		if a.cfg.Relay.AutoStart {
			slog.Info("relay auto start", "state", a.controller.Start())
		}
		g.Go(func() error {
			<-ctx.Done()
			return nil
		})
	case ModeReceive:
		if a.cfg.Receiver.ADBReverse {
			if err := a.establishReverse(ctx); err != nil {
				return err
			}
		}
		g.Go(func() error { return a.receiver.Run(ctx) })
	}

	if a.server != nil {
		g.Go(func() error { return a.server.ListenAndServe(ctx, a.cfg.Server.ListenAddr) })
	}

	slog.Info("micbridge running", "mode", a.mode)
	return g.Wait()
}

// establishReverse maps the relay port for the connected phone and, when an
// app package is configured, starts the phone app's relay. One closer undoes
// both: the stop command goes out before the mapping is removed.
func (a *App) establishReverse(ctx context.Context) error {
	if a.adb == nil {
		path, err := forward.Resolve(a.cfg.Receiver.ADBPath)
		if err != nil {
			return fmt.Errorf("app: %w", err)
		}
		a.adb = forward.New(path)
	}

	port := forward.DefaultPort
	if p, err := portOf(a.cfg.Receiver.ListenAddr); err == nil {
		port = p
	}
	d, remove, err := a.adb.Establish(ctx, port)
	if err != nil {
		return fmt.Errorf("app: adb reverse: %w", err)
	}
	slog.Info("phone connected", "serial", d.Serial, "model", d.Model, "port", port, "adb", a.adb.Path())

	var started atomic.Bool
	component := a.cfg.Receiver.AppComponent()
	a.addCloser(func(ctx context.Context) error {
		if started.Load() {
			if err := a.adb.SendCommand(ctx, d.Serial, component, "stop"); err != nil {
				slog.Warn("phone app stop failed", "serial", d.Serial, "err", err)
			}
		}
		return remove(ctx)
	})

	if component == "" {
		return nil
	}
	if !a.adb.PackageInstalled(ctx, d.Serial, a.cfg.Receiver.AppPackage) {
		return fmt.Errorf("app: %w: %s on %s", ErrAppNotInstalled, a.cfg.Receiver.AppPackage, d.Serial)
	}
	if err := a.adb.SendCommand(ctx, d.Serial, component, "start"); err != nil {
		return fmt.Errorf("app: start phone app: %w", err)
	}
	started.Store(true)
	slog.Info("phone app started", "serial", d.Serial, "activity", component)
	return nil
}

func (a *App) addCloser(fn func(context.Context) error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closers = append(a.closers, fn)
}

// Shutdown runs the closers in registration order. If ctx expires first the
// remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.mu.Lock()
		closers := a.closers
		a.mu.Unlock()
		slog.Info("shutting down", "closers", len(closers))

		for i, closer := range closers {
			if err := ctx.Err(); err != nil {
				slog.Warn("shutdown deadline exceeded", "remaining", len(closers)-i)
				shutdownErr = err
				return
			}
			if err := closer(ctx); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

func (a *App) relayReady(context.Context) error {
	if st := a.controller.CurrentState(); st.Terminal() {
		return fmt.Errorf("%w: relay %s", ErrNotReady, st)
	}
	return nil
}

func (a *App) listenerReady(context.Context) error {
	if a.receiver.Addr() == nil {
		return fmt.Errorf("%w: receiver not listening", ErrNotReady)
	}
	return nil
}

func portOf(addr string) (int, error) {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(port)
}
