// Package control exposes the relay controller over HTTP.
//
// Routes:
//
//	POST /v1/relay/start   start a session (no-op while running)
//	POST /v1/relay/stop    request the running session to stop
//	GET  /v1/relay/state   current state and session info
//	GET  /v1/relay/events  WebSocket feed of state names, current state first
//
// or, in receive mode,
//
//	GET  /v1/receiver/state  listener address, live client and stream count
//
// plus /healthz, /readyz and /metrics when configured.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/micbridge/internal/health"
	"github.com/MrWong99/micbridge/internal/observe"
	"github.com/MrWong99/micbridge/internal/relay"
)

const (
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 5 * time.Second
	eventWriteTimeout = 5 * time.Second
)

// Relay is the part of [relay.Controller] the server drives.
type Relay interface {
	Start() relay.State
	Stop()
	CurrentState() relay.State
	Session() relay.SessionInfo
	Subscribe() *relay.Subscription
}

// Receiver is the part of [receiver.Receiver] the server reports on.
type Receiver interface {
	Addr() net.Addr
	Connected() bool
	Streams() int64
}

// Option configures a [Server].
type Option func(*Server)

// WithHealth mounts /healthz and /readyz.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithReceiver mounts the receiver state route.
func WithReceiver(r Receiver) Option {
	return func(s *Server) { s.receiver = r }
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// WithMetrics sets the metrics used by the request middleware. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// Server serves the control API.
type Server struct {
	relay          Relay
	receiver       Receiver
	health         *health.Handler
	metricsHandler http.Handler
	metrics        *observe.Metrics
	handler        http.Handler
}

// New creates a [Server] for r. r may be nil.
func New(r Relay, opts ...Option) *Server {
	s := &Server{relay: r}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}

	mux := http.NewServeMux()
	if r != nil {
		mux.HandleFunc("POST /v1/relay/start", s.handleStart)
		mux.HandleFunc("POST /v1/relay/stop", s.handleStop)
		mux.HandleFunc("GET /v1/relay/state", s.handleState)
		mux.HandleFunc("GET /v1/relay/events", s.handleEvents)
	}
	if s.receiver != nil {
		mux.HandleFunc("GET /v1/receiver/state", s.handleReceiverState)
	}
	if s.health != nil {
		s.health.Register(mux)
	}
	if s.metricsHandler != nil {
		mux.Handle("GET /metrics", s.metricsHandler)
	}
	s.handler = observe.Middleware(s.metrics)(mux)
	return s
}

// Handler returns the routed, instrumented handler.
func (s *Server) Handler() http.Handler { return s.handler }

// ListenAndServe binds addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("control: listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then shuts down gracefully.
// Open event streams end with the context.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	slog.Info("control server listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		return fmt.Errorf("control: serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("control: shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("control: serve: %w", err)
	}
	return nil
}

type stateResponse struct {
	State     relay.State `json:"state"`
	SessionID string      `json:"session_id,omitempty"`
	StartedAt *time.Time  `json:"started_at,omitempty"`
	Running   *bool       `json:"running,omitempty"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	st := s.relay.Start()
	observe.Logger(r.Context()).Info("relay start requested", "state", st)
	writeJSON(w, http.StatusOK, stateResponse{State: st})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.relay.Stop()
	st := s.relay.CurrentState()
	observe.Logger(r.Context()).Info("relay stop requested", "state", st)
	writeJSON(w, http.StatusOK, stateResponse{State: st})
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	info := s.relay.Session()
	res := stateResponse{State: s.relay.CurrentState(), Running: &info.Running}
	if info.ID != "" {
		res.SessionID = info.ID
		res.StartedAt = &info.StartedAt
	}
	writeJSON(w, http.StatusOK, res)
}

type receiverResponse struct {
	Listening bool   `json:"listening"`
	Addr      string `json:"addr,omitempty"`
	Connected bool   `json:"connected"`
	Streams   int64  `json:"streams"`
}

func (s *Server) handleReceiverState(w http.ResponseWriter, _ *http.Request) {
	res := receiverResponse{Connected: s.receiver.Connected(), Streams: s.receiver.Streams()}
	if addr := s.receiver.Addr(); addr != nil {
		res.Listening, res.Addr = true, addr.String()
	}
	writeJSON(w, http.StatusOK, res)
}

// handleEvents streams state names as WebSocket text messages until the
// client goes away or the state feed ends.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		// Accept has already written the error response.
		slog.Debug("control: websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	sub := s.relay.Subscribe()
	defer sub.Close()

	// Incoming messages are not expected; CloseRead handles control frames
	// and cancels ctx when the client disconnects.
	ctx := conn.CloseRead(r.Context())
	log := observe.Logger(r.Context())
	log.Debug("state feed subscribed")

	for {
		select {
		case st, ok := <-sub.C():
			if !ok {
				conn.Close(websocket.StatusGoingAway, "relay closed")
				return
			}
			wctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
			err := conn.Write(wctx, websocket.MessageText, []byte(st.String()))
			cancel()
			if err != nil {
				log.Debug("state feed write failed", "err", err)
				return
			}
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("control: encode response", "err", err)
	}
}
