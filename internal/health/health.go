// Package health serves the liveness and readiness probes.
//
// GET /healthz answers 200 while the process serves HTTP and reports uptime.
// GET /readyz runs every [Checker] and answers 503 when one fails: the relay
// is not ready in a terminal state, the receiver not before its listener is
// bound.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// CheckTimeout bounds a single readiness check.
const CheckTimeout = 5 * time.Second

const (
	StatusOK   = "ok"
	StatusFail = "fail"
)

// Checker is a named readiness probe. Check returns nil when ready and must
// honour ctx.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// Result is the outcome of one checker.
type Result struct {
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
	Duration string `json:"duration"`
}

// Report is the body of both probes.
type Report struct {
	Status string            `json:"status"`
	Uptime string            `json:"uptime,omitempty"`
	Checks map[string]Result `json:"checks,omitempty"`
}

// OK reports whether every check passed.
func (r Report) OK() bool { return r.Status == StatusOK }

// Handler serves the probes for a fixed set of checkers.
type Handler struct {
	checkers []Checker
	started  time.Time
	now      func() time.Time
}

// New creates a [Handler]. Uptime is counted from this call.
func New(checkers ...Checker) *Handler {
	return &Handler{
		checkers: append([]Checker(nil), checkers...),
		started:  time.Now(),
		now:      time.Now,
	}
}

// Run evaluates all checkers concurrently, each under [CheckTimeout].
func (h *Handler) Run(ctx context.Context) Report {
	rep := Report{Status: StatusOK, Checks: make(map[string]Result, len(h.checkers))}
	var mu sync.Mutex

	var g errgroup.Group
	for _, c := range h.checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, CheckTimeout)
			defer cancel()
			start := time.Now()
			err := c.Check(cctx)

			res := Result{Status: StatusOK, Duration: time.Since(start).String()}
			if err != nil {
				res.Status, res.Error = StatusFail, err.Error()
			}
			mu.Lock()
			defer mu.Unlock()
			rep.Checks[c.Name] = res
			if err != nil {
				rep.Status = StatusFail
			}
			return nil
		})
	}
	_ = g.Wait()
	return rep
}

func (h *Handler) healthz(w http.ResponseWriter, _ *http.Request) {
	up := h.now().Sub(h.started).Truncate(time.Second)
	writeJSON(w, http.StatusOK, Report{Status: StatusOK, Uptime: up.String()})
}

func (h *Handler) readyz(w http.ResponseWriter, r *http.Request) {
	rep := h.Run(r.Context())
	code := http.StatusOK
	if !rep.OK() {
		code = http.StatusServiceUnavailable
		slog.Debug("not ready", "checks", rep.Checks)
	}
	writeJSON(w, code, rep)
}

// Register mounts GET /healthz and GET /readyz on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.healthz)
	mux.HandleFunc("GET /readyz", h.readyz)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("health: encode response", "err", err)
	}
}
