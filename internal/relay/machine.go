package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/looplab/fsm"

	"github.com/MrWong99/micbridge/internal/observe"
)

// ErrIllegalTransition is returned by [StateMachine.Publish] for a state
// change that is not an allowed edge.
var ErrIllegalTransition = errors.New("relay: illegal state transition")

// StateMachine holds the current [State], enforces the allowed transitions
// and fans changes out to subscribers.
//
// Reads through [StateMachine.Current] are lock-free. Publishing is
// serialised. Every subscriber sees every published state in order.
type StateMachine struct {
	metrics *observe.Metrics

	mu      sync.Mutex
	fsm     *fsm.FSM
	current atomic.Int32
	subs    map[*Subscription]struct{}
}

// newFSM builds the transition table. Each event is named after its
// destination state.
func newFSM() *fsm.FSM {
	name := State.String
	return fsm.NewFSM(
		name(Stopped),
		fsm.Events{
			{Name: name(Connecting), Src: []string{name(Stopped), name(PermissionDenied), name(Error), name(Reconnecting)}, Dst: name(Connecting)},
			{Name: name(PermissionDenied), Src: []string{name(Connecting)}, Dst: name(PermissionDenied)},
			{Name: name(Error), Src: []string{name(Connecting)}, Dst: name(Error)},
			{Name: name(Connected), Src: []string{name(Connecting), name(Reconnecting)}, Dst: name(Connected)},
			{Name: name(Reconnecting), Src: []string{name(Connecting), name(Connected)}, Dst: name(Reconnecting)},
			{Name: name(Stopped), Src: []string{name(Connecting), name(Connected), name(Reconnecting)}, Dst: name(Stopped)},
		},
		fsm.Callbacks{},
	)
}

// MachineOption configures a [StateMachine].
type MachineOption func(*StateMachine)

// WithMachineMetrics sets the metrics used to count transitions. Defaults to
// [observe.DefaultMetrics].
func WithMachineMetrics(m *observe.Metrics) MachineOption {
	return func(sm *StateMachine) { sm.metrics = m }
}

// NewStateMachine returns a machine in [Stopped].
func NewStateMachine(opts ...MachineOption) *StateMachine {
	sm := &StateMachine{
		fsm:  newFSM(),
		subs: make(map[*Subscription]struct{}),
	}
	for _, o := range opts {
		o(sm)
	}
	if sm.metrics == nil {
		sm.metrics = observe.DefaultMetrics()
	}
	return sm
}

// Current returns the last published state without blocking.
func (sm *StateMachine) Current() State {
	return State(sm.current.Load())
}

// CanTransition reports whether from → to is an allowed edge.
func CanTransition(from, to State) bool {
	f := newFSM()
	f.SetState(from.String())
	return f.Can(to.String())
}

// Publish moves the machine to s and notifies subscribers. Publishing the
// current state is a silent no-op. An edge not in the transition table is
// rejected with [ErrIllegalTransition] and nothing is published.
func (sm *StateMachine) Publish(ctx context.Context, s State) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	from := sm.Current()
	if from == s {
		return nil
	}
	if err := sm.fsm.Event(ctx, s.String()); err != nil {
		sm.metrics.RecordIllegalTransition(ctx, from.String(), s.String())
		slog.Warn("relay: rejected state transition", "from", from, "to", s, "err", err)
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, s)
	}
	sm.current.Store(int32(s))

	for sub := range sm.subs {
		sub.push(s)
	}
	sm.metrics.RecordStateTransition(ctx, from.String(), s.String())
	slog.Debug("relay: state changed", "from", from, "to", s)
	return nil
}

// Subscribe registers a new observer. The current state is queued first, so
// a late subscriber learns the state immediately. Call
// [Subscription.Close] when done.
func (sm *StateMachine) Subscribe() *Subscription {
	sub := &Subscription{
		machine: sm,
		ch:      make(chan State),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	sm.mu.Lock()
	sub.push(sm.Current())
	sm.subs[sub] = struct{}{}
	sm.mu.Unlock()

	go sub.deliver()
	return sub
}

// Close ends every subscription.
func (sm *StateMachine) Close() {
	sm.mu.Lock()
	subs := make([]*Subscription, 0, len(sm.subs))
	for sub := range sm.subs {
		subs = append(subs, sub)
	}
	sm.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
}

func (sm *StateMachine) unsubscribe(sub *Subscription) {
	sm.mu.Lock()
	delete(sm.subs, sub)
	sm.mu.Unlock()
}

// Subscription is an ordered, unbounded feed of published states. A slow
// reader never blocks the publisher and never misses a state.
type Subscription struct {
	machine *StateMachine
	ch      chan State

	mu    sync.Mutex
	queue []State
	wake  chan struct{}

	closeOnce sync.Once
	done      chan struct{}
}

// C returns the channel states are delivered on. It is closed after
// [Subscription.Close].
func (s *Subscription) C() <-chan State {
	return s.ch
}

// Close stops delivery and closes the channel. Undelivered states are
// dropped. Safe to call more than once.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.machine.unsubscribe(s)
		close(s.done)
	})
}

func (s *Subscription) push(st State) {
	s.mu.Lock()
	s.queue = append(s.queue, st)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) deliver() {
	defer close(s.ch)
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, st := range batch {
			select {
			case s.ch <- st:
			case <-s.done:
				return
			}
		}
	}
}
