package relay

import (
	"fmt"
)

// State is the connection health published by a [Controller].
type State int32

// Connection states. The zero value is [Stopped].
const (
	Stopped State = iota
	Connecting
	Connected
	Reconnecting
	PermissionDenied
	Error
)

// stateNames are the stable identifiers external observers rely on.
var stateNames = [...]string{
	Stopped:          "stopped",
	Connecting:       "connecting",
	Connected:        "connected",
	Reconnecting:     "reconnecting",
	PermissionDenied: "permission_denied",
	Error:            "error",
}

// States lists every state in declaration order.
func States() []State {
	return []State{Stopped, Connecting, Connected, Reconnecting, PermissionDenied, Error}
}

// String returns the wire name, e.g. "permission_denied".
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int32(s))
	}
	return stateNames[s]
}

// Terminal reports whether s ends a run without a stop request.
func (s State) Terminal() bool {
	return s == PermissionDenied || s == Error
}

// Active reports whether a worker is driving the state, i.e. the run has
// neither stopped nor reached a terminal state.
func (s State) Active() bool {
	return s == Connecting || s == Connected || s == Reconnecting
}

// ParseState returns the state named name.
func ParseState(name string) (State, error) {
	for i, n := range stateNames {
		if n == name {
			return State(i), nil
		}
	}
	return Stopped, fmt.Errorf("relay: unknown state %q", name)
}

// MarshalText implements [encoding.TextMarshaler].
func (s State) MarshalText() ([]byte, error) {
	if s < 0 || int(s) >= len(stateNames) {
		return nil, fmt.Errorf("relay: invalid state %d", int32(s))
	}
	return []byte(stateNames[s]), nil
}

// UnmarshalText implements [encoding.TextUnmarshaler].
func (s *State) UnmarshalText(text []byte) error {
	v, err := ParseState(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}
