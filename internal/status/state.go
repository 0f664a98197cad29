package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/courierapp/courier/internal/bus"
)

// State represents the live transport session's connection state.
type State string

const (
	Disconnected State = "DISCONNECTED"
	Connecting   State = "CONNECTING"
	Connected    State = "CONNECTED"
	Error        State = "ERROR"
)

// validTransitions defines allowed state transitions. Error and
// Disconnected both feed back into Connecting because both recovery paths
// (scheduled reinitialization and transport-level reconnect) exist.
var validTransitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Connected, Disconnected, Error},
	Connected:    {Disconnected, Connecting, Error},
	Error:        {Connecting, Disconnected},
}

// Machine tracks the connection state and the last human-readable error.
// Transitions are published on the bus for the control API's status view.
type Machine struct {
	mu      sync.RWMutex
	current State
	lastErr string
	bus     *bus.Bus
}

// NewMachine creates a machine starting in Disconnected state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Disconnected,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// LastError returns the last recorded connection error, empty after a
// successful connect.
func (m *Machine) LastError() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastErr
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	return m.transition(to, "")
}

// Fail moves to Error and records the cause for display.
func (m *Machine) Fail(cause string) error {
	return m.transition(Error, cause)
}

func (m *Machine) transition(to State, cause string) error {
	m.mu.Lock()
	allowed := validTransitions[m.current]
	if to != m.current && !slices.Contains(allowed, to) {
		from := m.current
		m.mu.Unlock()
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	from := m.current
	m.current = to
	switch to {
	case Connected:
		m.lastErr = ""
	case Error:
		if cause != "" {
			m.lastErr = cause
		}
	}
	m.mu.Unlock()

	if m.bus != nil && from != to {
		m.bus.Emit("session.status_changed", StatusChange{From: from, To: to, Error: cause})
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From  State
	To    State
	Error string
}
