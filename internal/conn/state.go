package conn

import (
	"fmt"
	"slices"
	"sync"

	"github.com/carewire/carewire/internal/bus"
)

// State represents a connection lifecycle state.
type State string

const (
	Disconnected     State = "disconnected"
	Connecting       State = "connecting"
	Connected        State = "connected"
	Reauthenticating State = "reauthenticating"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Disconnected:     {Connecting},
	Connecting:       {Connected, Disconnected},
	Connected:        {Disconnected, Reauthenticating},
	Reauthenticating: {Connected, Disconnected},
}

// Machine tracks and enforces connection state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a state machine starting in Disconnected.
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

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Emit(bus.KindConnStateChanged, StateChange{From: from, To: to})
	}
	return nil
}

// StateChange is the payload for connection state change events.
type StateChange struct {
	From State
	To   State
}
