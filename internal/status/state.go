package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/hirelink/chatsync/internal/bus"
)

// State represents the gateway connection lifecycle state.
type State string

const (
	Disconnected State = "DISCONNECTED"
	Connecting   State = "CONNECTING"
	Connected    State = "CONNECTED"
	Reconnecting State = "RECONNECTING"
	// Closed is terminal: the session was torn down and the transport
	// handle released. No further transitions are allowed.
	Closed State = "CLOSED"
)

// validTransitions defines allowed state transitions. A handshake rejected
// for bad credentials lands back in Disconnected (fatal, no retry); a
// transport drop lands in Reconnecting.
var validTransitions = map[State][]State{
	Disconnected: {Connecting, Closed},
	Connecting:   {Connected, Reconnecting, Disconnected, Closed},
	Connected:    {Reconnecting, Closed},
	Reconnecting: {Connecting, Disconnected, Closed},
	Closed:       {},
}

// Machine tracks and enforces connection state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Disconnected state.
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
		m.bus.Emit(bus.KindConnStateChanged, StatusChange{From: from, To: to})
	}
	return nil
}

// StatusChange is the payload for connection state change events.
type StatusChange struct {
	From State
	To   State
}
