// Package status tracks the connection state of a gateway client session.
package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/matheus3301/fluxy/internal/bus"
)

// State is a client connection state.
type State string

const (
	Idle       State = "IDLE"
	Connecting State = "CONNECTING"
	Syncing    State = "SYNCING"
	Ready      State = "READY"
	Closed     State = "CLOSED"
)

// EventStatusChanged is published on every successful transition.
const EventStatusChanged = "client.status_changed"

// validTransitions defines allowed state transitions. A closed session may
// reconnect.
var validTransitions = map[State][]State{
	Idle:       {Connecting, Closed},
	Connecting: {Syncing, Closed},
	Syncing:    {Ready, Closed},
	Ready:      {Closed},
	Closed:     {Connecting},
}

// Machine tracks and enforces connection state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Idle state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Idle,
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
		m.bus.Publish(bus.Event{
			Kind:    EventStatusChanged,
			Payload: StatusChange{From: from, To: to},
		})
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
