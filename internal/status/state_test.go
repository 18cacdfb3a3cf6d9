package status

import (
	"testing"

	"github.com/hirelink/chatsync/internal/bus"
)

func TestInitialState(t *testing.T) {
	m := NewMachine(nil)
	if m.Current() != Disconnected {
		t.Errorf("initial state = %s, want DISCONNECTED", m.Current())
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Disconnected, Connecting},
		{Disconnected, Closed},
		{Connecting, Connected},
		{Connecting, Reconnecting},
		{Connecting, Disconnected},
		{Connected, Reconnecting},
		{Reconnecting, Connecting},
		{Reconnecting, Disconnected},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := NewMachine(nil)
			// Walk to the "from" state.
			walkTo(t, m, tt.from)
			if err := m.Transition(tt.to); err != nil {
				t.Errorf("Transition(%s -> %s) error = %v", tt.from, tt.to, err)
			}
			if m.Current() != tt.to {
				t.Errorf("state = %s, want %s", m.Current(), tt.to)
			}
		})
	}
}

func TestInvalidTransition(t *testing.T) {
	m := NewMachine(nil)
	if err := m.Transition(Connected); err == nil {
		t.Error("Transition(DISCONNECTED -> CONNECTED) should fail")
	}
}

func TestTransitionEmitsEvent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("conn.", 10)
	defer unsub()

	m := NewMachine(b)
	if err := m.Transition(Connecting); err != nil {
		t.Fatal(err)
	}

	evt := <-ch
	if evt.Kind != bus.KindConnStateChanged {
		t.Errorf("event kind = %q, want %q", evt.Kind, bus.KindConnStateChanged)
	}
	change, ok := evt.Payload.(StatusChange)
	if !ok {
		t.Fatalf("payload type = %T, want StatusChange", evt.Payload)
	}
	if change.From != Disconnected || change.To != Connecting {
		t.Errorf("change = %v -> %v, want DISCONNECTED -> CONNECTING", change.From, change.To)
	}
}

// TestFirstConnectLifecycle simulates the first successful connect:
// DISCONNECTED → CONNECTING → CONNECTED
func TestFirstConnectLifecycle(t *testing.T) {
	m := NewMachine(nil)

	steps := []State{Connecting, Connected}
	for _, s := range steps {
		if err := m.Transition(s); err != nil {
			t.Fatalf("Transition to %s: %v (current: %s)", s, err, m.Current())
		}
	}
	if m.Current() != Connected {
		t.Errorf("final state = %s, want CONNECTED", m.Current())
	}
}

// TestDisconnectReconnectCycle verifies the reconnect loop:
// CONNECTED → RECONNECTING → CONNECTING → CONNECTED
func TestDisconnectReconnectCycle(t *testing.T) {
	m := NewMachine(nil)
	walkTo(t, m, Connected)

	steps := []State{Reconnecting, Connecting, Connected}
	for _, s := range steps {
		if err := m.Transition(s); err != nil {
			t.Fatalf("Transition to %s: %v (current: %s)", s, err, m.Current())
		}
	}
	if m.Current() != Connected {
		t.Errorf("final state = %s, want CONNECTED", m.Current())
	}
}

// TestAuthRejectionLandsDisconnected verifies a rejected handshake settles
// in DISCONNECTED with no path back except an explicit new connect.
func TestAuthRejectionLandsDisconnected(t *testing.T) {
	m := NewMachine(nil)
	walkTo(t, m, Connecting)

	if err := m.Transition(Disconnected); err != nil {
		t.Fatalf("CONNECTING -> DISCONNECTED: %v", err)
	}
	if m.Current() != Disconnected {
		t.Errorf("state = %s, want DISCONNECTED", m.Current())
	}
}

// TestClosedIsTerminal verifies no transition leaves CLOSED.
func TestClosedIsTerminal(t *testing.T) {
	m := NewMachine(nil)
	walkTo(t, m, Connected)

	if err := m.Transition(Closed); err != nil {
		t.Fatalf("CONNECTED -> CLOSED: %v", err)
	}
	for _, s := range []State{Disconnected, Connecting, Connected, Reconnecting} {
		if err := m.Transition(s); err == nil {
			t.Errorf("Transition(CLOSED -> %s) should fail", s)
		}
	}
}

// TestTeardownDuringReconnect verifies teardown is allowed mid-reconnect.
func TestTeardownDuringReconnect(t *testing.T) {
	m := NewMachine(nil)
	walkTo(t, m, Reconnecting)

	if err := m.Transition(Closed); err != nil {
		t.Fatalf("RECONNECTING -> CLOSED: %v", err)
	}
	if m.Current() != Closed {
		t.Errorf("state = %s, want CLOSED", m.Current())
	}
}

// walkTo is a helper that transitions the machine to a target state.
func walkTo(t *testing.T, m *Machine, target State) {
	t.Helper()
	paths := map[State][]State{
		Disconnected: {},
		Connecting:   {Connecting},
		Connected:    {Connecting, Connected},
		Reconnecting: {Connecting, Connected, Reconnecting},
		Closed:       {Closed},
	}
	for _, s := range paths[target] {
		if err := m.Transition(s); err != nil {
			t.Fatalf("walkTo(%s): %v", target, err)
		}
	}
}
