package tracking

import "fmt"

// Machine is the transition table plus the current state. It is not safe for
// concurrent use; the participant runtime owns it on a single goroutine.
type Machine struct {
	state State
}

func NewMachine() *Machine {
	return &Machine{state: Idle}
}

func (m *Machine) State() State {
	return m.state
}

// Recording reports whether points may be appended
func (m *Machine) Recording() bool {
	return m.state == Active
}

// Present reports whether the presence heartbeat should run
func (m *Machine) Present() bool {
	return m.state == Active || m.state == Paused
}

// Fire applies ev. On rejection the state is unchanged.
func (m *Machine) Fire(ev Event) (Transition, error) {
	to, ok := transitions[key{m.state, ev}]
	if !ok {
		if ev == EventStart {
			return Transition{}, fmt.Errorf("%w: state is %s", ErrAlreadyTracking, m.state)
		}
		return Transition{}, fmt.Errorf("%w: %s in state %s",
			ErrInvalidTransition, ev, m.state)
	}
	t := Transition{From: m.state, Event: ev, To: to}
	m.state = to
	return t, nil
}

// Reset forces the machine back to idle, used on session end.
func (m *Machine) Reset() {
	m.state = Idle
}
