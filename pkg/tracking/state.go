// Package tracking holds the local participant's recording lifecycle.
// It is the only authority for "is tracking happening"; a session status
// stored in the backend is never consulted.
package tracking

import (
	"errors"
	"fmt"
)

type (
	State int
	Event int
)

const (
	Idle State = iota
	Active
	Paused
	Stopping
)

const (
	EventStart Event = iota
	EventPause
	EventResume
	EventStop
	// EventPersisted signals completion of the final persist while stopping
	EventPersisted
)

var (
	ErrAlreadyTracking   = errors.New("already tracking")
	ErrInvalidTransition = errors.New("invalid transition")
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Active:
		return "active"
	case Paused:
		return "paused"
	case Stopping:
		return "stopping"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

func ParseState(s string) (State, error) {
	for _, st := range []State{Idle, Active, Paused, Stopping} {
		if st.String() == s {
			return st, nil
		}
	}
	return Idle, fmt.Errorf("unknown state %q", s)
}

func (e Event) String() string {
	switch e {
	case EventStart:
		return "start"
	case EventPause:
		return "pause"
	case EventResume:
		return "resume"
	case EventStop:
		return "stop"
	case EventPersisted:
		return "persisted"
	default:
		return fmt.Sprintf("Event(%d)", int(e))
	}
}

type Transition struct {
	From  State
	Event Event
	To    State
}

func (t Transition) String() string {
	return fmt.Sprintf("%s --%s--> %s", t.From, t.Event, t.To)
}

type key struct {
	from State
	ev   Event
}

var transitions = map[key]State{
	{Idle, EventStart}:         Active,
	{Active, EventPause}:       Paused,
	{Paused, EventResume}:      Active,
	{Active, EventStop}:        Stopping,
	{Paused, EventStop}:        Stopping,
	{Stopping, EventPersisted}: Idle,
}
