//nolint:funlen // ok for tests
package tracking

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func machineIn(t *testing.T, events ...Event) *Machine {
	t.Helper()
	m := NewMachine()
	for _, ev := range events {
		_, err := m.Fire(ev)
		require.NoError(t, err)
	}
	return m
}

func TestMachineTransitions(t *testing.T) {
	tests := []struct {
		name    string
		setup   []Event
		ev      Event
		want    State
		wantErr error
	}{
		{name: "start from idle", ev: EventStart, want: Active},
		{name: "pause", setup: []Event{EventStart}, ev: EventPause, want: Paused},
		{name: "resume", setup: []Event{EventStart, EventPause}, ev: EventResume, want: Active},
		{name: "stop active", setup: []Event{EventStart}, ev: EventStop, want: Stopping},
		{name: "stop paused", setup: []Event{EventStart, EventPause}, ev: EventStop, want: Stopping},
		{
			name:  "persisted",
			setup: []Event{EventStart, EventStop}, ev: EventPersisted, want: Idle,
		},
		{
			name: "start from active", setup: []Event{EventStart},
			ev: EventStart, want: Active, wantErr: ErrAlreadyTracking,
		},
		{
			name: "start from paused", setup: []Event{EventStart, EventPause},
			ev: EventStart, want: Paused, wantErr: ErrAlreadyTracking,
		},
		{
			name: "start from stopping", setup: []Event{EventStart, EventStop},
			ev: EventStart, want: Stopping, wantErr: ErrAlreadyTracking,
		},
		{name: "pause idle", ev: EventPause, want: Idle, wantErr: ErrInvalidTransition},
		{name: "resume idle", ev: EventResume, want: Idle, wantErr: ErrInvalidTransition},
		{name: "stop idle", ev: EventStop, want: Idle, wantErr: ErrInvalidTransition},
		{
			name: "resume active", setup: []Event{EventStart},
			ev: EventResume, want: Active, wantErr: ErrInvalidTransition,
		},
		{
			name: "pause stopping", setup: []Event{EventStart, EventStop},
			ev: EventPause, want: Stopping, wantErr: ErrInvalidTransition,
		},
		{
			name: "persisted while active", setup: []Event{EventStart},
			ev: EventPersisted, want: Active, wantErr: ErrInvalidTransition,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := machineIn(t, tt.setup...)
			before := m.State()
			tr, err := m.Fire(tt.ev)
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				assert.Equal(t, before, m.State())
			} else {
				require.NoError(t, err)
				assert.Equal(t, Transition{From: before, Event: tt.ev, To: tt.want}, tr)
			}
			assert.Equal(t, tt.want, m.State())
		})
	}
}

func TestMachineGates(t *testing.T) {
	m := NewMachine()
	assert.False(t, m.Recording())
	assert.False(t, m.Present())

	m = machineIn(t, EventStart)
	assert.True(t, m.Recording())
	assert.True(t, m.Present())

	m = machineIn(t, EventStart, EventPause)
	assert.False(t, m.Recording())
	assert.True(t, m.Present())

	m = machineIn(t, EventStart, EventStop)
	assert.False(t, m.Recording())
	assert.False(t, m.Present())

	m.Reset()
	assert.Equal(t, Idle, m.State())
}

func TestStateStrings(t *testing.T) {
	for _, s := range []State{Idle, Active, Paused, Stopping} {
		got, err := ParseState(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}
	_, err := ParseState("running")
	assert.Error(t, err)
	assert.Equal(t, "State(9)", State(9).String())
	assert.Equal(t, "idle --start--> active",
		Transition{From: Idle, Event: EventStart, To: Active}.String())
}
