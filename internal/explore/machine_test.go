package explore

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRunningMachine(t *testing.T) *Machine {
	t.Helper()
	m := NewMachine(0, 0)
	_, err := m.Apply(EventStart)
	require.NoError(t, err)
	_, err = m.Apply(EventReady)
	require.NoError(t, err)
	require.Equal(t, StateExploring, m.State())
	return m
}

func TestInitialStateIsIdle(t *testing.T) {
	m := NewMachine(0, 0)
	assert.Equal(t, StateIdle, m.State())
	assert.True(t, m.CanStart())
	assert.False(t, m.IsActive())
}

func TestStartResetsCountersAndActivates(t *testing.T) {
	m := newRunningMachine(t)
	assert.True(t, m.IsActive())
	assert.False(t, m.CanStart())
	assert.Equal(t, 0, m.NoProgressCount())
	assert.Equal(t, 0, m.TapCount())
}

func TestStuckAfterExactlyFiveNoProgress(t *testing.T) {
	m := newRunningMachine(t)

	for i := 0; i < 4; i++ {
		state, err := m.Apply(EventNoProgress)
		require.NoError(t, err)
		assert.Equal(t, StateExploring, state, "not stuck after %d events", i+1)
	}

	state, err := m.Apply(EventNoProgress)
	require.NoError(t, err)
	assert.Equal(t, StateStuck, state, "stuck after the 5th consecutive event")
	assert.Equal(t, 0, m.RecoveryAttempts())
}

func TestProgressResetsNoProgressCounter(t *testing.T) {
	m := newRunningMachine(t)

	// 4 no-progress events, then progress: the counter must reset, so 4
	// further no-progress events still leave the machine EXPLORING.
	for i := 0; i < 4; i++ {
		m.Apply(EventNoProgress)
	}
	state, err := m.Apply(EventNewScreen)
	require.NoError(t, err)
	assert.Equal(t, StateExploring, state)
	assert.Equal(t, 0, m.NoProgressCount())

	for i := 0; i < 4; i++ {
		state, _ = m.Apply(EventNoProgress)
		assert.Equal(t, StateExploring, state)
	}
	state, _ = m.Apply(EventNoProgress)
	assert.Equal(t, StateStuck, state)
}

func TestRecoveryExhaustionCompletes(t *testing.T) {
	m := newRunningMachine(t)
	for i := 0; i < 5; i++ {
		m.Apply(EventNoProgress)
	}
	require.Equal(t, StateStuck, m.State())

	for i := 0; i < 2; i++ {
		state, err := m.Apply(EventRecoveryFailed)
		require.NoError(t, err)
		assert.Equal(t, StateStuck, state)
	}
	state, err := m.Apply(EventRecoveryFailed)
	require.NoError(t, err)
	assert.Equal(t, StateCompleting, state)
}

func TestRecoverySuccessReturnsToExploring(t *testing.T) {
	m := newRunningMachine(t)
	for i := 0; i < 5; i++ {
		m.Apply(EventNoProgress)
	}
	require.Equal(t, StateStuck, m.State())

	state, err := m.Apply(EventRecoverySucceeded)
	require.NoError(t, err)
	assert.Equal(t, StateExploring, state)
	assert.Equal(t, 0, m.NoProgressCount())
}

func TestExternalNewScreenEscapesStuck(t *testing.T) {
	m := newRunningMachine(t)
	for i := 0; i < 5; i++ {
		m.Apply(EventNoProgress)
	}

	state, err := m.Apply(EventNewScreen)
	require.NoError(t, err)
	assert.Equal(t, StateExploring, state)
}

func TestPauseAndResume(t *testing.T) {
	m := newRunningMachine(t)

	state, err := m.Apply(EventPause)
	require.NoError(t, err)
	assert.Equal(t, StatePaused, state)
	assert.False(t, m.IsActive())

	state, err = m.Apply(EventResume)
	require.NoError(t, err)
	assert.Equal(t, StateExploring, state)
}

func TestStopFromEveryActiveStateFinalizes(t *testing.T) {
	cases := []struct {
		name  string
		setup func(m *Machine)
	}{
		{"exploring", func(m *Machine) {}},
		{"paused", func(m *Machine) { m.Apply(EventPause) }},
		{"stuck", func(m *Machine) {
			for i := 0; i < 5; i++ {
				m.Apply(EventNoProgress)
			}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := newRunningMachine(t)
			tc.setup(m)

			state, err := m.Apply(EventStop)
			require.NoError(t, err)
			assert.Equal(t, StateCompleting, state)

			assert.Equal(t, StateCompleted, m.Finalize())
			assert.True(t, m.CanStart(), "completed sessions can be restarted")
		})
	}
}

func TestStopDuringInitializingReturnsToIdle(t *testing.T) {
	m := NewMachine(0, 0)
	m.Apply(EventStart)

	state, err := m.Apply(EventStop)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, state)
}

func TestInvalidControlEventIsTyped(t *testing.T) {
	m := NewMachine(0, 0)

	_, err := m.Apply(EventResume)
	var invalid *InvalidTransitionError
	require.True(t, errors.As(err, &invalid))
	assert.Equal(t, StateIdle, invalid.State)
	assert.Equal(t, EventResume, invalid.Event)
}

func TestObservationEventsIgnoredOutsideExploring(t *testing.T) {
	m := NewMachine(0, 0)

	// Observations in IDLE are dropped, not errors.
	state, err := m.Apply(EventNoProgress)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, state)
}

func TestListenersObserveTransitionsInOrder(t *testing.T) {
	m := NewMachine(0, 0)

	type transition struct {
		old, new State
		event    Event
	}
	var seen []transition
	m.Subscribe(func(old, new State, event Event) {
		seen = append(seen, transition{old, new, event})
	})

	m.Apply(EventStart)
	m.Apply(EventReady)
	m.Apply(EventElementTapped) // no state change, no notification
	m.Apply(EventStop)
	m.Finalize()

	require.Len(t, seen, 4)
	assert.Equal(t, transition{StateIdle, StateInitializing, EventStart}, seen[0])
	assert.Equal(t, transition{StateInitializing, StateExploring, EventReady}, seen[1])
	assert.Equal(t, transition{StateExploring, StateCompleting, EventStop}, seen[2])
	assert.Equal(t, transition{StateCompleting, StateCompleted, EventFinalized}, seen[3])
}

func TestFinalizeFromActiveStateStopsFirst(t *testing.T) {
	m := newRunningMachine(t)
	assert.Equal(t, StateCompleted, m.Finalize())
}

func TestTapCounter(t *testing.T) {
	m := newRunningMachine(t)
	for i := 0; i < 3; i++ {
		m.Apply(EventElementTapped)
	}
	assert.Equal(t, 3, m.TapCount())
}
