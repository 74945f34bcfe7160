// Package explore holds the exploration lifecycle: the state machine that
// serializes progress events into lifecycle transitions, and the session
// orchestrator that runs one exploration pass against a target.
package explore

import (
	"fmt"
	"sync"

	"uiscout/internal/logging"
)

// State is one lifecycle state of an exploration session.
type State string

const (
	StateIdle         State = "/idle"
	StateInitializing State = "/initializing"
	StateExploring    State = "/exploring"
	StatePaused       State = "/paused"
	StateStuck        State = "/stuck"
	StateCompleting   State = "/completing"
	StateCompleted    State = "/completed"
)

// Event drives the state machine.
type Event string

const (
	EventStart             Event = "/start"
	EventReady             Event = "/ready"
	EventNewScreen         Event = "/new_screen"
	EventNewElements       Event = "/new_elements"
	EventElementTapped     Event = "/element_tapped"
	EventNoProgress        Event = "/no_progress"
	EventPause             Event = "/pause"
	EventResume            Event = "/resume"
	EventStop              Event = "/stop"
	EventMaxIterations     Event = "/max_iterations"
	EventCoverageReached   Event = "/coverage_reached"
	EventQueueExhausted    Event = "/queue_exhausted"
	EventRecoverySucceeded Event = "/recovery_succeeded"
	EventRecoveryFailed    Event = "/recovery_failed"
	EventUserHelped        Event = "/user_helped"
	EventFinalized         Event = "/finalized"
)

// Default counter thresholds.
const (
	DefaultNoProgressLimit = 5
	DefaultRecoveryLimit   = 3
)

// Listener observes every transition, synchronously and in total order.
// Listeners run under the machine lock and must not call back into it.
type Listener func(old, new State, event Event)

// InvalidTransitionError reports a control event the current state cannot
// accept.
type InvalidTransitionError struct {
	State State
	Event Event
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("event %s not valid in state %s", e.Event, e.State)
}

// Machine is the exploration lifecycle state machine. All events are applied
// one at a time in arrival order; there are no parallel flags outside it.
type Machine struct {
	mu sync.Mutex

	state            State
	noProgress       int
	taps             int
	recoveryAttempts int

	noProgressLimit int
	recoveryLimit   int

	listeners []Listener
}

// NewMachine builds a machine in IDLE. Non-positive limits fall back to the
// defaults.
func NewMachine(noProgressLimit, recoveryLimit int) *Machine {
	if noProgressLimit <= 0 {
		noProgressLimit = DefaultNoProgressLimit
	}
	if recoveryLimit <= 0 {
		recoveryLimit = DefaultRecoveryLimit
	}
	return &Machine{
		state:           StateIdle,
		noProgressLimit: noProgressLimit,
		recoveryLimit:   recoveryLimit,
	}
}

// Subscribe registers a transition listener.
func (m *Machine) Subscribe(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// CanStart reports whether a new session may begin. Only one session runs at
// a time.
func (m *Machine) CanStart() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateIdle || m.state == StateCompleted
}

// IsActive reports whether a session is currently driving the UI.
func (m *Machine) IsActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isActiveLocked()
}

func (m *Machine) isActiveLocked() bool {
	switch m.state {
	case StateInitializing, StateExploring, StateStuck:
		return true
	}
	return false
}

// NoProgressCount returns the consecutive no-progress counter.
func (m *Machine) NoProgressCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.noProgress
}

// TapCount returns the taps performed this session.
func (m *Machine) TapCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.taps
}

// RecoveryAttempts returns the failed recovery attempts since entering STUCK.
func (m *Machine) RecoveryAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recoveryAttempts
}

// Apply feeds one event to the machine and returns the resulting state.
// Progress events outside the states that consume them are ignored; control
// events invalid for the current state return an InvalidTransitionError.
func (m *Machine) Apply(event Event) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	old := m.state

	next, err := m.applyLocked(event)
	if err != nil {
		return old, err
	}

	if next != old {
		m.state = next
		logging.Explore("State %s -> %s (event=%s)", old, next, event)
		for _, l := range m.listeners {
			l(old, next, event)
		}
	}
	return m.state, nil
}

func (m *Machine) applyLocked(event Event) (State, error) {
	switch m.state {
	case StateIdle:
		if event == EventStart {
			m.noProgress = 0
			m.taps = 0
			m.recoveryAttempts = 0
			return StateInitializing, nil
		}

	case StateInitializing:
		switch event {
		case EventReady:
			return StateExploring, nil
		case EventStop:
			return StateIdle, nil
		}

	case StateExploring:
		switch event {
		case EventNewScreen, EventNewElements:
			m.noProgress = 0
			return StateExploring, nil
		case EventElementTapped:
			m.taps++
			return StateExploring, nil
		case EventNoProgress:
			m.noProgress++
			if m.noProgress >= m.noProgressLimit {
				m.recoveryAttempts = 0
				return StateStuck, nil
			}
			return StateExploring, nil
		case EventPause:
			return StatePaused, nil
		case EventStop, EventMaxIterations, EventCoverageReached, EventQueueExhausted:
			return StateCompleting, nil
		}

	case StateStuck:
		switch event {
		case EventRecoverySucceeded, EventUserHelped, EventNewScreen:
			m.noProgress = 0
			return StateExploring, nil
		case EventRecoveryFailed:
			m.recoveryAttempts++
			if m.recoveryAttempts >= m.recoveryLimit {
				return StateCompleting, nil
			}
			return StateStuck, nil
		case EventStop:
			return StateCompleting, nil
		}

	case StatePaused:
		switch event {
		case EventResume:
			return StateExploring, nil
		case EventStop:
			return StateCompleting, nil
		}

	case StateCompleting:
		if event == EventFinalized {
			return StateCompleted, nil
		}

	case StateCompleted:
		if event == EventStart {
			m.noProgress = 0
			m.taps = 0
			m.recoveryAttempts = 0
			return StateInitializing, nil
		}
	}

	if isObservation(event) {
		return m.state, nil
	}
	return m.state, &InvalidTransitionError{State: m.state, Event: event}
}

// isObservation reports events that describe what happened rather than
// request a change; they are dropped when the current state cannot use them.
func isObservation(event Event) bool {
	switch event {
	case EventNewScreen, EventNewElements, EventElementTapped, EventNoProgress:
		return true
	}
	return false
}

// Finalize completes the single finalization step. It is unconditional:
// whatever state the session ended in, COMPLETING always reaches COMPLETED.
func (m *Machine) Finalize() State {
	if m.State() != StateCompleting {
		// Stop first when the caller aborts from an active state.
		m.Apply(EventStop)
	}
	state, err := m.Apply(EventFinalized)
	if err != nil {
		logging.Get(logging.CategoryExplore).Warn("Finalize from unexpected state: %v", err)
	}
	return state
}
