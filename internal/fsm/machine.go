// Package fsm holds the recorder lifecycle state machine. It validates
// every transition against a fixed table and performs no I/O of its own;
// side effects hang off the change and invalid hooks.
package fsm

import (
	"fmt"
	"sync"
	"time"
)

// State is one recorder lifecycle phase. Exactly one is current at a time.
type State int

const (
	StateIdle State = iota
	StateListening
	StateTranscribing
	StateRouting
)

var stateNames = map[State]string{
	StateIdle:         "idle",
	StateListening:    "listening",
	StateTranscribing: "transcribing",
	StateRouting:      "routing",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ParseState maps a wire name back to a State.
func ParseState(name string) (State, error) {
	for s, n := range stateNames {
		if n == name {
			return s, nil
		}
	}
	return StateIdle, fmt.Errorf("unknown recorder state %q", name)
}

// EventKind tags an attempted cause of change.
type EventKind int

const (
	EventStartRecording EventKind = iota
	EventStopRecording
	EventBeginTranscription
	EventBeginRouting
	EventComplete
	EventCancel
	EventError
	EventForceReset
)

var eventNames = map[EventKind]string{
	EventStartRecording:     "start_recording",
	EventStopRecording:      "stop_recording",
	EventBeginTranscription: "begin_transcription",
	EventBeginRouting:       "begin_routing",
	EventComplete:           "complete",
	EventCancel:             "cancel",
	EventError:              "error",
	EventForceReset:         "force_reset",
}

func (k EventKind) String() string {
	if name, ok := eventNames[k]; ok {
		return name
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event is consumed by one Transition call and discarded. Reason is only
// meaningful for EventError.
type Event struct {
	Kind   EventKind
	Reason string
}

// transitions is the full validity table. Pairs absent here are rejected
// with no state change. Cancel during Listening still lands in Transcribing:
// captured audio is a disposition to settle, not work to discard. Every
// state except Idle carries Error and ForceReset edges back to Idle, the
// only safe recovery target.
var transitions = map[State]map[EventKind]State{
	StateIdle: {
		EventStartRecording: StateListening,
		EventForceReset:     StateIdle,
	},
	StateListening: {
		EventStopRecording: StateTranscribing,
		EventCancel:        StateTranscribing,
		EventError:         StateIdle,
		EventForceReset:    StateIdle,
	},
	StateTranscribing: {
		EventBeginRouting: StateRouting,
		EventComplete:     StateIdle,
		EventCancel:       StateIdle,
		EventError:        StateIdle,
		EventForceReset:   StateIdle,
	},
	StateRouting: {
		EventComplete:   StateIdle,
		EventCancel:     StateIdle,
		EventError:      StateIdle,
		EventForceReset: StateIdle,
	},
}

// Next evaluates the table as a pure function, with no machine state
// involved.
func Next(from State, kind EventKind) (State, bool) {
	next, ok := transitions[from][kind]
	return next, ok
}

// Machine serializes all mutation of the current state behind one mutex.
// Hooks run synchronously while the lock is held and must not call back
// into the machine.
type Machine struct {
	mu        sync.Mutex
	state     State
	entered   time.Time
	clock     func() time.Time
	onChange  func(old, next State)
	onInvalid func(current State, ev Event)
}

// New returns a machine starting in StateIdle.
func New() *Machine {
	m := &Machine{state: StateIdle, clock: time.Now}
	m.entered = m.clock()
	return m
}

// OnChange installs the hook fired after every accepted transition and
// every forced state set. Set it before the machine is shared.
func (m *Machine) OnChange(fn func(old, next State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// OnInvalid installs the diagnostics hook fired when an event is rejected.
func (m *Machine) OnInvalid(fn func(current State, ev Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onInvalid = fn
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Current returns the state together with how long it has been held, read
// under one lock so the pair is consistent.
func (m *Machine) Current() (State, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.clock().Sub(m.entered)
}

// CanTransition reports whether the event would be accepted right now,
// without applying it.
func (m *Machine) CanTransition(ev Event) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := transitions[m.state][ev.Kind]
	return ok
}

// Transition applies the event if the table allows it and reports whether
// it was accepted. Rejection leaves the state untouched and fires the
// invalid hook.
func (m *Machine) Transition(ev Event) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	next, ok := transitions[m.state][ev.Kind]
	if !ok {
		if m.onInvalid != nil {
			m.onInvalid(m.state, ev)
		}
		return false
	}
	m.set(next)
	return true
}

// ForceSetState bypasses the table. It always succeeds and fires the change
// hook exactly once. Meant for process startup and operator-triggered
// recovery only.
func (m *Machine) ForceSetState(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.set(s)
}

func (m *Machine) set(next State) {
	old := m.state
	m.state = next
	m.entered = m.clock()
	if m.onChange != nil {
		m.onChange(old, next)
	}
}
