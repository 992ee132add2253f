package fsm

import (
	"testing"
	"time"
)

var allStates = []State{StateIdle, StateListening, StateTranscribing, StateRouting}

var allEvents = []EventKind{
	EventStartRecording,
	EventStopRecording,
	EventBeginTranscription,
	EventBeginRouting,
	EventComplete,
	EventCancel,
	EventError,
	EventForceReset,
}

// expected mirrors the validity table independently so drift in either copy
// fails the test.
var expected = map[State]map[EventKind]State{
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

func TestTransitionTableComplete(t *testing.T) {
	for _, from := range allStates {
		for _, kind := range allEvents {
			want, valid := expected[from][kind]

			m := New()
			m.ForceSetState(from)
			ev := Event{Kind: kind}
			if kind == EventError {
				ev.Reason = "engine exploded"
			}

			if got := m.CanTransition(ev); got != valid {
				t.Fatalf("%s + %s: CanTransition = %v, want %v", from, kind, got, valid)
			}
			accepted := m.Transition(ev)
			if accepted != valid {
				t.Fatalf("%s + %s: Transition = %v, want %v", from, kind, accepted, valid)
			}
			if valid && m.State() != want {
				t.Fatalf("%s + %s: landed in %s, want %s", from, kind, m.State(), want)
			}
			if !valid && m.State() != from {
				t.Fatalf("%s + %s: rejection moved state to %s", from, kind, m.State())
			}
		}
	}
}

func TestBeginTranscriptionNeverAccepted(t *testing.T) {
	for _, from := range allStates {
		m := New()
		m.ForceSetState(from)
		if m.Transition(Event{Kind: EventBeginTranscription}) {
			t.Fatalf("begin_transcription accepted from %s", from)
		}
	}
}

func TestHappyPath(t *testing.T) {
	m := New()
	var seen []State
	m.OnChange(func(old, next State) { seen = append(seen, next) })

	steps := []Event{
		{Kind: EventStartRecording},
		{Kind: EventStopRecording},
		{Kind: EventComplete},
	}
	for _, ev := range steps {
		if !m.Transition(ev) {
			t.Fatalf("%s rejected in state %s", ev.Kind, m.State())
		}
	}
	if m.State() != StateIdle {
		t.Fatalf("expected idle after full cycle, got %s", m.State())
	}
	want := []State{StateListening, StateTranscribing, StateIdle}
	if len(seen) != len(want) {
		t.Fatalf("expected %d change notifications, got %d", len(want), len(seen))
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("notification %d: got %s, want %s", i, seen[i], want[i])
		}
	}
}

func TestRejectionKeepsStateAndFiresInvalidHook(t *testing.T) {
	m := New()
	m.ForceSetState(StateListening)

	var gotState State
	var gotEvent Event
	invalid := 0
	m.OnInvalid(func(current State, ev Event) {
		gotState = current
		gotEvent = ev
		invalid++
	})
	changes := 0
	m.OnChange(func(old, next State) { changes++ })

	if m.Transition(Event{Kind: EventBeginRouting}) {
		t.Fatalf("listening + begin_routing should be rejected")
	}
	if m.State() != StateListening {
		t.Fatalf("state moved on rejection: %s", m.State())
	}
	if invalid != 1 {
		t.Fatalf("invalid hook fired %d times", invalid)
	}
	if changes != 0 {
		t.Fatalf("change hook fired on rejection")
	}
	if gotState != StateListening || gotEvent.Kind != EventBeginRouting {
		t.Fatalf("invalid hook saw (%s, %s)", gotState, gotEvent.Kind)
	}
}

func TestForceSetStateAlwaysFiresHookOnce(t *testing.T) {
	for _, from := range allStates {
		for _, to := range allStates {
			m := New()
			m.ForceSetState(from)

			fired := 0
			var old, next State
			m.OnChange(func(o, n State) {
				old, next = o, n
				fired++
			})
			m.ForceSetState(to)
			if fired != 1 {
				t.Fatalf("force set %s -> %s fired hook %d times", from, to, fired)
			}
			if old != from || next != to {
				t.Fatalf("hook saw %s -> %s, want %s -> %s", old, next, from, to)
			}
			if m.State() != to {
				t.Fatalf("force set landed in %s, want %s", m.State(), to)
			}
		}
	}
}

func TestCancelWhileListeningStillTranscribes(t *testing.T) {
	m := New()
	if !m.Transition(Event{Kind: EventStartRecording}) {
		t.Fatalf("start rejected")
	}
	if !m.Transition(Event{Kind: EventCancel}) {
		t.Fatalf("cancel rejected while listening")
	}
	if m.State() != StateTranscribing {
		t.Fatalf("cancel during listening must settle captured audio, got %s", m.State())
	}
}

func TestCurrentElapsed(t *testing.T) {
	m := New()
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	m.clock = func() time.Time { return now }
	m.ForceSetState(StateIdle)

	now = now.Add(1500 * time.Millisecond)
	state, elapsed := m.Current()
	if state != StateIdle {
		t.Fatalf("unexpected state %s", state)
	}
	if elapsed != 1500*time.Millisecond {
		t.Fatalf("unexpected elapsed %s", elapsed)
	}

	if !m.Transition(Event{Kind: EventStartRecording}) {
		t.Fatalf("start rejected")
	}
	_, elapsed = m.Current()
	if elapsed != 0 {
		t.Fatalf("transition should reset the held duration, got %s", elapsed)
	}
}

func TestParseStateRoundTrip(t *testing.T) {
	for _, s := range allStates {
		parsed, err := ParseState(s.String())
		if err != nil {
			t.Fatalf("parse %q: %v", s.String(), err)
		}
		if parsed != s {
			t.Fatalf("parse %q: got %s", s.String(), parsed)
		}
	}
	if _, err := ParseState("paused"); err == nil {
		t.Fatalf("expected error for unknown state name")
	}
}
