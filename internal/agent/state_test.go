package agent

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestMachine() *Machine {
	return NewMachine(zerolog.Nop())
}

func TestMachine_InitialState(t *testing.T) {
	m := newTestMachine()
	if m.Current() != StateIdle {
		t.Errorf("expected initial state idle, got %s", m.Current())
	}
	if m.IsLocked() {
		t.Error("expected unlocked machine")
	}
}

func TestMachine_ValidTransitionChain(t *testing.T) {
	m := newTestMachine()

	chain := []State{
		StateFaceDetected,
		StateLockedIn,
		StateGreeting,
		StateListening,
		StateProcessing,
		StateResponding,
		StateListening,
		StateFaceLost,
		StateIdle,
	}
	for _, target := range chain {
		if err := m.Transition(target, "test"); err != nil {
			t.Fatalf("transition to %s: %v", target, err)
		}
		if m.Current() != target {
			t.Fatalf("expected state %s, got %s", target, m.Current())
		}
	}
}

func TestMachine_InvalidTransitionLeavesStateUnchanged(t *testing.T) {
	m := newTestMachine()
	mustTransition(t, m, StateFaceDetected, StateLockedIn, StateGreeting, StateListening)

	before := len(m.History())
	err := m.Transition(StateIdle, "x")
	if err == nil {
		t.Fatal("expected error for listening -> idle")
	}
	if m.Current() != StateListening {
		t.Errorf("state changed on invalid transition: %s", m.Current())
	}
	if len(m.History()) != before {
		t.Error("history changed on invalid transition")
	}
}

func TestMachine_InvalidFromIdle(t *testing.T) {
	m := newTestMachine()

	for _, target := range []State{StateLockedIn, StateGreeting, StateListening, StateProcessing, StateResponding} {
		if err := m.Transition(target, "test"); err == nil {
			t.Errorf("expected idle -> %s to be rejected", target)
		}
	}
}

func TestMachine_TransitionUpdatesEntryTime(t *testing.T) {
	m := newTestMachine()
	time.Sleep(10 * time.Millisecond)

	if m.TimeInState() < 10*time.Millisecond {
		t.Error("expected time in state to accumulate")
	}

	if err := m.Transition(StateFaceDetected, "face"); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if m.TimeInState() > 10*time.Millisecond {
		t.Error("expected entry time reset on transition")
	}
}

func TestMachine_HistoryBounded(t *testing.T) {
	m := newTestMachine()

	// Bounce between face_detected and idle to generate many records.
	for i := 0; i < 40; i++ {
		mustTransition(t, m, StateFaceDetected, StateIdle)
	}

	h := m.History()
	if len(h) != maxHistory {
		t.Errorf("expected history capped at %d, got %d", maxHistory, len(h))
	}
	last := h[len(h)-1]
	if last.To != StateIdle {
		t.Errorf("expected newest record kept, got %+v", last)
	}
}

func TestMachine_LockUnlock(t *testing.T) {
	m := newTestMachine()

	m.Lock(12345)
	if !m.IsLocked() {
		t.Fatal("expected locked")
	}
	snap := m.Snapshot()
	if snap.LockedFaceID != 12345 {
		t.Errorf("expected face id 12345, got %d", snap.LockedFaceID)
	}
	if snap.TotalInteractions != 1 {
		t.Errorf("expected 1 interaction, got %d", snap.TotalInteractions)
	}

	m.IncrementTurn()
	m.IncrementTurn()
	if m.Snapshot().ConversationTurns != 2 {
		t.Errorf("expected 2 turns, got %d", m.Snapshot().ConversationTurns)
	}

	m.Unlock()
	if m.IsLocked() {
		t.Error("expected unlocked after Unlock")
	}
	if m.Snapshot().ConversationTurns != 0 {
		t.Error("expected turn count reset on unlock")
	}
}

func TestMachine_ShouldListenAndGreet(t *testing.T) {
	m := newTestMachine()

	if m.ShouldListen() || m.ShouldGreet() {
		t.Error("idle machine should neither listen nor greet")
	}

	mustTransition(t, m, StateFaceDetected, StateLockedIn)
	if !m.ShouldGreet() {
		t.Error("locked_in machine should greet")
	}

	mustTransition(t, m, StateGreeting, StateListening)
	if !m.ShouldListen() {
		t.Error("listening machine should listen")
	}

	mustTransition(t, m, StateProcessing)
	if !m.ShouldListen() {
		t.Error("processing machine should keep listening")
	}
}

func TestMachine_Reset(t *testing.T) {
	m := newTestMachine()
	mustTransition(t, m, StateFaceDetected, StateLockedIn)
	m.Lock(7)

	m.Reset()
	if m.Current() != StateIdle {
		t.Errorf("expected idle after reset, got %s", m.Current())
	}
	if m.IsLocked() {
		t.Error("expected unlocked after reset")
	}
}

func TestMachine_ConcurrentTransitions(t *testing.T) {
	m := newTestMachine()

	// Hammer the machine from multiple goroutines; the mutex must keep
	// the state within the enumerated set and history consistent.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.Transition(StateFaceDetected, "race")
				m.Transition(StateIdle, "race")
			}
		}()
	}
	wg.Wait()

	got := m.Current()
	if got != StateIdle && got != StateFaceDetected {
		t.Errorf("unexpected final state %s", got)
	}
	if len(m.History()) > maxHistory {
		t.Errorf("history exceeded cap: %d", len(m.History()))
	}
}

func mustTransition(t *testing.T, m *Machine, targets ...State) {
	t.Helper()
	for _, target := range targets {
		if err := m.Transition(target, "test"); err != nil {
			t.Fatalf("transition to %s: %v", target, err)
		}
	}
}
