// Package agent implements the reflex agent's interaction state machine.
package agent

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// State identifies an interaction state.
type State string

const (
	StateIdle         State = "idle"          // no face, waiting
	StateFaceDetected State = "face_detected" // face seen, confirming lock
	StateLockedIn     State = "locked_in"     // locked onto a face, ready to greet
	StateGreeting     State = "greeting"      // greeting queued for playback
	StateListening    State = "listening"     // waiting for user speech
	StateProcessing   State = "processing"    // LLM generating a response
	StateResponding   State = "responding"    // TTS playing the response
	StateFaceLost     State = "face_lost"     // locked face disappeared
)

// validTransitions is the whitelist of legal state changes. A transition
// not listed here is rejected without mutating the machine.
var validTransitions = map[State][]State{
	StateIdle:         {StateFaceDetected},
	StateFaceDetected: {StateLockedIn, StateIdle, StateFaceLost},
	StateLockedIn:     {StateGreeting, StateFaceLost},
	StateGreeting:     {StateListening, StateFaceLost},
	StateListening:    {StateProcessing, StateFaceLost},
	StateProcessing:   {StateResponding, StateFaceLost},
	StateResponding:   {StateListening, StateFaceLost},
	StateFaceLost:     {StateIdle, StateLockedIn}, // can recover
}

// maxHistory bounds the transition history kept for diagnostics.
const maxHistory = 50

// Transition records a single state change.
type Transition struct {
	From      State
	To        State
	Reason    string
	Timestamp time.Time
}

// Snapshot is a point-in-time view of the machine.
type Snapshot struct {
	State             State
	Locked            bool
	LockedFaceID      int64
	TimeInState       time.Duration
	ConversationTurns int
	TotalInteractions int
}

// Machine tracks the agent's interaction state. All mutation goes through
// Transition, Lock, Unlock and Reset, serialized under a single mutex; the
// vision monitor and the conversational stages may call in concurrently.
type Machine struct {
	mu sync.Mutex

	current   State
	entryTime time.Time

	lockedFaceID      int64 // 0 means unlocked
	conversationTurns int
	totalInteractions int

	history []Transition
	logger  zerolog.Logger
}

// NewMachine creates a state machine in the idle state.
func NewMachine(logger zerolog.Logger) *Machine {
	return &Machine{
		current:   StateIdle,
		entryTime: time.Now(),
		history:   make([]Transition, 0, maxHistory),
		logger:    logger.With().Str("component", "agent").Logger(),
	}
}

// Transition moves the machine to target if the move is legal from the
// current state. On an illegal move it logs, leaves all state untouched
// and returns an error.
func (m *Machine) Transition(target State, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !isValid(m.current, target) {
		m.logger.Warn().
			Str("from", string(m.current)).
			Str("to", string(target)).
			Str("reason", reason).
			Msg("Invalid state transition rejected")
		return fmt.Errorf("invalid transition %s -> %s", m.current, target)
	}

	from := m.current
	m.current = target
	m.entryTime = time.Now()

	m.history = append(m.history, Transition{
		From:      from,
		To:        target,
		Reason:    reason,
		Timestamp: m.entryTime,
	})
	if len(m.history) > maxHistory {
		m.history = m.history[len(m.history)-maxHistory:]
	}

	m.logger.Info().
		Str("from", string(from)).
		Str("to", string(target)).
		Str("reason", reason).
		Msg("State transition")
	return nil
}

func isValid(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Lock records the face the agent is engaged with and bumps the
// interaction counter.
func (m *Machine) Lock(faceID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lockedFaceID = faceID
	m.totalInteractions++
	m.logger.Info().Int64("face_id", faceID).Int("total_interactions", m.totalInteractions).Msg("Locked onto face")
}

// Unlock clears the locked face and resets the per-conversation turn count.
func (m *Machine) Unlock() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lockedFaceID != 0 {
		m.logger.Info().Int64("face_id", m.lockedFaceID).Msg("Unlocked face")
		m.lockedFaceID = 0
		m.conversationTurns = 0
	}
}

// IsLocked reports whether the agent is engaged with a face.
func (m *Machine) IsLocked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lockedFaceID != 0
}

// IncrementTurn bumps the conversation turn counter.
func (m *Machine) IncrementTurn() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conversationTurns++
}

// ShouldListen reports whether speech input should be active. The agent
// keeps listening while a response is being generated.
func (m *Machine) ShouldListen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current == StateListening || m.current == StateProcessing
}

// ShouldGreet reports whether the agent is ready to initiate a greeting.
func (m *Machine) ShouldGreet() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current == StateLockedIn
}

// TimeInState returns how long the machine has been in the current state.
func (m *Machine) TimeInState() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return time.Since(m.entryTime)
}

// History returns a copy of recent transitions, oldest first.
func (m *Machine) History() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}

// Snapshot returns the current state and counters.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		State:             m.current,
		Locked:            m.lockedFaceID != 0,
		LockedFaceID:      m.lockedFaceID,
		TimeInState:       time.Since(m.entryTime),
		ConversationTurns: m.conversationTurns,
		TotalInteractions: m.totalInteractions,
	}
}

// Reset forces the machine back to idle and clears the lock. Used after
// the face-lost settle delay; bypasses the transition table the same way
// the lost-face recovery path always has.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.current
	m.current = StateIdle
	m.entryTime = time.Now()
	if m.lockedFaceID != 0 {
		m.lockedFaceID = 0
		m.conversationTurns = 0
	}
	m.history = append(m.history, Transition{
		From:      from,
		To:        StateIdle,
		Reason:    "reset",
		Timestamp: m.entryTime,
	})
	if len(m.history) > maxHistory {
		m.history = m.history[len(m.history)-maxHistory:]
	}
	m.logger.Info().Str("from", string(from)).Msg("Agent state reset to idle")
}
