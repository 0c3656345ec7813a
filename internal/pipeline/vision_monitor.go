package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/reflexagent/internal/agent"
	"github.com/normanking/reflexagent/internal/bus"
	"github.com/normanking/reflexagent/internal/queue"
	"github.com/normanking/reflexagent/internal/vision"
)

// SpeechGate is the subset of the speech-in stage the vision monitor
// controls.
type SpeechGate interface {
	Pause()
	Resume()
}

// VisionMonitorConfig tunes the vision event loop.
type VisionMonitorConfig struct {
	// GetTimeout bounds each event dequeue; a timeout is a scheduling
	// tick, not an error.
	GetTimeout time.Duration
	// SettleDelay is waited after a face loss before resetting to idle,
	// so detector flicker cannot instantly re-trigger a greeting.
	SettleDelay time.Duration
	// GreetingCooldown suppresses repeat greetings.
	GreetingCooldown time.Duration
	GreetingMessage  string
}

// DefaultVisionMonitorConfig returns sensible defaults.
func DefaultVisionMonitorConfig() VisionMonitorConfig {
	return VisionMonitorConfig{
		GetTimeout:       500 * time.Millisecond,
		SettleDelay:      2 * time.Second,
		GreetingCooldown: 10 * time.Second,
		GreetingMessage:  "Hello there! I noticed you walked up. How can I help you today?",
	}
}

// VisionMonitor consumes tracker events and drives the agent state
// machine: lock-in and greeting on a new face, pause-settle-reset on a
// lost one. It is the only writer of vision-driven transitions.
type VisionMonitor struct {
	config      VisionMonitorConfig
	events      *queue.Queue[vision.Event]
	transcripts *queue.Queue[Message]
	machine     *agent.Machine
	speech      SpeechGate
	reporter    *bus.Bus
	logger      zerolog.Logger

	// onReset clears per-visitor context (model history) when the
	// locked person walks away.
	onReset func()

	disabled atomic.Bool

	mu           sync.Mutex
	running      bool
	lastGreeting time.Time
	// cooldown and settle live under mu so the config watcher can
	// retune them while the loop runs.
	cooldown time.Duration
	settle   time.Duration

	now    func() time.Time
	sleep  func(time.Duration)
	cancel context.CancelFunc
	done   chan struct{}
}

// NewVisionMonitor creates the monitor. onReset may be nil.
func NewVisionMonitor(config VisionMonitorConfig, events *queue.Queue[vision.Event], transcripts *queue.Queue[Message], machine *agent.Machine, speech SpeechGate, reporter *bus.Bus, onReset func(), logger zerolog.Logger) *VisionMonitor {
	return &VisionMonitor{
		config:      config,
		events:      events,
		transcripts: transcripts,
		machine:     machine,
		speech:      speech,
		reporter:    reporter,
		onReset:     onReset,
		logger:      logger.With().Str("component", "vision-monitor").Logger(),
		cooldown:    config.GreetingCooldown,
		settle:      config.SettleDelay,
		now:         time.Now,
		sleep:       time.Sleep,
	}
}

// ApplyTunables updates the greeting cooldown and settle delay without a
// restart. Zero or negative values keep the current setting.
func (m *VisionMonitor) ApplyTunables(cooldown, settle time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cooldown > 0 && cooldown != m.cooldown {
		m.logger.Info().Dur("old", m.cooldown).Dur("new", cooldown).Msg("Greeting cooldown updated")
		m.cooldown = cooldown
	}
	if settle > 0 && settle != m.settle {
		m.logger.Info().Dur("old", m.settle).Dur("new", settle).Msg("Settle delay updated")
		m.settle = settle
	}
}

// Start launches the event loop.
func (m *VisionMonitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	m.running = true

	go m.run(ctx)
	m.logger.Info().Msg("Vision monitor started")
	return nil
}

// Stop ends the event loop.
func (m *VisionMonitor) Stop(timeout time.Duration) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	cancel := m.cancel
	done := m.done
	m.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(timeout):
		m.logger.Warn().Msg("Vision monitor did not stop within timeout")
	}
	return nil
}

// Disable permanently stops the monitor from acting on events. Called
// by the watchdog when the system falls back to voice-only mode.
func (m *VisionMonitor) Disable() {
	if m.disabled.CompareAndSwap(false, true) {
		m.logger.Info().Msg("Vision gating disabled")
	}
}

func (m *VisionMonitor) run(ctx context.Context) {
	defer close(m.done)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("Vision monitor loop ended")
			return
		default:
		}

		event, err := m.events.Get(m.config.GetTimeout)
		if err != nil {
			if !errors.Is(err, queue.ErrEmpty) {
				m.logger.Warn().Err(err).Msg("Vision event dequeue failed")
			}
			continue
		}
		if m.disabled.Load() {
			continue
		}

		m.dispatch(event)
	}
}

// Dispatch rules: a lock event while idle drives the lock-in sequence
// and the greeting; a lost event while locked drives the settle-reset;
// everything else is steady-state continuation.
func (m *VisionMonitor) dispatch(event vision.Event) {
	switch {
	case m.machine.Current() == agent.StateIdle && event.LockedFace != nil &&
		(event.State == vision.TrackLocked || event.State == vision.TrackTracking):
		m.lockIn(event)

	case m.machine.IsLocked() && event.State == vision.TrackLost:
		m.faceLost()
	}
}

func (m *VisionMonitor) lockIn(event vision.Event) {
	face := event.LockedFace

	if err := m.machine.Transition(agent.StateFaceDetected, "face_detected"); err != nil {
		m.logger.Warn().Err(err).Msg("Face-detected transition rejected")
		return
	}
	m.reporter.Publish(bus.Event{Type: bus.EventFaceDetected})

	if err := m.machine.Transition(agent.StateLockedIn, "face_locked"); err != nil {
		m.logger.Warn().Err(err).Msg("Locked-in transition rejected")
		return
	}
	m.machine.Lock(face.ID)
	m.reporter.Publish(bus.Event{Type: bus.EventFaceLocked})
	m.logger.Info().Int64("face_id", face.ID).Float64("confidence", face.Confidence).Msg("Face locked, agent engaged")

	m.greet()
}

// greet injects the canned greeting as a synthetic transcript. The
// GREETING transition happens only after the enqueue succeeds, so a
// full queue leaves the machine in LOCKED_IN and a later event retries.
func (m *VisionMonitor) greet() {
	m.mu.Lock()
	last := m.lastGreeting
	cooldown := m.cooldown
	m.mu.Unlock()

	if sinceLast := m.now().Sub(last); !last.IsZero() && sinceLast < cooldown {
		m.logger.Info().Dur("since_last", sinceLast).Msg("Greeting skipped, cooldown active")
		m.reporter.Publish(bus.Event{Type: bus.EventGreetingSkipped})
		return
	}

	msg := NewTranscript(m.config.GreetingMessage, SourceVisionTrigger, m.now())
	if err := m.transcripts.PutNoWait(msg); err != nil {
		m.logger.Warn().Err(err).Msg("Greeting dropped, transcript queue full")
		m.reporter.Publish(bus.Event{Type: bus.EventGreetingSkipped, Detail: "queue_full"})
		return
	}

	if err := m.machine.Transition(agent.StateGreeting, "greeting_enqueued"); err != nil {
		m.logger.Warn().Err(err).Msg("Greeting transition rejected")
	}
	if err := m.machine.Transition(agent.StateListening, "greeting_sent"); err != nil {
		m.logger.Warn().Err(err).Msg("Listening transition rejected")
	}
	m.speech.Resume()

	m.mu.Lock()
	m.lastGreeting = m.now()
	m.mu.Unlock()

	m.reporter.Publish(bus.Event{Type: bus.EventGreetingSent, Detail: m.config.GreetingMessage})
	m.reporter.Publish(bus.Event{Type: bus.EventConversationStart})
	m.logger.Info().Msg("Greeting enqueued, listening")
}

// faceLost pauses speech input, waits out the settle delay, then
// resets the agent to idle so the next visitor starts clean.
func (m *VisionMonitor) faceLost() {
	if err := m.machine.Transition(agent.StateFaceLost, "face_lost"); err != nil {
		m.logger.Warn().Err(err).Msg("Face-lost transition rejected")
		return
	}
	m.speech.Pause()
	m.reporter.Publish(bus.Event{Type: bus.EventFaceLost})
	m.logger.Info().Msg("Face lost, speech paused, settling")

	m.mu.Lock()
	settle := m.settle
	m.mu.Unlock()

	// The monitor deliberately blocks here; vision events produced
	// during the settle window describe a person already gone.
	m.sleep(settle)

	if err := m.machine.Transition(agent.StateIdle, "settle_complete"); err != nil {
		m.logger.Warn().Err(err).Msg("Idle transition rejected")
	}
	m.machine.Unlock()
	if m.onReset != nil {
		m.onReset()
	}
	m.reporter.Publish(bus.Event{Type: bus.EventAgentReset})
	m.logger.Info().Msg("Agent reset to idle")
}
