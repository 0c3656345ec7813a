package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/reflexagent/internal/agent"
	"github.com/normanking/reflexagent/internal/bus"
	"github.com/normanking/reflexagent/internal/queue"
)

// SpeechFallback is the subset of the speech-in stage the watchdog
// controls when flipping to voice-only mode.
type SpeechFallback interface {
	ForceAlwaysListen()
}

// WatchdogConfig tunes the vision timeout watchdog.
type WatchdogConfig struct {
	// GracePeriod is how long the camera gets to produce a lock before
	// the system gives up on vision gating.
	GracePeriod time.Duration
	// Announcement is spoken once when falling back to voice-only mode.
	Announcement string
}

// DefaultWatchdogConfig returns sensible defaults.
func DefaultWatchdogConfig() WatchdogConfig {
	return WatchdogConfig{
		GracePeriod:  10 * time.Second,
		Announcement: "I can't see you right now, but I'm all ears and listening. Just start talking to me!",
	}
}

// Watchdog is a one-shot timer: if no face is ever locked within the
// grace period, it permanently disables vision gating and flips the
// system into an always-listening voice assistant. There is no
// re-arming; a camera that recovers later stays ignored.
type Watchdog struct {
	config   WatchdogConfig
	machine  *agent.Machine
	monitor  *VisionMonitor
	speech   SpeechFallback
	speechQ  *queue.Queue[Message]
	reporter *bus.Bus
	logger   zerolog.Logger

	fired  sync.Once
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWatchdog creates the watchdog.
func NewWatchdog(config WatchdogConfig, machine *agent.Machine, monitor *VisionMonitor, speech SpeechFallback, speechQ *queue.Queue[Message], reporter *bus.Bus, logger zerolog.Logger) *Watchdog {
	return &Watchdog{
		config:   config,
		machine:  machine,
		monitor:  monitor,
		speech:   speech,
		speechQ:  speechQ,
		reporter: reporter,
		logger:   logger.With().Str("component", "vision-watchdog").Logger(),
	}
}

// Start arms the timer.
func (w *Watchdog) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = make(chan struct{})

	go func() {
		defer close(w.done)
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.config.GracePeriod):
		}
		if w.machine.Current() != agent.StateIdle {
			w.logger.Debug().Str("state", string(w.machine.Current())).Msg("Vision produced a lock, watchdog retiring")
			return
		}
		w.TriggerFallback("no face locked within grace period")
	}()
	w.logger.Info().Dur("grace", w.config.GracePeriod).Msg("Vision watchdog armed")
}

// Stop disarms the timer if it has not fired.
func (w *Watchdog) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
}

// TriggerFallback flips the system into voice-only mode. Idempotent:
// repeated calls (timer expiry plus a vision startup failure) disable
// gating and resume speech input exactly once.
func (w *Watchdog) TriggerFallback(reason string) {
	w.fired.Do(func() {
		w.logger.Warn().Str("reason", reason).Msg("Falling back to always-listening voice mode")

		w.monitor.Disable()
		w.speech.ForceAlwaysListen()

		if w.config.Announcement != "" {
			msg := Message{
				Kind:       KindResponse,
				Text:       w.config.Announcement,
				Source:     SourceSystem,
				CreatedAt:  time.Now(),
				CapturedAt: time.Now(),
			}
			if err := w.speechQ.PutNoWait(msg); err != nil {
				w.logger.Warn().Err(err).Msg("Fallback announcement dropped, speech queue full")
			}
		}

		w.reporter.Publish(bus.Event{Type: bus.EventVisionFallback, Detail: reason})
	})
}
