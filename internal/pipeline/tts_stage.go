package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/reflexagent/internal/agent"
	"github.com/normanking/reflexagent/internal/bus"
	"github.com/normanking/reflexagent/internal/queue"
)

// Voice speaks a response, blocking until playback completes.
type Voice interface {
	Say(ctx context.Context, text string) error
}

// TTSStageConfig tunes the speech-out stage.
type TTSStageConfig struct {
	GetTimeout time.Duration
}

// TTSStage consumes response messages and plays them. Playback is
// sequential so spoken output order matches response order.
type TTSStage struct {
	config  TTSStageConfig
	voice   Voice
	in      *queue.Queue[Message]
	machine *agent.Machine
	events  *bus.Bus
	logger  zerolog.Logger

	mu        sync.Mutex
	running   bool
	processed int64
	errCount  int64

	cancel context.CancelFunc
	done   chan struct{}
}

// NewTTSStage creates the speech-out stage.
func NewTTSStage(config TTSStageConfig, voice Voice, in *queue.Queue[Message], machine *agent.Machine, events *bus.Bus, logger zerolog.Logger) *TTSStage {
	return &TTSStage{
		config:  config,
		voice:   voice,
		in:      in,
		machine: machine,
		events:  events,
		logger:  logger.With().Str("component", "tts-stage").Logger(),
	}
}

// Name identifies the stage.
func (t *TTSStage) Name() string { return "tts" }

// Start launches the playback loop.
func (t *TTSStage) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.done = make(chan struct{})
	t.running = true

	go t.run(ctx)
	t.logger.Info().Msg("Speech-out stage started")
	return nil
}

// Stop ends the playback loop.
func (t *TTSStage) Stop(timeout time.Duration) error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return nil
	}
	t.running = false
	cancel := t.cancel
	done := t.done
	t.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(timeout):
		t.logger.Warn().Msg("Speech-out stage did not stop within timeout")
	}
	return nil
}

// Status returns the stage's counters.
func (t *TTSStage) Status() StageStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return StageStatus{
		Name:      "tts",
		Running:   t.running,
		Processed: t.processed,
		Errors:    t.errCount,
	}
}

func (t *TTSStage) run(ctx context.Context) {
	defer close(t.done)

	for {
		select {
		case <-ctx.Done():
			t.logger.Info().Msg("Speech-out loop ended")
			return
		default:
		}

		msg, err := t.in.Get(t.config.GetTimeout)
		if err != nil {
			if errors.Is(err, queue.ErrEmpty) {
				continue
			}
			t.logger.Warn().Err(err).Msg("Response dequeue failed")
			continue
		}
		if msg.Kind != KindResponse {
			t.logger.Warn().Str("kind", string(msg.Kind)).Msg("Unexpected message kind in speech queue")
			continue
		}

		t.speak(ctx, msg)
	}
}

func (t *TTSStage) speak(ctx context.Context, msg Message) {
	start := time.Now()
	err := t.voice.Say(ctx, msg.Text)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		t.mu.Lock()
		t.errCount++
		t.mu.Unlock()
		t.events.Publish(bus.Event{Type: bus.EventWorkerError, Stage: "tts", Detail: err.Error()})
		t.logger.Error().Err(err).Msg("Playback failed")
	} else {
		t.mu.Lock()
		t.processed++
		t.mu.Unlock()
		t.events.Publish(bus.Event{Type: bus.EventStageLatency, Stage: "tts", Latency: time.Since(start)})
		if !msg.CapturedAt.IsZero() {
			t.events.Publish(bus.Event{Type: bus.EventStageLatency, Stage: "total", Latency: time.Since(msg.CapturedAt)})
		}
	}

	// Playback ends the turn whether or not audio came out cleanly.
	if terr := t.machine.Transition(agent.StateListening, "playback_complete"); terr != nil {
		t.logger.Debug().Err(terr).Msg("Listening transition rejected")
	} else {
		t.machine.IncrementTurn()
	}
	if msg.Source != SourceSystem {
		t.events.Publish(bus.Event{Type: bus.EventConversationEnd, Stage: string(msg.Source)})
	}
}
