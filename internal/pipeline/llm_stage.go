package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/reflexagent/internal/agent"
	"github.com/normanking/reflexagent/internal/bus"
	"github.com/normanking/reflexagent/internal/llm"
	"github.com/normanking/reflexagent/internal/queue"
)

// LLMStageConfig tunes the language-model stage.
type LLMStageConfig struct {
	// GetTimeout bounds each dequeue attempt; a timeout is just a
	// scheduling tick, not an error.
	GetTimeout time.Duration
	// PutTimeout bounds the blocking enqueue of the response.
	PutTimeout time.Duration
	// ErrorReply is spoken when generation fails, so the visitor hears
	// something instead of silence.
	ErrorReply string
}

// LLMStage is the single sequential consumer of the transcript queue.
// One prompt at a time, responses enqueued in arrival order; a greeting
// and organic speech race only at the queue, never inside the model.
type LLMStage struct {
	config    LLMStageConfig
	responder llm.Responder
	in        *queue.Queue[Message]
	out       *queue.Queue[Message]
	machine   *agent.Machine
	events    *bus.Bus
	logger    zerolog.Logger

	mu        sync.Mutex
	running   bool
	processed int64
	dropped   int64
	errCount  int64

	cancel context.CancelFunc
	done   chan struct{}
}

// NewLLMStage creates the language-model stage.
func NewLLMStage(config LLMStageConfig, responder llm.Responder, in, out *queue.Queue[Message], machine *agent.Machine, events *bus.Bus, logger zerolog.Logger) *LLMStage {
	if config.ErrorReply == "" {
		config.ErrorReply = "Sorry, I had trouble thinking of a response. Could you say that again?"
	}
	return &LLMStage{
		config:    config,
		responder: responder,
		in:        in,
		out:       out,
		machine:   machine,
		events:    events,
		logger:    logger.With().Str("component", "llm-stage").Logger(),
	}
}

// Name identifies the stage.
func (l *LLMStage) Name() string { return "llm" }

// Start launches the consumer loop.
func (l *LLMStage) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.done = make(chan struct{})
	l.running = true

	go l.run(ctx)
	l.logger.Info().Msg("Language-model stage started")
	return nil
}

// Stop ends the consumer loop.
func (l *LLMStage) Stop(timeout time.Duration) error {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return nil
	}
	l.running = false
	cancel := l.cancel
	done := l.done
	l.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(timeout):
		l.logger.Warn().Msg("Language-model stage did not stop within timeout")
	}
	return nil
}

// Status returns the stage's counters.
func (l *LLMStage) Status() StageStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return StageStatus{
		Name:      "llm",
		Running:   l.running,
		Processed: l.processed,
		Dropped:   l.dropped,
		Errors:    l.errCount,
	}
}

func (l *LLMStage) run(ctx context.Context) {
	defer close(l.done)

	for {
		select {
		case <-ctx.Done():
			l.logger.Info().Msg("Language-model loop ended")
			return
		default:
		}

		msg, err := l.in.Get(l.config.GetTimeout)
		if err != nil {
			if errors.Is(err, queue.ErrEmpty) {
				continue
			}
			l.logger.Warn().Err(err).Msg("Transcript dequeue failed")
			continue
		}
		if msg.Kind != KindTranscript {
			l.logger.Warn().Str("kind", string(msg.Kind)).Msg("Unexpected message kind in transcript queue")
			continue
		}

		l.handle(ctx, msg)
	}
}

func (l *LLMStage) handle(ctx context.Context, msg Message) {
	// Gating transitions can legitimately fail in always-listening
	// fallback mode, where no face was ever locked. The pipeline still
	// runs; only the state trace loses fidelity.
	if err := l.machine.Transition(agent.StateProcessing, "transcript:"+string(msg.Source)); err != nil {
		l.logger.Debug().Err(err).Msg("Processing transition rejected")
	}

	start := time.Now()
	reply, err := l.responder.Generate(ctx, msg.Text)
	if err != nil {
		l.mu.Lock()
		l.errCount++
		l.mu.Unlock()
		l.events.Publish(bus.Event{Type: bus.EventWorkerError, Stage: "llm", Detail: err.Error()})
		l.logger.Error().Err(err).Msg("Generation failed, using error reply")
		reply = l.config.ErrorReply
	}
	latency := time.Since(start)
	l.events.Publish(bus.Event{Type: bus.EventStageLatency, Stage: "llm", Latency: latency})

	if err := l.machine.Transition(agent.StateResponding, "response_ready"); err != nil {
		l.logger.Debug().Err(err).Msg("Responding transition rejected")
	}

	if err := l.out.Put(msg.Response(reply), l.config.PutTimeout); err != nil {
		l.mu.Lock()
		l.dropped++
		l.mu.Unlock()
		l.logger.Warn().Err(err).Msg("Speech queue full, response dropped")
		// Playback will never happen, so release the turn here.
		if terr := l.machine.Transition(agent.StateListening, "response_dropped"); terr != nil {
			l.logger.Debug().Err(terr).Msg("Listening transition rejected")
		}
		return
	}

	l.mu.Lock()
	l.processed++
	l.mu.Unlock()
	l.logger.Info().Dur("latency", latency).Str("source", string(msg.Source)).Msg("Response enqueued")
}
