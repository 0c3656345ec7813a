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
	"github.com/normanking/reflexagent/internal/stt"
)

// STTStageConfig tunes the speech-in stage.
type STTStageConfig struct {
	// PutTimeout bounds the blocking enqueue of a transcript.
	PutTimeout time.Duration
	// StartPaused holds the stage gated until the vision monitor (or the
	// watchdog fallback) resumes it.
	StartPaused bool
}

// STTStage captures speech segments, transcribes them, and feeds
// transcript messages into the language-model queue. Vision gating is
// implemented here: while paused, captured segments are discarded so
// the microphone never drives the pipeline without a locked face.
type STTStage struct {
	config     STTStageConfig
	capture    stt.CaptureSource
	recognizer stt.Recognizer
	out        *queue.Queue[Message]
	machine    *agent.Machine
	events     *bus.Bus
	logger     zerolog.Logger

	paused       atomic.Bool
	alwaysListen atomic.Bool

	mu        sync.Mutex
	running   bool
	processed int64
	dropped   int64
	errors    int64

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSTTStage creates the speech-in stage.
func NewSTTStage(config STTStageConfig, capture stt.CaptureSource, recognizer stt.Recognizer, out *queue.Queue[Message], machine *agent.Machine, events *bus.Bus, logger zerolog.Logger) *STTStage {
	s := &STTStage{
		config:     config,
		capture:    capture,
		recognizer: recognizer,
		out:        out,
		machine:    machine,
		events:     events,
		logger:     logger.With().Str("component", "stt-stage").Logger(),
	}
	s.paused.Store(config.StartPaused)
	return s
}

// Name identifies the stage.
func (s *STTStage) Name() string { return "stt" }

// Start launches the capture loop.
func (s *STTStage) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	go s.run(ctx)
	s.logger.Info().Bool("paused", s.paused.Load()).Msg("Speech-in stage started")
	return nil
}

// Stop ends the loop and closes the capture source.
func (s *STTStage) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(timeout):
		s.logger.Warn().Msg("Speech-in stage did not stop within timeout")
	}
	return s.capture.Close()
}

// Pause gates the stage: captured segments are dropped until Resume.
func (s *STTStage) Pause() {
	if s.paused.CompareAndSwap(false, true) {
		s.logger.Info().Msg("Speech-in paused")
	}
}

// Resume lifts the gate.
func (s *STTStage) Resume() {
	if s.paused.CompareAndSwap(true, false) {
		s.logger.Info().Msg("Speech-in resumed")
	}
}

// ForceAlwaysListen permanently disables agent-state gating, leaving
// only Pause/Resume in effect. Used by the vision fallback.
func (s *STTStage) ForceAlwaysListen() {
	s.alwaysListen.Store(true)
	s.Resume()
}

// Status returns the stage's counters.
func (s *STTStage) Status() StageStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StageStatus{
		Name:      "stt",
		Running:   s.running,
		Paused:    s.paused.Load(),
		Processed: s.processed,
		Dropped:   s.dropped,
		Errors:    s.errors,
	}
}

// accepting reports whether a captured segment should reach the model.
func (s *STTStage) accepting() bool {
	if s.paused.Load() {
		return false
	}
	return s.alwaysListen.Load() || s.machine.ShouldListen()
}

func (s *STTStage) run(ctx context.Context) {
	defer close(s.done)

	for {
		seg, err := s.capture.NextSegment(ctx)
		if ctx.Err() != nil {
			s.logger.Info().Msg("Speech-in loop ended")
			return
		}
		if err != nil {
			s.countError()
			s.logger.Warn().Err(err).Msg("Segment capture failed")
			continue
		}
		if seg == nil {
			// Clean close of the capture source.
			s.logger.Info().Msg("Capture source closed, speech-in loop ended")
			return
		}

		if !s.accepting() {
			s.countDropped()
			s.logger.Debug().Dur("audio", seg.Duration()).Msg("Segment dropped while gated")
			continue
		}

		start := time.Now()
		result, err := s.recognizer.Transcribe(ctx, seg)
		if err != nil {
			if errors.Is(err, stt.ErrAudioTooShort) || errors.Is(err, stt.ErrEmptyTranscript) {
				s.countDropped()
				continue
			}
			s.countError()
			s.events.Publish(bus.Event{Type: bus.EventWorkerError, Stage: "stt", Detail: err.Error()})
			s.logger.Warn().Err(err).Msg("Transcription failed")
			continue
		}
		s.events.Publish(bus.Event{Type: bus.EventStageLatency, Stage: "stt", Latency: time.Since(start)})

		msg := NewTranscript(result.Text, SourceSpeech, seg.CapturedAt)
		if err := s.out.Put(msg, s.config.PutTimeout); err != nil {
			s.countDropped()
			s.logger.Warn().Err(err).Msg("Transcript queue full, utterance dropped")
			continue
		}
		s.countProcessed()
		s.logger.Info().Str("text", result.Text).Msg("Transcript enqueued")
	}
}

func (s *STTStage) countProcessed() {
	s.mu.Lock()
	s.processed++
	s.mu.Unlock()
}

func (s *STTStage) countDropped() {
	s.mu.Lock()
	s.dropped++
	s.mu.Unlock()
}

func (s *STTStage) countError() {
	s.mu.Lock()
	s.errors++
	s.mu.Unlock()
}
