package vision

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/reflexagent/internal/queue"
)

// WorkerConfig tunes the capture loop.
type WorkerConfig struct {
	// FrameSkip processes only every Nth frame to bound CPU cost.
	FrameSkip int
	// TargetFPS paces the loop.
	TargetFPS int
	// StartupTimeout bounds the detector health probe at Start.
	StartupTimeout time.Duration
}

// DefaultWorkerConfig returns sensible defaults.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		FrameSkip:      2,
		TargetFPS:      15,
		StartupTimeout: 10 * time.Second,
	}
}

// Status is a snapshot of the worker's counters.
type Status struct {
	Name          string  `json:"name"`
	Running       bool    `json:"running"`
	Detections    int64   `json:"detections"`
	DroppedEvents int64   `json:"dropped_events"`
	FPS           float64 `json:"fps"`
	Locked        bool    `json:"locked"`
}

// Worker runs the vision capture loop: read a frame, skip or detect,
// feed the tracker, emit the resulting event. Detector and source
// failures are absorbed as empty frames; only the orchestrator's
// watchdog notices a persistently dead camera.
type Worker struct {
	config  WorkerConfig
	source  FrameSource
	detect  Detector
	tracker *Tracker
	events  *queue.Queue[Event]
	logger  zerolog.Logger

	mu            sync.Mutex
	running       bool
	detections    int64
	droppedEvents int64
	fps           float64
	locked        bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewWorker creates a vision worker. The events queue is owned by the
// orchestrator; the worker only produces into it.
func NewWorker(config WorkerConfig, source FrameSource, detect Detector, tracker *Tracker, events *queue.Queue[Event], logger zerolog.Logger) *Worker {
	if config.FrameSkip < 1 {
		config.FrameSkip = 1
	}
	if config.TargetFPS < 1 {
		config.TargetFPS = 15
	}
	return &Worker{
		config:  config,
		source:  source,
		detect:  detect,
		tracker: tracker,
		events:  events,
		logger:  logger.With().Str("component", "vision").Logger(),
	}
}

// Name identifies the stage.
func (w *Worker) Name() string { return "vision" }

// Start probes the detector and launches the capture loop. A failed
// probe aborts so the orchestrator can degrade to voice-only mode.
func (w *Worker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	if probe, ok := w.detect.(interface{ Health(context.Context) error }); ok {
		ctx, cancel := context.WithTimeout(context.Background(), w.config.StartupTimeout)
		err := probe.Health(ctx)
		cancel()
		if err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = make(chan struct{})
	w.running = true

	go w.run(ctx)
	w.logger.Info().Int("frame_skip", w.config.FrameSkip).Msg("Vision worker started")
	return nil
}

// Stop ends the capture loop and closes the frame source. Waits up to
// timeout for the loop to exit; a stuck loop is abandoned.
func (w *Worker) Stop(timeout time.Duration) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	cancel := w.cancel
	done := w.done
	w.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(timeout):
		w.logger.Warn().Msg("Vision worker did not stop within timeout")
	}
	return w.source.Close()
}

// Status returns the worker's counters.
func (w *Worker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Status{
		Name:          "vision",
		Running:       w.running,
		Detections:    w.detections,
		DroppedEvents: w.droppedEvents,
		FPS:           w.fps,
		Locked:        w.locked,
	}
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)

	interval := time.Second / time.Duration(w.config.TargetFPS)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	skipCounter := 0
	frameCount := 0
	windowStart := time.Now()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("Vision worker loop ended")
			return
		case <-ticker.C:
		}

		frame := w.source.NextFrame()
		if frame == nil {
			// Transient: camera source reconnects on its own.
			continue
		}

		frameCount++
		if frameCount%30 == 0 {
			elapsed := time.Since(windowStart).Seconds()
			w.mu.Lock()
			if elapsed > 0 {
				w.fps = 30 / elapsed
			}
			w.mu.Unlock()
			windowStart = time.Now()
		}

		skipCounter++
		if skipCounter < w.config.FrameSkip {
			continue
		}
		skipCounter = 0

		faces, err := w.detect.Detect(frame)
		if err != nil {
			// Per-frame detector failure counts as an empty frame.
			w.logger.Debug().Err(err).Msg("Detection failed, treating as no faces")
			faces = nil
		}
		event := w.tracker.Observe(faces)
		w.mu.Lock()
		w.detections++
		w.locked = w.tracker.IsLocked()
		w.mu.Unlock()

		// Vision frames are perishable: a full queue drops the event
		// silently, the next frame supersedes it.
		if err := w.events.PutNoWait(event); err != nil {
			w.mu.Lock()
			w.droppedEvents++
			w.mu.Unlock()
		}
	}
}
