package pipeline

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/normanking/reflexagent/internal/agent"
	"github.com/normanking/reflexagent/internal/bus"
	"github.com/normanking/reflexagent/internal/queue"
	"github.com/normanking/reflexagent/internal/vision"
)

// OrchestratorConfig tunes supervision behavior.
type OrchestratorConfig struct {
	HealthCheckInterval time.Duration
	StartupTimeout      time.Duration
	ShutdownTimeout     time.Duration
}

// DefaultOrchestratorConfig returns sensible defaults.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		HealthCheckInterval: 10 * time.Second,
		StartupTimeout:      30 * time.Second,
		ShutdownTimeout:     10 * time.Second,
	}
}

// Queues bundles the bounded queues the orchestrator owns and samples.
type Queues struct {
	VisionEvents *queue.Queue[vision.Event]
	Transcripts  *queue.Queue[Message]
	Speech       *queue.Queue[Message]
}

// VisionStage is the optional vision producer. Failure to start it
// degrades to voice-only operation instead of aborting.
type VisionStage interface {
	Name() string
	Start() error
	Stop(timeout time.Duration) error
	Status() vision.Status
}

// Orchestrator owns the queues, the worker stages, the state machine,
// and the two vision monitors. It starts stages in a fixed order,
// supervises queue depths, and shuts everything down best-effort.
type Orchestrator struct {
	config   OrchestratorConfig
	machine  *agent.Machine
	queues   Queues
	stages   []Stage // mandatory, in startup order: stt, llm, tts
	visionSt VisionStage
	monitor  *VisionMonitor
	watchdog *Watchdog
	reporter *bus.Bus
	logger   zerolog.Logger

	mu      sync.Mutex
	running bool

	healthCancel context.CancelFunc
	healthDone   chan struct{}
}

// NewOrchestrator wires the orchestrator. visionStage may be nil when
// vision is disabled by configuration.
func NewOrchestrator(config OrchestratorConfig, machine *agent.Machine, queues Queues, stages []Stage, visionStage VisionStage, monitor *VisionMonitor, watchdog *Watchdog, reporter *bus.Bus, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		config:   config,
		machine:  machine,
		queues:   queues,
		stages:   stages,
		visionSt: visionStage,
		monitor:  monitor,
		watchdog: watchdog,
		reporter: reporter,
		logger:   logger.With().Str("component", "orchestrator").Logger(),
	}
}

// Start brings up the pipeline: mandatory stages in order, then the
// vision monitor, then the optional vision stage and its watchdog. Any
// mandatory-stage failure aborts startup, naming the stage.
func (o *Orchestrator) Start() error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return nil
	}
	o.running = true
	o.mu.Unlock()

	var started []Stage
	for _, stage := range o.stages {
		if err := stage.Start(); err != nil {
			o.logger.Error().Err(err).Str("stage", stage.Name()).Msg("Mandatory stage failed to start")
			o.stopStages(started)
			o.setStopped()
			return fmt.Errorf("stage %s failed to start: %w", stage.Name(), err)
		}
		started = append(started, stage)
		o.logger.Info().Str("stage", stage.Name()).Msg("Stage started")
	}

	if err := o.monitor.Start(); err != nil {
		o.stopStages(started)
		o.setStopped()
		return fmt.Errorf("vision monitor failed to start: %w", err)
	}

	if o.visionSt != nil {
		if err := o.visionSt.Start(); err != nil {
			// Vision is optional: a dead camera or detector must not
			// block voice-only operation.
			o.logger.Warn().Err(err).Msg("Vision stage failed to start, degrading to voice-only mode")
			o.watchdog.TriggerFallback("vision stage failed to start")
		} else {
			o.logger.Info().Str("stage", o.visionSt.Name()).Msg("Stage started")
			o.watchdog.Start()
		}
	} else {
		o.watchdog.TriggerFallback("vision disabled by configuration")
	}

	o.startHealthLoop()
	o.logger.Info().Msg("Pipeline running")
	return nil
}

// Run starts the pipeline and blocks until ctx is cancelled, then shuts
// down.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	o.Stop()
	return nil
}

// Stop shuts the pipeline down best-effort: every stage gets its
// shutdown timeout, and a stage that refuses to stop is logged and
// abandoned rather than blocking process exit.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	o.mu.Unlock()

	o.logger.Info().Msg("Shutting down pipeline")

	if o.healthCancel != nil {
		o.healthCancel()
		<-o.healthDone
	}
	o.watchdog.Stop()

	if o.visionSt != nil {
		if err := o.visionSt.Stop(o.config.ShutdownTimeout); err != nil {
			o.logger.Warn().Err(err).Str("stage", o.visionSt.Name()).Msg("Stage stop failed")
		}
	}
	if err := o.monitor.Stop(o.config.ShutdownTimeout); err != nil {
		o.logger.Warn().Err(err).Msg("Vision monitor stop failed")
	}

	o.stopStages(o.stages)
	o.logger.Info().Msg("Pipeline stopped")
}

func (o *Orchestrator) setStopped() {
	o.mu.Lock()
	o.running = false
	o.mu.Unlock()
}

// stopStages stops the given stages concurrently, each bounded by the
// shutdown timeout.
func (o *Orchestrator) stopStages(stages []Stage) {
	var g errgroup.Group
	for _, stage := range stages {
		stage := stage
		g.Go(func() error {
			if err := stage.Stop(o.config.ShutdownTimeout); err != nil {
				o.logger.Warn().Err(err).Str("stage", stage.Name()).Msg("Stage stop failed")
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (o *Orchestrator) startHealthLoop() {
	ctx, cancel := context.WithCancel(context.Background())
	o.healthCancel = cancel
	o.healthDone = make(chan struct{})

	go func() {
		defer close(o.healthDone)
		ticker := time.NewTicker(o.config.HealthCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				o.healthCheck()
			}
		}
	}()
}

// healthCheck samples queue depths and process memory. Observability
// only; back-pressure comes from the bounded queues themselves.
func (o *Orchestrator) healthCheck() {
	visionDepth := o.queues.VisionEvents.Len()
	transcriptDepth := o.queues.Transcripts.Len()
	speechDepth := o.queues.Speech.Len()

	o.reporter.Publish(bus.Event{Type: bus.EventQueueDepth, Stage: "vision_events", Depth: visionDepth})
	o.reporter.Publish(bus.Event{Type: bus.EventQueueDepth, Stage: "transcripts", Depth: transcriptDepth})
	o.reporter.Publish(bus.Event{Type: bus.EventQueueDepth, Stage: "speech", Depth: speechDepth})

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	log := o.logger.Info().
		Int("vision_events", visionDepth).
		Int("transcripts", transcriptDepth).
		Int("speech", speechDepth).
		Str("state", string(o.machine.Current())).
		Uint64("heap_mb", mem.HeapAlloc/1024/1024).
		Int("goroutines", runtime.NumGoroutine())
	for _, stage := range o.stages {
		st := stage.Status()
		log = log.Bool(st.Name+"_running", st.Running)
	}
	log.Msg("Health check")
}

// StatusReport is a point-in-time snapshot of the whole pipeline.
type StatusReport struct {
	Agent  agent.Snapshot `json:"agent"`
	Stages []StageStatus  `json:"stages"`
	Vision *vision.Status `json:"vision,omitempty"`
	Queues map[string]int `json:"queues"`
}

// Status assembles a snapshot for diagnostics.
func (o *Orchestrator) Status() StatusReport {
	report := StatusReport{
		Agent: o.machine.Snapshot(),
		Queues: map[string]int{
			"vision_events": o.queues.VisionEvents.Len(),
			"transcripts":   o.queues.Transcripts.Len(),
			"speech":        o.queues.Speech.Len(),
		},
	}
	for _, stage := range o.stages {
		report.Stages = append(report.Stages, stage.Status())
	}
	if o.visionSt != nil {
		st := o.visionSt.Status()
		report.Vision = &st
	}
	return report
}
