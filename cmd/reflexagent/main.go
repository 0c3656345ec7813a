// Reflexagent - a vision-gated voice assistant. A camera locks onto
// whoever walks up; the agent greets them and holds a spoken
// conversation until they leave.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/normanking/reflexagent/internal/agent"
	"github.com/normanking/reflexagent/internal/bus"
	"github.com/normanking/reflexagent/internal/config"
	"github.com/normanking/reflexagent/internal/llm"
	"github.com/normanking/reflexagent/internal/logging"
	"github.com/normanking/reflexagent/internal/observe"
	"github.com/normanking/reflexagent/internal/pipeline"
	"github.com/normanking/reflexagent/internal/queue"
	"github.com/normanking/reflexagent/internal/stt"
	"github.com/normanking/reflexagent/internal/tts"
	"github.com/normanking/reflexagent/internal/vision"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default: ~/.reflexagent/config.yaml)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "reflexagent: %v\n", err)
		os.Exit(1)
	}
}

// depthObserver publishes the queue's depth after each put and get.
func depthObserver(reporter *bus.Bus, name string, depth func() int) queue.Observer[pipeline.Message] {
	report := func(pipeline.Message) {
		reporter.Publish(bus.Event{Type: bus.EventQueueDepth, Stage: name, Depth: depth()})
	}
	return queue.Observer[pipeline.Message]{OnPut: report, OnGet: report}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(&logging.Config{
		LogDir:     cfg.Logging.LogDir,
		Level:      logging.LogLevel(cfg.Logging.Level),
		MaxHistory: 500,
		Console:    cfg.Logging.Console,
	})
	if err != nil {
		return err
	}
	defer logger.Close()
	log := logger.Zerolog()

	provider, err := observe.NewProvider(observe.ProviderConfig{
		Enabled:    cfg.Metrics.Enabled,
		ListenAddr: cfg.Metrics.ListenAddr,
		Service:    "reflexagent",
	}, log)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("Metrics shutdown failed")
		}
	}()

	reporter := bus.New()
	recorder, err := observe.NewRecorder(log)
	if err != nil {
		return err
	}
	recorder.Attach(reporter)

	machine := agent.NewMachine(log)

	// Conversation queues report their depth through the bus on every
	// put/get so the metrics recorder sees back-pressure as it builds.
	var transcriptsQ, speechQ *queue.Queue[pipeline.Message]
	transcriptsQ = queue.NewObserved(cfg.Queue.MaxSize, depthObserver(reporter, "transcripts", func() int { return transcriptsQ.Len() }))
	speechQ = queue.NewObserved(cfg.Queue.MaxSize, depthObserver(reporter, "speech", func() int { return speechQ.Len() }))

	queues := pipeline.Queues{
		VisionEvents: queue.New[vision.Event](cfg.Queue.MaxSize),
		Transcripts:  transcriptsQ,
		Speech:       speechQ,
	}

	// Conversational collaborators.
	responder := llm.NewOllama(llm.OllamaConfig{
		Host:         cfg.LLM.Host,
		Model:        cfg.LLM.Model,
		Timeout:      cfg.LLM.Timeout,
		Temperature:  cfg.LLM.Temperature,
		TopP:         cfg.LLM.TopP,
		MaxTokens:    cfg.LLM.MaxTokens,
		MaxHistory:   cfg.LLM.MaxHistory,
		SystemPrompt: cfg.LLM.SystemPrompt,
	}, log)
	if cfg.Worker.WarmupEnabled {
		warmCtx, cancel := context.WithTimeout(context.Background(), cfg.Worker.StartupTimeout)
		if err := responder.Warmup(warmCtx); err != nil {
			log.Warn().Err(err).Msg("Model warmup failed, first turn will be slow")
		}
		cancel()
	}

	recognizer := stt.NewWhisperServer(&stt.WhisperServerConfig{
		ServerURL: cfg.STT.ServerURL,
		Language:  cfg.STT.Language,
		Timeout:   cfg.STT.Timeout,
	}, log)

	micCfg := stt.DefaultMicCaptureConfig()
	micCfg.SampleRate = cfg.STT.SampleRate
	capture := stt.NewMicCapture(micCfg, log)

	synth := tts.NewPiper(&tts.PiperConfig{
		BinaryPath: cfg.TTS.BinaryPath,
		ModelPath:  cfg.TTS.ModelPath,
		SampleRate: cfg.TTS.SampleRate,
		MaxTextLen: 500,
	}, log)
	speaker := tts.NewSpeaker(synth, tts.NewCmdPlayer(cfg.TTS.PlayerCmd, log))

	// Pipeline stages, vision gating starts the mic paused when a
	// camera is expected.
	sttStage := pipeline.NewSTTStage(pipeline.STTStageConfig{
		PutTimeout:  cfg.Queue.PutTimeout,
		StartPaused: cfg.Vision.Enabled,
	}, capture, recognizer, queues.Transcripts, machine, reporter, log)

	llmStage := pipeline.NewLLMStage(pipeline.LLMStageConfig{
		GetTimeout: cfg.Queue.GetTimeout,
		PutTimeout: cfg.Queue.PutTimeout,
	}, responder, queues.Transcripts, queues.Speech, machine, reporter, log)

	ttsStage := pipeline.NewTTSStage(pipeline.TTSStageConfig{
		GetTimeout: cfg.Queue.GetTimeout,
	}, speaker, queues.Speech, machine, reporter, log)

	monitor := pipeline.NewVisionMonitor(pipeline.VisionMonitorConfig{
		GetTimeout:       cfg.Orchestrator.EventGetTimeout,
		SettleDelay:      cfg.Orchestrator.FaceLostSettleDelay,
		GreetingCooldown: cfg.Vision.GreetingCooldown,
		GreetingMessage:  cfg.Vision.GreetingMessage,
	}, queues.VisionEvents, queues.Transcripts, machine, sttStage, reporter, responder.ClearHistory, log)

	announcement := cfg.Orchestrator.FallbackMessage
	if !cfg.Vision.Enabled {
		// Voice-only by configuration is not a degradation, stay quiet.
		announcement = ""
	}
	watchdog := pipeline.NewWatchdog(pipeline.WatchdogConfig{
		GracePeriod:  cfg.Orchestrator.VisionGracePeriod,
		Announcement: announcement,
	}, machine, monitor, sttStage, queues.Speech, reporter, log)

	var visionStage pipeline.VisionStage
	if cfg.Vision.Enabled {
		source, err := vision.NewWSFrameSource(vision.WSSourceConfig{URL: cfg.Vision.SourceURL}, log)
		if err != nil {
			return fmt.Errorf("invalid vision source: %w", err)
		}
		detector := vision.NewHTTPDetector(vision.HTTPDetectorConfig{
			ServerURL:           cfg.Vision.DetectorURL,
			ConfidenceThreshold: cfg.Vision.ConfidenceThreshold,
		}, log)
		tracker := vision.NewTracker(vision.TrackerConfig{
			LockThresholdFrames:       cfg.Vision.LockThresholdFrames,
			FaceLostTimeoutFrames:     cfg.Vision.FaceLostTimeoutFrames,
			TrackingDistanceThreshold: cfg.Vision.TrackingDistanceThreshold,
		}, log)
		visionStage = vision.NewWorker(vision.WorkerConfig{
			FrameSkip:      cfg.Vision.FrameSkip,
			TargetFPS:      cfg.Vision.TargetFPS,
			StartupTimeout: cfg.Worker.StartupTimeout,
		}, source, detector, tracker, queues.VisionEvents, log)
	}

	orch := pipeline.NewOrchestrator(pipeline.OrchestratorConfig{
		HealthCheckInterval: cfg.Orchestrator.HealthCheckInterval,
		StartupTimeout:      cfg.Worker.StartupTimeout,
		ShutdownTimeout:     cfg.Worker.ShutdownTimeout,
	}, machine, queues, []pipeline.Stage{sttStage, llmStage, ttsStage}, visionStage, monitor, watchdog, reporter, log)

	// Hot-reload: log level and the monitor's timing tunables apply
	// live; pipeline topology needs a restart.
	if configPath != "" {
		watcher := config.NewWatcher(configPath, func(next *config.Config) {
			logger.SetLevel(logging.LogLevel(next.Logging.Level))
			monitor.ApplyTunables(next.Vision.GreetingCooldown, next.Orchestrator.FaceLostSettleDelay)
			log.Info().
				Str("level", next.Logging.Level).
				Dur("greeting_cooldown", next.Vision.GreetingCooldown).
				Dur("settle_delay", next.Orchestrator.FaceLostSettleDelay).
				Msg("Reloadable settings applied")
		}, log)
		if err := watcher.Start(); err != nil {
			log.Warn().Err(err).Msg("Config watcher unavailable")
		} else {
			defer watcher.Stop()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Bool("vision", cfg.Vision.Enabled).Str("model", cfg.LLM.Model).Msg("Starting reflexagent")
	return orch.Run(ctx)
}
