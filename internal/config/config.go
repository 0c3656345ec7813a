// Package config provides configuration management for the reflex agent.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Vision       VisionConfig       `mapstructure:"vision"`
	Queue        QueueConfig        `mapstructure:"queue"`
	Worker       WorkerConfig       `mapstructure:"worker"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	LLM          LLMConfig          `mapstructure:"llm"`
	STT          STTConfig          `mapstructure:"stt"`
	TTS          TTSConfig          `mapstructure:"tts"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
}

// VisionConfig configures frame acquisition and the face lock policy.
type VisionConfig struct {
	Enabled                   bool          `mapstructure:"enabled"`
	SourceURL                 string        `mapstructure:"source_url"`   // camera daemon websocket
	DetectorURL               string        `mapstructure:"detector_url"` // detector sidecar
	FrameWidth                int           `mapstructure:"frame_width"`
	FrameHeight               int           `mapstructure:"frame_height"`
	TargetFPS                 int           `mapstructure:"target_fps"`
	FrameSkip                 int           `mapstructure:"frame_skip"`
	ConfidenceThreshold       float64       `mapstructure:"confidence_threshold"`
	LockThresholdFrames       int           `mapstructure:"lock_threshold_frames"`
	FaceLostTimeoutFrames     int           `mapstructure:"face_lost_timeout_frames"`
	TrackingDistanceThreshold float64       `mapstructure:"tracking_distance_threshold"`
	GreetingCooldown          time.Duration `mapstructure:"greeting_cooldown"`
	GreetingMessage           string        `mapstructure:"greeting_message"`
}

// QueueConfig configures the bounded inter-stage queues.
type QueueConfig struct {
	MaxSize    int           `mapstructure:"max_size"`
	PutTimeout time.Duration `mapstructure:"put_timeout"`
	GetTimeout time.Duration `mapstructure:"get_timeout"`
}

// WorkerConfig configures stage lifecycle handling.
type WorkerConfig struct {
	StartupTimeout  time.Duration `mapstructure:"startup_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	WarmupEnabled   bool          `mapstructure:"warmup_enabled"`
}

// OrchestratorConfig configures monitoring and fallback behavior.
type OrchestratorConfig struct {
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
	VisionGracePeriod   time.Duration `mapstructure:"vision_grace_period"`
	FaceLostSettleDelay time.Duration `mapstructure:"face_lost_settle_delay"`
	EventGetTimeout     time.Duration `mapstructure:"event_get_timeout"`
	FallbackMessage     string        `mapstructure:"fallback_message"`
}

// LLMConfig configures the language-model backend.
type LLMConfig struct {
	Host         string        `mapstructure:"host"`
	Model        string        `mapstructure:"model"`
	Timeout      time.Duration `mapstructure:"timeout"`
	Temperature  float64       `mapstructure:"temperature"`
	TopP         float64       `mapstructure:"top_p"`
	MaxTokens    int           `mapstructure:"max_tokens"`
	MaxHistory   int           `mapstructure:"max_history"`
	SystemPrompt string        `mapstructure:"system_prompt"`
}

// STTConfig configures the speech recognizer.
type STTConfig struct {
	ServerURL  string        `mapstructure:"server_url"`
	Language   string        `mapstructure:"language"`
	SampleRate int           `mapstructure:"sample_rate"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// TTSConfig configures speech synthesis.
type TTSConfig struct {
	BinaryPath string `mapstructure:"binary_path"`
	ModelPath  string `mapstructure:"model_path"`
	PlayerCmd  string `mapstructure:"player_cmd"`
	SampleRate int    `mapstructure:"sample_rate"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	LogDir  string `mapstructure:"log_dir"`
	Console bool   `mapstructure:"console"`
}

// MetricsConfig configures the Prometheus scrape endpoint.
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Vision: VisionConfig{
			Enabled:                   true,
			SourceURL:                 "ws://localhost:8765/frames",
			DetectorURL:               "http://localhost:9020",
			FrameWidth:                640,
			FrameHeight:               480,
			TargetFPS:                 15,
			FrameSkip:                 2,
			ConfidenceThreshold:       0.6,
			LockThresholdFrames:       3,
			FaceLostTimeoutFrames:     15,
			TrackingDistanceThreshold: 100,
			GreetingCooldown:          10 * time.Second,
			GreetingMessage:           "Hello there! I noticed you walked up. How can I help you today?",
		},
		Queue: QueueConfig{
			MaxSize:    10,
			PutTimeout: 5 * time.Second,
			GetTimeout: time.Second,
		},
		Worker: WorkerConfig{
			StartupTimeout:  30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			WarmupEnabled:   true,
		},
		Orchestrator: OrchestratorConfig{
			HealthCheckInterval: 10 * time.Second,
			VisionGracePeriod:   10 * time.Second,
			FaceLostSettleDelay: 2 * time.Second,
			EventGetTimeout:     500 * time.Millisecond,
			FallbackMessage:     "I can't see you right now, but I'm all ears and listening. Just start talking to me!",
		},
		LLM: LLMConfig{
			Host:        "http://localhost:11434",
			Model:       "qwen2.5:0.5b-instruct-q4_K_M",
			Timeout:     30 * time.Second,
			Temperature: 0.7,
			TopP:        0.9,
			MaxTokens:   150,
			MaxHistory:  5,
			SystemPrompt: "You are a helpful voice assistant. Give concise, natural responses " +
				"suitable for speech output. Keep answers brief (1-3 sentences) unless " +
				"specifically asked for more detail.",
		},
		STT: STTConfig{
			ServerURL:  "http://localhost:9030",
			Language:   "en",
			SampleRate: 16000,
			Timeout:    30 * time.Second,
		},
		TTS: TTSConfig{
			BinaryPath: filepath.Join(home, ".reflexagent", "piper", "piper"),
			ModelPath:  filepath.Join(home, ".reflexagent", "models", "en_US-lessac-medium.onnx"),
			PlayerCmd:  "aplay",
			SampleRate: 22050,
		},
		Logging: LoggingConfig{
			Level:   "info",
			LogDir:  filepath.Join(home, ".reflexagent", "logs"),
			Console: true,
		},
		Metrics: MetricsConfig{
			Enabled:    true,
			ListenAddr: "localhost:9090",
		},
	}
}

// Load reads configuration from the given path, or from the default
// location when path is empty. A missing file is not an error; defaults
// apply and environment variables (REFLEXAGENT_*) still override.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(home, ".reflexagent"))
		}
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("REFLEXAGENT")
	v.AutomaticEnv()

	// A missing file falls back to defaults; anything else is fatal.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Queue.MaxSize < 1 {
		return fmt.Errorf("queue.max_size must be at least 1, got %d", c.Queue.MaxSize)
	}
	if c.Vision.LockThresholdFrames < 1 {
		return fmt.Errorf("vision.lock_threshold_frames must be at least 1, got %d", c.Vision.LockThresholdFrames)
	}
	if c.Vision.FaceLostTimeoutFrames < 1 {
		return fmt.Errorf("vision.face_lost_timeout_frames must be at least 1, got %d", c.Vision.FaceLostTimeoutFrames)
	}
	if c.Vision.TrackingDistanceThreshold <= 0 {
		return fmt.Errorf("vision.tracking_distance_threshold must be positive, got %f", c.Vision.TrackingDistanceThreshold)
	}
	if c.Vision.FrameSkip < 1 {
		return fmt.Errorf("vision.frame_skip must be at least 1, got %d", c.Vision.FrameSkip)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("vision.enabled", d.Vision.Enabled)
	v.SetDefault("vision.source_url", d.Vision.SourceURL)
	v.SetDefault("vision.detector_url", d.Vision.DetectorURL)
	v.SetDefault("vision.frame_width", d.Vision.FrameWidth)
	v.SetDefault("vision.frame_height", d.Vision.FrameHeight)
	v.SetDefault("vision.target_fps", d.Vision.TargetFPS)
	v.SetDefault("vision.frame_skip", d.Vision.FrameSkip)
	v.SetDefault("vision.confidence_threshold", d.Vision.ConfidenceThreshold)
	v.SetDefault("vision.lock_threshold_frames", d.Vision.LockThresholdFrames)
	v.SetDefault("vision.face_lost_timeout_frames", d.Vision.FaceLostTimeoutFrames)
	v.SetDefault("vision.tracking_distance_threshold", d.Vision.TrackingDistanceThreshold)
	v.SetDefault("vision.greeting_cooldown", d.Vision.GreetingCooldown)
	v.SetDefault("vision.greeting_message", d.Vision.GreetingMessage)

	v.SetDefault("queue.max_size", d.Queue.MaxSize)
	v.SetDefault("queue.put_timeout", d.Queue.PutTimeout)
	v.SetDefault("queue.get_timeout", d.Queue.GetTimeout)

	v.SetDefault("worker.startup_timeout", d.Worker.StartupTimeout)
	v.SetDefault("worker.shutdown_timeout", d.Worker.ShutdownTimeout)
	v.SetDefault("worker.warmup_enabled", d.Worker.WarmupEnabled)

	v.SetDefault("orchestrator.health_check_interval", d.Orchestrator.HealthCheckInterval)
	v.SetDefault("orchestrator.vision_grace_period", d.Orchestrator.VisionGracePeriod)
	v.SetDefault("orchestrator.face_lost_settle_delay", d.Orchestrator.FaceLostSettleDelay)
	v.SetDefault("orchestrator.event_get_timeout", d.Orchestrator.EventGetTimeout)
	v.SetDefault("orchestrator.fallback_message", d.Orchestrator.FallbackMessage)

	v.SetDefault("llm.host", d.LLM.Host)
	v.SetDefault("llm.model", d.LLM.Model)
	v.SetDefault("llm.timeout", d.LLM.Timeout)
	v.SetDefault("llm.temperature", d.LLM.Temperature)
	v.SetDefault("llm.top_p", d.LLM.TopP)
	v.SetDefault("llm.max_tokens", d.LLM.MaxTokens)
	v.SetDefault("llm.max_history", d.LLM.MaxHistory)
	v.SetDefault("llm.system_prompt", d.LLM.SystemPrompt)

	v.SetDefault("stt.server_url", d.STT.ServerURL)
	v.SetDefault("stt.language", d.STT.Language)
	v.SetDefault("stt.sample_rate", d.STT.SampleRate)
	v.SetDefault("stt.timeout", d.STT.Timeout)

	v.SetDefault("tts.binary_path", d.TTS.BinaryPath)
	v.SetDefault("tts.model_path", d.TTS.ModelPath)
	v.SetDefault("tts.player_cmd", d.TTS.PlayerCmd)
	v.SetDefault("tts.sample_rate", d.TTS.SampleRate)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.log_dir", d.Logging.LogDir)
	v.SetDefault("logging.console", d.Logging.Console)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.listen_addr", d.Metrics.ListenAddr)
}
