package tts

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
)

// PiperConfig holds Piper synthesizer configuration.
type PiperConfig struct {
	BinaryPath string `json:"binary_path"` // path to piper binary
	ModelPath  string `json:"model_path"`  // .onnx voice model
	SampleRate int    `json:"sample_rate"`
	// MaxTextLen truncates very long responses; Piper degrades on them.
	MaxTextLen int `json:"max_text_len"`
}

// DefaultPiperConfig returns sensible defaults.
func DefaultPiperConfig() *PiperConfig {
	return &PiperConfig{
		BinaryPath: "piper",
		ModelPath:  "en_US-lessac-medium.onnx",
		SampleRate: 22050,
		MaxTextLen: 500,
	}
}

// Piper synthesizes speech by invoking the piper binary with text on
// stdin and reading the WAV it writes to a temp file.
type Piper struct {
	config *PiperConfig
	logger zerolog.Logger
}

// NewPiper creates a Piper synthesizer.
func NewPiper(config *PiperConfig, logger zerolog.Logger) *Piper {
	if config == nil {
		config = DefaultPiperConfig()
	}
	return &Piper{
		config: config,
		logger: logger.With().Str("component", "tts").Logger(),
	}
}

// truncateText cuts text to at most max bytes, backing up to a rune
// boundary so a multi-byte character is never split mid-sequence.
func truncateText(text string, max int) string {
	if max <= 0 || len(text) <= max {
		return text
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + "..."
}

// Health verifies the binary and model exist.
func (p *Piper) Health(ctx context.Context) error {
	if _, err := exec.LookPath(p.config.BinaryPath); err != nil {
		return fmt.Errorf("%w: piper binary not found at %s", ErrUnavailable, p.config.BinaryPath)
	}
	if _, err := os.Stat(p.config.ModelPath); err != nil {
		return fmt.Errorf("%w: model not found at %s", ErrUnavailable, p.config.ModelPath)
	}
	return nil
}

// Synthesize runs piper and returns the generated WAV clip.
func (p *Piper) Synthesize(ctx context.Context, text string) (*Clip, error) {
	startTime := time.Now()

	text = sanitizeText(text)
	if text == "" {
		return nil, ErrEmptyText
	}
	if truncated := truncateText(text, p.config.MaxTextLen); truncated != text {
		p.logger.Debug().Int("len", len(text)).Int("max", p.config.MaxTextLen).Msg("Truncating text for synthesis")
		text = truncated
	}

	tmpFile, err := os.CreateTemp("", "reflexagent-tts-*.wav")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	defer os.Remove(tmpPath)

	cmd := exec.CommandContext(ctx, p.config.BinaryPath,
		"--model", p.config.ModelPath,
		"-f", tmpPath,
	)
	cmd.Stdin = bytes.NewBufferString(text)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		p.logger.Error().Err(err).Str("stderr", stderr.String()).Msg("Piper synthesis failed")
		return nil, fmt.Errorf("piper command failed: %w", err)
	}

	audioData, err := os.ReadFile(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("read audio file: %w", err)
	}

	processingTime := time.Since(startTime)
	p.logger.Info().
		Int("audioBytes", len(audioData)).
		Dur("processingTime", processingTime).
		Msg("Synthesis complete")

	return &Clip{
		Audio:          audioData,
		SampleRate:     p.config.SampleRate,
		ProcessingTime: processingTime,
	}, nil
}
