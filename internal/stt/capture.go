package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// VADConfig tunes the RMS-energy endpointer.
type VADConfig struct {
	Threshold       float64 `json:"threshold"`        // smoothed RMS above this is speech
	SmoothingFrames int     `json:"smoothing_frames"` // chunks averaged before thresholding
	MinSpeech       time.Duration
	MaxSilence      time.Duration // silence tolerated inside an utterance
	MaxSegment      time.Duration // hard cap, segment force-closed past this
}

// DefaultVADConfig returns sensible defaults.
func DefaultVADConfig() VADConfig {
	return VADConfig{
		Threshold:       0.01,
		SmoothingFrames: 5,
		MinSpeech:       250 * time.Millisecond,
		MaxSilence:      500 * time.Millisecond,
		MaxSegment:      15 * time.Second,
	}
}

// endpointer turns a stream of PCM chunks into utterance boundaries
// using smoothed RMS energy.
type endpointer struct {
	config  VADConfig
	history []float64
	index   int

	active     bool
	lastActive time.Time
}

func newEndpointer(config VADConfig) *endpointer {
	if config.SmoothingFrames < 1 {
		config.SmoothingFrames = 1
	}
	return &endpointer{
		config:  config,
		history: make([]float64, config.SmoothingFrames),
	}
}

// observe feeds one chunk and reports whether speech is active.
func (e *endpointer) observe(chunk []byte, now time.Time) bool {
	e.history[e.index] = rms16(chunk)
	e.index = (e.index + 1) % len(e.history)

	var sum float64
	for _, v := range e.history {
		sum += v
	}
	smoothed := sum / float64(len(e.history))

	if smoothed >= e.config.Threshold {
		e.active = true
		e.lastActive = now
		return true
	}
	if e.active {
		if now.Sub(e.lastActive) > e.config.MaxSilence {
			e.active = false
			return false
		}
		// Within silence tolerance, still inside the utterance.
		return true
	}
	return false
}

func (e *endpointer) reset() {
	e.active = false
	e.index = 0
	for i := range e.history {
		e.history[i] = 0
	}
}

// rms16 computes RMS energy of 16-bit little-endian PCM, normalized to
// [0,1].
func rms16(data []byte) float64 {
	if len(data) < 2 {
		return 0
	}
	var sum float64
	count := 0
	for i := 0; i+1 < len(data); i += 2 {
		sample := int16(data[i]) | int16(data[i+1])<<8
		normalized := float64(sample) / 32768.0
		sum += normalized * normalized
		count++
	}
	return math.Sqrt(sum / float64(count))
}

// MicCaptureConfig configures the microphone capture subprocess.
type MicCaptureConfig struct {
	// Command records raw S16_LE mono PCM to stdout. Defaults to arecord.
	Command    string
	SampleRate int
	ChunkMs    int
	VAD        VADConfig
}

// DefaultMicCaptureConfig returns sensible defaults.
func DefaultMicCaptureConfig() MicCaptureConfig {
	return MicCaptureConfig{
		Command:    "arecord",
		SampleRate: 16000,
		ChunkMs:    100,
		VAD:        DefaultVADConfig(),
	}
}

// MicCapture reads raw PCM from a recorder subprocess and endpoints it
// into speech segments. Segments queue in a small buffer; if the
// consumer is gated or slow, the oldest unread utterance is dropped.
type MicCapture struct {
	config MicCaptureConfig
	logger zerolog.Logger

	mu       sync.Mutex
	started  bool
	closed   bool
	cmd      *exec.Cmd
	segments chan *Segment
	cancel   context.CancelFunc
}

// NewMicCapture creates a capture source.
func NewMicCapture(config MicCaptureConfig, logger zerolog.Logger) *MicCapture {
	if config.Command == "" {
		config.Command = "arecord"
	}
	if config.SampleRate <= 0 {
		config.SampleRate = 16000
	}
	if config.ChunkMs <= 0 {
		config.ChunkMs = 100
	}
	return &MicCapture{
		config:   config,
		logger:   logger.With().Str("component", "mic").Logger(),
		segments: make(chan *Segment, 4),
	}
}

// NextSegment blocks until an utterance completes. Returns (nil, nil)
// once the source is closed.
func (m *MicCapture) NextSegment(ctx context.Context) (*Segment, error) {
	if err := m.ensureStarted(); err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case seg, ok := <-m.segments:
		if !ok {
			return nil, nil
		}
		return seg, nil
	}
}

// Close stops the recorder subprocess.
func (m *MicCapture) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	if m.cancel != nil {
		m.cancel()
	}
	return nil
}

func (m *MicCapture) ensureStarted() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("stt: capture source closed")
	}
	if m.started {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, m.config.Command,
		"-q",
		"-f", "S16_LE",
		"-r", strconv.Itoa(m.config.SampleRate),
		"-c", "1",
		"-t", "raw",
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("failed to open recorder stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("failed to start recorder %s: %w", m.config.Command, err)
	}

	m.cmd = cmd
	m.cancel = cancel
	m.started = true

	go m.readLoop(stdout)
	m.logger.Info().Str("command", m.config.Command).Int("rate", m.config.SampleRate).Msg("Microphone capture started")
	return nil
}

func (m *MicCapture) readLoop(r io.Reader) {
	defer close(m.segments)
	defer m.cmd.Wait()

	chunkBytes := m.config.SampleRate * 2 * m.config.ChunkMs / 1000
	chunk := make([]byte, chunkBytes)
	ep := newEndpointer(m.config.VAD)

	var current []byte
	var startedAt time.Time

	flush := func() {
		minBytes := int(m.config.VAD.MinSpeech.Seconds() * float64(m.config.SampleRate) * 2)
		if len(current) >= minBytes {
			seg := &Segment{
				PCM:        current,
				SampleRate: m.config.SampleRate,
				Channels:   1,
				CapturedAt: startedAt,
			}
			select {
			case m.segments <- seg:
			default:
				// Consumer backlog: the stalest utterance loses.
				select {
				case <-m.segments:
				default:
				}
				select {
				case m.segments <- seg:
				default:
				}
				m.logger.Warn().Msg("Segment buffer full, dropped oldest utterance")
			}
		}
		current = nil
		ep.reset()
	}

	for {
		if _, err := io.ReadFull(r, chunk); err != nil {
			if len(current) > 0 {
				flush()
			}
			m.logger.Info().Err(err).Msg("Recorder stream ended")
			return
		}

		now := time.Now()
		inSpeech := ep.observe(chunk, now)
		switch {
		case inSpeech && current == nil:
			startedAt = now
			current = append([]byte(nil), chunk...)
		case inSpeech:
			current = append(current, chunk...)
			if m.config.VAD.MaxSegment > 0 && now.Sub(startedAt) > m.config.VAD.MaxSegment {
				flush()
			}
		case current != nil:
			flush()
		}
	}
}
