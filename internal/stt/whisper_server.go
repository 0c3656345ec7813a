package stt

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// WhisperServerConfig configures the local whisper-server client.
type WhisperServerConfig struct {
	ServerURL string        `json:"server_url"`
	Language  string        `json:"language"` // optional hint, empty auto-detects
	Timeout   time.Duration `json:"timeout"`
	// MinDuration rejects segments too short to carry speech.
	MinDuration time.Duration `json:"min_duration"`
}

// DefaultWhisperServerConfig returns sensible defaults.
func DefaultWhisperServerConfig() *WhisperServerConfig {
	return &WhisperServerConfig{
		ServerURL:   "http://localhost:9030",
		Language:    "en",
		Timeout:     30 * time.Second,
		MinDuration: 300 * time.Millisecond,
	}
}

// WhisperServer transcribes audio via a local whisper-server instance
// speaking the OpenAI-compatible /inference endpoint.
type WhisperServer struct {
	config *WhisperServerConfig
	client *http.Client
	logger zerolog.Logger
}

// NewWhisperServer creates a whisper-server client.
func NewWhisperServer(config *WhisperServerConfig, logger zerolog.Logger) *WhisperServer {
	if config == nil {
		config = DefaultWhisperServerConfig()
	}
	return &WhisperServer{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
		logger: logger.With().Str("component", "stt").Logger(),
	}
}

// Transcribe sends the segment as a WAV upload and returns the text.
func (w *WhisperServer) Transcribe(ctx context.Context, seg *Segment) (*Result, error) {
	startTime := time.Now()

	if seg == nil || len(seg.PCM) == 0 {
		return nil, ErrAudioTooShort
	}
	if w.config.MinDuration > 0 && seg.Duration() < w.config.MinDuration {
		return nil, ErrAudioTooShort
	}

	wavData := wrapWAV(seg.PCM, seg.SampleRate, seg.Channels)

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(wavData); err != nil {
		return nil, fmt.Errorf("failed to write audio data: %w", err)
	}
	if err := writer.WriteField("response_format", "json"); err != nil {
		return nil, fmt.Errorf("failed to write format field: %w", err)
	}
	if w.config.Language != "" {
		if err := writer.WriteField("language", w.config.Language); err != nil {
			return nil, fmt.Errorf("failed to write language field: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.config.ServerURL+"/inference", &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := w.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrServerOffline, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		w.logger.Error().Int("status", resp.StatusCode).Str("body", string(body)).Msg("Whisper server error")
		return nil, fmt.Errorf("whisper server returned status %d", resp.StatusCode)
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	text := strings.TrimSpace(result.Text)
	if text == "" {
		return nil, ErrEmptyTranscript
	}

	processingTime := time.Since(startTime)
	w.logger.Info().Str("text", text).Dur("time", processingTime).Msg("Transcription complete")

	return &Result{
		Text:           text,
		Language:       w.config.Language,
		ProcessingTime: processingTime,
	}, nil
}

// Health checks whether the whisper server is reachable.
func (w *WhisperServer) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.config.ServerURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrServerOffline, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("whisper server health returned status %d", resp.StatusCode)
	}
	return nil
}

// wrapWAV prefixes PCM data with a RIFF/WAVE header.
func wrapWAV(pcmData []byte, sampleRate, channels int) []byte {
	if sampleRate == 0 {
		sampleRate = 16000
	}
	if channels == 0 {
		channels = 1
	}

	const bitsPerSample = 16
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8
	dataSize := len(pcmData)

	header := make([]byte, 44)
	copy(header[0:4], "RIFF")
	binary.LittleEndian.PutUint32(header[4:8], uint32(36+dataSize))
	copy(header[8:12], "WAVE")
	copy(header[12:16], "fmt ")
	binary.LittleEndian.PutUint32(header[16:20], 16)
	binary.LittleEndian.PutUint16(header[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(header[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(header[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(header[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(header[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(header[34:36], bitsPerSample)
	copy(header[36:40], "data")
	binary.LittleEndian.PutUint32(header[40:44], uint32(dataSize))

	return append(header, pcmData...)
}
