// Package stt provides speech recognition for the conversation pipeline.
package stt

import (
	"context"
	"errors"
	"time"
)

// Common errors
var (
	ErrAudioTooShort   = errors.New("stt: audio segment too short to transcribe")
	ErrServerOffline   = errors.New("stt: transcription server unavailable")
	ErrEmptyTranscript = errors.New("stt: transcription produced no text")
)

// Segment is one voiced utterance captured from the microphone,
// endpointed by the capture source.
type Segment struct {
	PCM        []byte // 16-bit little-endian mono samples
	SampleRate int
	Channels   int
	CapturedAt time.Time
}

// Duration reports the audio length of the segment.
func (s *Segment) Duration() time.Duration {
	if s.SampleRate <= 0 {
		return 0
	}
	channels := s.Channels
	if channels <= 0 {
		channels = 1
	}
	samples := len(s.PCM) / (2 * channels)
	return time.Duration(samples) * time.Second / time.Duration(s.SampleRate)
}

// Result is a completed transcription.
type Result struct {
	Text           string
	Language       string
	ProcessingTime time.Duration
}

// Recognizer transcribes a captured audio segment.
type Recognizer interface {
	Transcribe(ctx context.Context, seg *Segment) (*Result, error)
}

// CaptureSource produces endpointed speech segments. NextSegment blocks
// until an utterance completes, the context is cancelled, or the source
// closes (returns nil segment and nil error on clean close).
type CaptureSource interface {
	NextSegment(ctx context.Context) (*Segment, error)
	Close() error
}
