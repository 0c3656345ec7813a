// Package tts provides speech synthesis and playback for agent
// responses.
package tts

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"
)

// Common errors
var (
	ErrUnavailable = errors.New("tts: synthesizer unavailable")
	ErrEmptyText   = errors.New("tts: empty text after sanitization")
)

// Clip is synthesized audio ready for playback.
type Clip struct {
	Audio          []byte // WAV container
	SampleRate     int
	ProcessingTime time.Duration
}

// Synthesizer converts text to audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (*Clip, error)
}

// Player plays a synthesized clip to the audio device, blocking until
// playback completes.
type Player interface {
	Play(ctx context.Context, clip *Clip) error
}

// Speaker bundles synthesis and playback into one blocking call. The
// response stage uses it so speaking order matches response order.
type Speaker struct {
	synth  Synthesizer
	player Player
}

// NewSpeaker creates a Speaker.
func NewSpeaker(synth Synthesizer, player Player) *Speaker {
	return &Speaker{synth: synth, player: player}
}

// Say synthesizes text and plays it, returning after playback ends.
func (s *Speaker) Say(ctx context.Context, text string) error {
	clip, err := s.synth.Synthesize(ctx, text)
	if err != nil {
		return err
	}
	return s.player.Play(ctx, clip)
}

var (
	reBold    = regexp.MustCompile(`\*\*([^*]+)\*\*`)
	reItalic  = regexp.MustCompile(`\*([^*]+)\*`)
	reCode    = regexp.MustCompile("`[^`]+`")
	reLink    = regexp.MustCompile(`\[([^\]]+)\]\([^)]+\)`)
	reBlock   = regexp.MustCompile("(?s)```[^`]*```")
	reBullet  = regexp.MustCompile(`(?m)^[\s]*[-*•]\s*`)
	reNumbers = regexp.MustCompile(`(?m)^[\s]*\d+\.\s*`)
	reSpace   = regexp.MustCompile(`\s+`)
)

// sanitizeText strips markdown and control characters that confuse the
// synthesizer. LLM output is prose with occasional formatting leakage.
func sanitizeText(text string) string {
	text = reBlock.ReplaceAllString(text, "")
	text = reBold.ReplaceAllString(text, "$1")
	text = reItalic.ReplaceAllString(text, "$1")
	text = reCode.ReplaceAllString(text, "")
	text = reLink.ReplaceAllString(text, "$1")
	text = reBullet.ReplaceAllString(text, "")
	text = reNumbers.ReplaceAllString(text, "")
	text = reSpace.ReplaceAllString(text, " ")
	text = strings.ReplaceAll(text, "\"", "'")
	text = strings.ReplaceAll(text, "\\", "")
	return strings.TrimSpace(text)
}
