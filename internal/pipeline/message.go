// Package pipeline wires the conversational stages (speech-in, language
// model, speech-out) and the vision monitors into one orchestrated
// control loop.
package pipeline

import "time"

// MessageKind discriminates the payload flowing between stages.
type MessageKind string

const (
	// KindTranscript is recognized (or synthetically injected) user input.
	KindTranscript MessageKind = "transcript"
	// KindResponse is generated text awaiting synthesis.
	KindResponse MessageKind = "response"
)

// Source records where a message originated.
type Source string

const (
	// SourceSpeech marks genuine recognized user speech.
	SourceSpeech Source = "speech"
	// SourceVisionTrigger marks a synthetic greeting injected on face lock.
	SourceVisionTrigger Source = "vision_trigger"
	// SourceSystem marks orchestrator announcements (fallback notice).
	SourceSystem Source = "system"
)

// Message is the unit flowing through the transcript and speech queues.
// Created by one stage, consumed exactly once by the next.
type Message struct {
	Kind MessageKind
	Text string
	// Source survives the transcript→response hop so downstream stages
	// can tell a greeting turn from an organic one.
	Source Source
	// CreatedAt is when this message was produced.
	CreatedAt time.Time
	// CapturedAt is when the originating utterance was captured. It is
	// carried unchanged across stages so end-to-end latency can be
	// measured at playback.
	CapturedAt time.Time
}

// NewTranscript builds a transcript message stamped now.
func NewTranscript(text string, source Source, capturedAt time.Time) Message {
	now := time.Now()
	if capturedAt.IsZero() {
		capturedAt = now
	}
	return Message{
		Kind:       KindTranscript,
		Text:       text,
		Source:     source,
		CreatedAt:  now,
		CapturedAt: capturedAt,
	}
}

// Response derives the reply message for a transcript, preserving
// provenance and capture time.
func (m Message) Response(text string) Message {
	return Message{
		Kind:       KindResponse,
		Text:       text,
		Source:     m.Source,
		CreatedAt:  time.Now(),
		CapturedAt: m.CapturedAt,
	}
}
