package tts

import (
	"context"
	"errors"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeText(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "Hello there.", "Hello there."},
		{"bold and italic", "This is **bold** and *italic*.", "This is bold and italic."},
		{"inline code dropped", "Run `go vet` first.", "Run first."},
		{"link keeps label", "See [the docs](https://example.com) please.", "See the docs please."},
		{"bullets stripped", "- first\n- second", "first second"},
		{"quotes normalized", `He said "hi".`, "He said 'hi'."},
		{"whitespace collapsed", "a\n\n\nb\tc", "a b c"},
		{"empty", "```\ncode only\n```", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, sanitizeText(tc.in))
		})
	}
}

func TestTruncateText(t *testing.T) {
	assert.Equal(t, "hello", truncateText("hello", 10))
	assert.Equal(t, "hello", truncateText("hello world", 0))
	assert.Equal(t, "hello...", truncateText("hello world", 5))

	// A cut landing inside a multi-byte rune backs up to the rune start
	// instead of emitting a broken sequence. "héllo" is h(1) é(2) llo.
	got := truncateText("héllo", 2)
	assert.Equal(t, "h...", got)
	assert.True(t, utf8.ValidString(got))

	got = truncateText("日本語テキスト", 7) // mid second rune
	assert.Equal(t, "日本...", got)
	assert.True(t, utf8.ValidString(got))
}

type stubSynth struct {
	clip *Clip
	err  error
}

func (s *stubSynth) Synthesize(ctx context.Context, text string) (*Clip, error) {
	return s.clip, s.err
}

type stubPlayer struct {
	played int
	err    error
}

func (s *stubPlayer) Play(ctx context.Context, clip *Clip) error {
	s.played++
	return s.err
}

func TestSpeaker_Say(t *testing.T) {
	player := &stubPlayer{}
	speaker := NewSpeaker(&stubSynth{clip: &Clip{Audio: []byte{1, 2, 3}}}, player)

	require.NoError(t, speaker.Say(context.Background(), "hello"))
	assert.Equal(t, 1, player.played)
}

func TestSpeaker_Say_SynthErrorSkipsPlayback(t *testing.T) {
	player := &stubPlayer{}
	speaker := NewSpeaker(&stubSynth{err: errors.New("boom")}, player)

	require.Error(t, speaker.Say(context.Background(), "hello"))
	assert.Equal(t, 0, player.played)
}
