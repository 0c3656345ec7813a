package tts

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"

	"github.com/rs/zerolog"
)

// CmdPlayer plays WAV clips by piping them into an external player
// (aplay on ALSA systems). Play blocks until the device drains.
type CmdPlayer struct {
	command string
	args    []string
	logger  zerolog.Logger
}

// NewCmdPlayer creates a player around the given command. Empty command
// defaults to aplay reading WAV from stdin.
func NewCmdPlayer(command string, logger zerolog.Logger) *CmdPlayer {
	if command == "" {
		command = "aplay"
	}
	return &CmdPlayer{
		command: command,
		args:    []string{"-q", "-"},
		logger:  logger.With().Str("component", "player").Logger(),
	}
}

// Play writes the clip to the player process and waits for it to exit.
func (p *CmdPlayer) Play(ctx context.Context, clip *Clip) error {
	if clip == nil || len(clip.Audio) == 0 {
		return nil
	}

	cmd := exec.CommandContext(ctx, p.command, p.args...)
	cmd.Stdin = bytes.NewReader(clip.Audio)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.logger.Error().Err(err).Str("stderr", stderr.String()).Msg("Playback failed")
		return fmt.Errorf("playback command failed: %w", err)
	}
	return nil
}
