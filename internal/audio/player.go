package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/ent0n29/voicecall/internal/voice"
)

// FFPlayPlayer plays each clip through a short-lived ffplay process fed on stdin.
type FFPlayPlayer struct {
	path string
}

func NewFFPlayPlayer(path string) *FFPlayPlayer {
	if strings.TrimSpace(path) == "" {
		path = "ffplay"
	}
	return &FFPlayPlayer{path: path}
}

func (p *FFPlayPlayer) Play(ctx context.Context, clip voice.Clip) error {
	if len(clip.Data) == 0 {
		return nil
	}
	path, err := exec.LookPath(p.path)
	if err != nil {
		return fmt.Errorf("%w: %s not found", voice.ErrPlaybackBlocked, p.path)
	}

	args := []string{"-nodisp", "-autoexit", "-loglevel", "error"}
	if clip.Format != "" {
		args = append(args, "-f", clip.Format)
	}
	args = append(args, "-i", "pipe:0")

	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Stdin = bytes.NewReader(clip.Data)
	cmd.Stdout = io.Discard
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: start ffplay: %v", voice.ErrPlaybackBlocked, err)
	}
	err = cmd.Wait()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && strings.Contains(strings.ToLower(stderr.String()), "audio") {
			// ffplay exits non-zero when it cannot open an output device.
			return fmt.Errorf("%w: %s", voice.ErrPlaybackBlocked, strings.TrimSpace(stderr.String()))
		}
		return fmt.Errorf("ffplay: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}
