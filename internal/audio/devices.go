package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"
)

// ErrDeviceUnavailable means no capture device could be opened on this host.
var ErrDeviceUnavailable = errors.New("audio capture device unavailable")

type FFmpegConfig struct {
	Path        string
	InputFormat string
	InputDevice string
}

// FFmpegDevices opens the microphone through an ffmpeg child process per call.
type FFmpegDevices struct {
	cfg FFmpegConfig
}

func NewFFmpegDevices(cfg FFmpegConfig) *FFmpegDevices {
	if strings.TrimSpace(cfg.Path) == "" {
		cfg.Path = "ffmpeg"
	}
	return &FFmpegDevices{cfg: cfg}
}

func (d *FFmpegDevices) AcquireAudio(ctx context.Context) (*Capture, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := exec.LookPath(d.cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s not found", ErrDeviceUnavailable, d.cfg.Path)
	}
	args, err := captureArgs(runtime.GOOS, d.cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	cmd := exec.Command(path, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open ffmpeg stdout: %w", err)
	}
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start ffmpeg: %v", ErrDeviceUnavailable, err)
	}
	src := &processReader{cmd: cmd, stdout: stdout}

	enc, err := NewOpusEncoder()
	if err != nil {
		_ = src.Close()
		return nil, fmt.Errorf("create opus encoder: %w", err)
	}
	track, err := NewOpusTrack()
	if err != nil {
		_ = src.Close()
		return nil, fmt.Errorf("create local track: %w", err)
	}
	return NewCapture(src, enc, track), nil
}

func captureArgs(goos string, cfg FFmpegConfig) ([]string, error) {
	format, device := strings.TrimSpace(cfg.InputFormat), strings.TrimSpace(cfg.InputDevice)
	if format == "" || device == "" {
		switch goos {
		case "darwin":
			format, device = "avfoundation", ":0"
		case "linux":
			format, device = "pulse", "default"
		default:
			return nil, fmt.Errorf("mic capture is not implemented for %s; set AUDIO_INPUT_FORMAT and AUDIO_INPUT_DEVICE", goos)
		}
	}
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-f", format, "-i", device,
		"-ac", "1", "-ar", fmt.Sprintf("%d", CaptureSampleRate),
		"-f", "s16le", "-",
	}, nil
}

type processReader struct {
	cmd       *exec.Cmd
	stdout    io.ReadCloser
	closeOnce sync.Once
}

func (p *processReader) Read(b []byte) (int, error) {
	return p.stdout.Read(b)
}

func (p *processReader) Close() error {
	p.closeOnce.Do(func() {
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
		_ = p.cmd.Wait()
	})
	return nil
}

// SilenceDevices yields a paced silent source. It lets the daemon run calls on hosts
// without a microphone.
type SilenceDevices struct{}

func (SilenceDevices) AcquireAudio(ctx context.Context) (*Capture, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	enc, err := NewOpusEncoder()
	if err != nil {
		return nil, fmt.Errorf("create opus encoder: %w", err)
	}
	track, err := NewOpusTrack()
	if err != nil {
		return nil, fmt.Errorf("create local track: %w", err)
	}
	return NewCapture(NewSilenceSource(), enc, track), nil
}

// silenceSource produces one frame of zeros every frame interval until closed.
type silenceSource struct {
	ticker *time.Ticker
	closed chan struct{}
	once   sync.Once
}

func NewSilenceSource() io.ReadCloser {
	return &silenceSource{ticker: time.NewTicker(frameDuration), closed: make(chan struct{})}
}

func (s *silenceSource) Read(b []byte) (int, error) {
	select {
	case <-s.closed:
		return 0, io.EOF
	case <-s.ticker.C:
	}
	n := len(b)
	if n > frameBytes {
		n = frameBytes
	}
	clear(b[:n])
	return n, nil
}

func (s *silenceSource) Close() error {
	s.once.Do(func() {
		s.ticker.Stop()
		close(s.closed)
	})
	return nil
}
