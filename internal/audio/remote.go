package audio

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os/exec"
	"strings"
	"sync"

	"github.com/pion/webrtc/v4"
	"gopkg.in/hraban/opus.v2"
)

const (
	remoteSampleRate = 48000
	// 120ms is the longest Opus frame.
	maxDecodedSamples = remoteSampleRate / 1000 * 120
)

// PacketDecoder turns one codec packet into PCM samples.
type PacketDecoder interface {
	Decode(data []byte, pcm []int16) (int, error)
}

// PacketSource yields codec payloads from the remote side.
type PacketSource interface {
	ReadPayload() ([]byte, error)
}

type trackSource struct {
	track *webrtc.TrackRemote
}

func (s trackSource) ReadPayload() ([]byte, error) {
	pkt, _, err := s.track.ReadRTP()
	if err != nil {
		return nil, err
	}
	return pkt.Payload, nil
}

// RemotePlayback renders the agent's inbound audio track to the local speaker.
type RemotePlayback struct {
	ffplayPath string
	newSink    func() (io.WriteCloser, error)

	mu     sync.Mutex
	sinks  []io.WriteCloser
	closed bool
	wg     sync.WaitGroup
}

func NewRemotePlayback(ffplayPath string) *RemotePlayback {
	if strings.TrimSpace(ffplayPath) == "" {
		ffplayPath = "ffplay"
	}
	p := &RemotePlayback{ffplayPath: ffplayPath}
	p.newSink = p.startFFPlay
	return p
}

// Attach starts rendering track. A nil track is ignored.
func (p *RemotePlayback) Attach(track *webrtc.TrackRemote) error {
	if track == nil {
		return nil
	}
	if !strings.EqualFold(track.Codec().MimeType, webrtc.MimeTypeOpus) {
		return fmt.Errorf("unsupported remote codec %q", track.Codec().MimeType)
	}
	dec, err := opus.NewDecoder(remoteSampleRate, 1)
	if err != nil {
		return fmt.Errorf("create opus decoder: %w", err)
	}
	return p.attachSource(trackSource{track: track}, dec)
}

func (p *RemotePlayback) attachSource(src PacketSource, dec PacketDecoder) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errors.New("remote playback closed")
	}
	sink, err := p.newSink()
	if err != nil {
		p.mu.Unlock()
		return err
	}
	p.sinks = append(p.sinks, sink)
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		render(src, dec, sink)
	}()
	return nil
}

func render(src PacketSource, dec PacketDecoder, sink io.Writer) {
	pcm := make([]int16, maxDecodedSamples)
	out := make([]byte, 0, maxDecodedSamples*2)
	var decodeErrors int
	for {
		payload, err := src.ReadPayload()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Printf("audio: remote track read: %v", err)
			}
			return
		}
		if len(payload) == 0 {
			continue
		}
		n, err := dec.Decode(payload, pcm)
		if err != nil {
			decodeErrors++
			if decodeErrors == 1 || decodeErrors%500 == 0 {
				log.Printf("audio: decode remote packet (%d errors): %v", decodeErrors, err)
			}
			continue
		}
		out = pcmToBytes(pcm[:n], out)
		if _, err := sink.Write(out); err != nil {
			return
		}
	}
}

func (p *RemotePlayback) startFFPlay() (io.WriteCloser, error) {
	path, err := exec.LookPath(p.ffplayPath)
	if err != nil {
		return nil, fmt.Errorf("%s not found: %w", p.ffplayPath, err)
	}
	cmd := exec.Command(path,
		"-nodisp", "-loglevel", "error",
		"-f", "s16le", "-ar", fmt.Sprintf("%d", remoteSampleRate), "-ac", "1",
		"-i", "pipe:0",
	)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("open ffplay stdin: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffplay: %w", err)
	}
	return &processWriter{cmd: cmd, stdin: stdin}, nil
}

// Close stops every sink. Render goroutines exit once their track read fails, which
// happens when the peer connection closes.
func (p *RemotePlayback) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	sinks := p.sinks
	p.sinks = nil
	p.mu.Unlock()

	for _, s := range sinks {
		_ = s.Close()
	}
	return nil
}

func (p *RemotePlayback) wait() { p.wg.Wait() }

type processWriter struct {
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	closeOnce sync.Once
}

func (w *processWriter) Write(b []byte) (int, error) { return w.stdin.Write(b) }

func (w *processWriter) Close() error {
	w.closeOnce.Do(func() {
		_ = w.stdin.Close()
		if w.cmd.Process != nil {
			_ = w.cmd.Process.Kill()
		}
		_ = w.cmd.Wait()
	})
	return nil
}
