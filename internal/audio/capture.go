package audio

import (
	"encoding/binary"
	"errors"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"gopkg.in/hraban/opus.v2"
)

const (
	CaptureSampleRate = 16000
	frameDuration     = 20 * time.Millisecond
	frameSamples      = CaptureSampleRate / 50
	frameBytes        = frameSamples * 2
	maxPacketBytes    = 4000
	subscriberBuffer  = 64
)

// Encoder compresses one PCM frame into a codec packet.
type Encoder interface {
	Encode(pcm []int16, data []byte) (int, error)
}

// SampleTrack is a local track fed with encoded media samples.
type SampleTrack interface {
	webrtc.TrackLocal
	WriteSample(sample media.Sample) error
}

func NewOpusEncoder() (Encoder, error) {
	enc, err := opus.NewEncoder(CaptureSampleRate, 1, opus.AppVoIP)
	if err != nil {
		return nil, err
	}
	return enc, nil
}

func NewOpusTrack() (*webrtc.TrackLocalStaticSample, error) {
	return webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio",
		"voicecall-"+uuid.NewString(),
	)
}

// Capture reads 16 kHz mono PCM from src, sends it Opus-encoded on the outgoing track,
// and fans raw frames out to subscribers such as the recognizer.
type Capture struct {
	src   io.ReadCloser
	enc   Encoder
	track SampleTrack

	enabled atomic.Bool
	closing atomic.Bool

	mu     sync.Mutex
	subs   map[int]chan []byte
	nextID int
	ended  bool

	done      chan struct{}
	closeOnce sync.Once
}

func NewCapture(src io.ReadCloser, enc Encoder, track SampleTrack) *Capture {
	c := &Capture{
		src:   src,
		enc:   enc,
		track: track,
		subs:  make(map[int]chan []byte),
		done:  make(chan struct{}),
	}
	c.enabled.Store(true)
	go c.pump()
	return c
}

func (c *Capture) Track() webrtc.TrackLocal { return c.track }

// SetEnabled switches the outgoing track between live audio and silence. Subscribers keep
// receiving microphone audio either way.
func (c *Capture) SetEnabled(enabled bool) { c.enabled.Store(enabled) }

func (c *Capture) Enabled() bool { return c.enabled.Load() }

func (c *Capture) SampleRate() int { return CaptureSampleRate }

func (c *Capture) Subscribe() (<-chan []byte, func()) {
	ch := make(chan []byte, subscriberBuffer)
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := c.nextID
	c.nextID++
	c.subs[id] = ch
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if sub, ok := c.subs[id]; ok {
				delete(c.subs, id)
				close(sub)
			}
		})
	}
}

// Done is closed when the source is exhausted or the capture is closed.
func (c *Capture) Done() <-chan struct{} { return c.done }

// Close releases the device and waits for the pump to exit.
func (c *Capture) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closing.Store(true)
		err = c.src.Close()
		<-c.done
	})
	return err
}

func (c *Capture) pump() {
	defer c.finish()

	buf := make([]byte, frameBytes)
	pcm := make([]int16, frameSamples)
	silence := make([]int16, frameSamples)
	packet := make([]byte, maxPacketBytes)
	var writeErrors int

	for {
		if _, err := io.ReadFull(c.src, buf); err != nil {
			if !c.closing.Load() && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				log.Printf("audio: capture read: %v", err)
			}
			return
		}

		bytesToPCM(buf, pcm)
		in := pcm
		if !c.enabled.Load() {
			in = silence
		}
		n, err := c.enc.Encode(in, packet)
		if err != nil {
			log.Printf("audio: encode frame: %v", err)
			continue
		}
		if err := c.track.WriteSample(media.Sample{Data: packet[:n], Duration: frameDuration}); err != nil {
			writeErrors++
			if writeErrors == 1 || writeErrors%500 == 0 {
				log.Printf("audio: write sample (%d errors): %v", writeErrors, err)
			}
		}

		c.fanout(buf)
	}
}

func (c *Capture) fanout(buf []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.subs) == 0 {
		return
	}
	frame := append([]byte(nil), buf...)
	for _, sub := range c.subs {
		select {
		case sub <- frame:
		default:
			// Slow consumers lose frames rather than stall the microphone.
		}
	}
}

func (c *Capture) finish() {
	c.mu.Lock()
	c.ended = true
	for id, sub := range c.subs {
		delete(c.subs, id)
		close(sub)
	}
	c.mu.Unlock()
	close(c.done)
}

func bytesToPCM(buf []byte, pcm []int16) {
	for i := range pcm {
		pcm[i] = int16(binary.LittleEndian.Uint16(buf[i*2:]))
	}
}

func pcmToBytes(pcm []int16, buf []byte) []byte {
	buf = buf[:0]
	for _, s := range pcm {
		buf = binary.LittleEndian.AppendUint16(buf, uint16(s))
	}
	return buf
}
