package voice

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MockRecognizer is a local stand-in used when no speech service is configured. It
// consumes the audio feed and emits scripted utterances, one per Interval of audio.
type MockRecognizer struct {
	Interval time.Duration

	mu     sync.Mutex
	script []string
	next   int
}

func NewMockRecognizer(interval time.Duration, script ...string) *MockRecognizer {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &MockRecognizer{Interval: interval, script: script}
}

func (r *MockRecognizer) Start(ctx context.Context, feed AudioFeed) (RecognitionStream, error) {
	var (
		frames      <-chan []byte
		unsubscribe = func() {}
		sampleRate  = 16000
	)
	if feed != nil {
		frames, unsubscribe = feed.Subscribe()
		if sr := feed.SampleRate(); sr > 0 {
			sampleRate = sr
		}
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &mockStream{
		results:     make(chan Result, 16),
		cancel:      cancel,
		unsubscribe: unsubscribe,
	}
	go s.run(ctx, r, frames, sampleRate)
	return s, nil
}

func (r *MockRecognizer) nextUtterance() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.next >= len(r.script) {
		return "", false
	}
	text := r.script[r.next]
	r.next++
	return text, true
}

type mockStream struct {
	results     chan Result
	cancel      context.CancelFunc
	unsubscribe func()
	stopOnce    sync.Once
}

func (s *mockStream) Results() <-chan Result { return s.results }

func (s *mockStream) Stop() error {
	s.stopOnce.Do(func() {
		s.cancel()
		s.unsubscribe()
	})
	return nil
}

func (s *mockStream) run(ctx context.Context, r *MockRecognizer, frames <-chan []byte, sampleRate int) {
	defer close(s.results)
	// 16-bit mono: two bytes per sample.
	bytesPerUtterance := int(r.Interval.Seconds() * float64(sampleRate) * 2)
	heard := 0

	var ticker <-chan time.Time
	if frames == nil {
		t := time.NewTicker(r.Interval)
		defer t.Stop()
		ticker = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			heard += len(frame)
			if heard < bytesPerUtterance {
				continue
			}
			heard = 0
		case <-ticker:
		}

		text, ok := r.nextUtterance()
		if !ok {
			continue
		}
		words := strings.Fields(text)
		if len(words) > 1 {
			s.emit(ctx, Result{Interim: strings.Join(words[:len(words)/2], " ")})
		}
		s.emit(ctx, Result{Final: []string{text}})
	}
}

func (s *mockStream) emit(ctx context.Context, res Result) {
	select {
	case <-ctx.Done():
	case s.results <- res:
	}
}
