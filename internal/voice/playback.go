package voice

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/voicecall/internal/observability"
)

const defaultSpeakTimeout = 60 * time.Second

type SpeakerConfig struct {
	Synthesizer Synthesizer
	Player      Player
	Metrics     *observability.Metrics
	// Timeout bounds synthesis plus playback of one text.
	Timeout time.Duration
}

// Speaker plays texts one after another in the order Speak was called.
type Speaker struct {
	synth   Synthesizer
	player  Player
	metrics *observability.Metrics
	timeout time.Duration

	mu            sync.Mutex
	queue         []string
	cancelCurrent context.CancelFunc

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSpeaker(cfg SpeakerConfig) *Speaker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultSpeakTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Speaker{
		synth:   cfg.Synthesizer,
		player:  cfg.Player,
		metrics: cfg.Metrics,
		timeout: cfg.Timeout,
		wake:    make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go s.loop()
	return s
}

// Speak queues text for playback and returns immediately. Blank text is ignored.
func (s *Speaker) Speak(text string) {
	text = strings.TrimSpace(text)
	if text == "" || s.synth == nil || s.player == nil {
		return
	}
	s.mu.Lock()
	s.queue = append(s.queue, text)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Reset drops queued texts and interrupts the one currently playing.
func (s *Speaker) Reset() {
	s.mu.Lock()
	s.queue = nil
	cancel := s.cancelCurrent
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Pending reports how many texts are waiting behind the current one.
func (s *Speaker) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Speaker) Close() {
	s.cancel()
	<-s.done
}

func (s *Speaker) loop() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.wake:
		}
		for {
			text, ok := s.pop()
			if !ok {
				break
			}
			s.speak(text)
			if s.ctx.Err() != nil {
				return
			}
		}
	}
}

func (s *Speaker) pop() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return "", false
	}
	text := s.queue[0]
	s.queue = s.queue[1:]
	return text, true
}

func (s *Speaker) speak(text string) {
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	s.mu.Lock()
	s.cancelCurrent = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.cancelCurrent = nil
		s.mu.Unlock()
		cancel()
	}()

	started := time.Now()
	clip, err := s.synth.Synthesize(ctx, text)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("voice: synthesis failed: %v", err)
			s.metrics.PlaybackResult("synthesis_failed")
		}
		return
	}
	s.metrics.ObserveStage(observability.StageSynthesis, time.Since(started))

	err = s.player.Play(ctx, clip)
	switch {
	case err == nil:
		s.metrics.PlaybackResult("played")
	case errors.Is(err, ErrPlaybackBlocked):
		log.Printf("voice: playback blocked: %v", err)
		s.metrics.PlaybackResult("blocked")
	case ctx.Err() != nil:
		s.metrics.PlaybackResult("interrupted")
	default:
		log.Printf("voice: playback failed: %v", err)
		s.metrics.PlaybackResult("failed")
	}
}
