package voice

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/voicecall/internal/observability"
	"github.com/ent0n29/voicecall/internal/reliability"
)

const (
	defaultRestartBase = 200 * time.Millisecond
	defaultRestartCap  = 5 * time.Second
	defaultStableAfter = 3 * time.Second
)

// CaptureConfig wires a CaptureLoop to its recognizer and callbacks.
type CaptureConfig struct {
	Recognizer Recognizer
	Feed       AudioFeed
	// OnFinal receives each non-empty finalized utterance, trimmed.
	OnFinal func(text string)
	// OnInterim receives unstable hypotheses for display only.
	OnInterim func(text string)
	// ShouldRestart reports whether the call is still live when recognition ends on its own.
	ShouldRestart func() bool
	Metrics       *observability.Metrics
	RestartBase   time.Duration
	RestartCap    time.Duration
	// StableAfter is how long a stream must stay up, when it delivers nothing, before its
	// end no longer counts toward the restart backoff.
	StableAfter time.Duration
}

// CaptureLoop keeps continuous recognition running for the life of a call.
type CaptureLoop struct {
	cfg CaptureConfig

	mu       sync.Mutex
	started  bool
	detached bool
	stream   RecognitionStream
	cancel   context.CancelFunc
	done     chan struct{}
	doneOnce sync.Once
}

func NewCaptureLoop(cfg CaptureConfig) *CaptureLoop {
	if cfg.RestartBase <= 0 {
		cfg.RestartBase = defaultRestartBase
	}
	if cfg.RestartCap <= 0 {
		cfg.RestartCap = defaultRestartCap
	}
	if cfg.StableAfter <= 0 {
		cfg.StableAfter = defaultStableAfter
	}
	return &CaptureLoop{cfg: cfg, done: make(chan struct{})}
}

// Start begins recognition. It is a no-op when no recognizer is configured.
func (l *CaptureLoop) Start(ctx context.Context) error {
	if l.cfg.Recognizer == nil {
		l.finish()
		return nil
	}

	l.mu.Lock()
	if l.started || l.detached {
		l.mu.Unlock()
		return nil
	}
	l.started = true
	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.mu.Unlock()

	stream, err := l.cfg.Recognizer.Start(runCtx, l.cfg.Feed)
	if err != nil {
		cancel()
		l.mu.Lock()
		l.detached = true
		l.mu.Unlock()
		l.finish()
		return err
	}
	if !l.attach(stream) {
		_ = stream.Stop()
		l.finish()
		return nil
	}

	go l.run(runCtx, stream)
	return nil
}

// Stop detaches the end handler and then stops recognition, so the stream ending is
// never mistaken for a spontaneous end.
func (l *CaptureLoop) Stop() {
	l.mu.Lock()
	if l.detached {
		l.mu.Unlock()
		return
	}
	l.detached = true
	started := l.started
	stream := l.stream
	l.stream = nil
	cancel := l.cancel
	l.mu.Unlock()

	if !started {
		l.finish()
	}

	if cancel != nil {
		cancel()
	}
	if stream != nil {
		if err := stream.Stop(); err != nil {
			log.Printf("voice: stop recognition: %v", err)
		}
	}
}

// Done is closed once the loop has exited for good.
func (l *CaptureLoop) Done() <-chan struct{} {
	return l.done
}

func (l *CaptureLoop) run(ctx context.Context, stream RecognitionStream) {
	defer l.finish()
	// failures counts consecutive streams that failed to start or ended without doing
	// anything useful; it drives the backoff before the next start.
	failures := 0
	for {
		started := time.Now()
		delivered := false
		for res := range stream.Results() {
			if l.isDetached() {
				continue
			}
			delivered = true
			l.deliver(res)
		}
		if delivered || time.Since(started) >= l.cfg.StableAfter {
			failures = 0
		} else {
			failures++
		}

		next, n, ok := l.restart(ctx, failures)
		if !ok {
			return
		}
		stream, failures = next, n
	}
}

func (l *CaptureLoop) deliver(res Result) {
	if len(res.Final) > 0 {
		text := strings.Join(strings.Fields(strings.Join(res.Final, " ")), " ")
		if text != "" && l.cfg.OnFinal != nil {
			l.cfg.OnFinal(text)
		}
	}
	if interim := strings.TrimSpace(res.Interim); interim != "" && l.cfg.OnInterim != nil {
		l.cfg.OnInterim(interim)
	}
}

func (l *CaptureLoop) restart(ctx context.Context, failures int) (RecognitionStream, int, bool) {
	for {
		if !l.live(ctx) {
			return nil, failures, false
		}
		if failures > 0 {
			if err := reliability.Sleep(ctx, reliability.ExponentialBackoff(failures-1, l.cfg.RestartBase, l.cfg.RestartCap)); err != nil {
				return nil, failures, false
			}
			if !l.live(ctx) {
				return nil, failures, false
			}
		}

		l.cfg.Metrics.RecognizerRestarted()
		stream, err := l.cfg.Recognizer.Start(ctx, l.cfg.Feed)
		if err != nil {
			failures++
			log.Printf("voice: recognition restart failed (consecutive=%d): %v", failures, err)
			continue
		}
		if !l.attach(stream) {
			_ = stream.Stop()
			return nil, failures, false
		}
		return stream, failures, true
	}
}

func (l *CaptureLoop) attach(stream RecognitionStream) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.detached {
		return false
	}
	l.stream = stream
	return true
}

func (l *CaptureLoop) live(ctx context.Context) bool {
	if ctx.Err() != nil || l.isDetached() {
		return false
	}
	return l.cfg.ShouldRestart == nil || l.cfg.ShouldRestart()
}

func (l *CaptureLoop) isDetached() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.detached
}

func (l *CaptureLoop) finish() {
	l.doneOnce.Do(func() { close(l.done) })
}
