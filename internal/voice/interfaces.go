package voice

import (
	"context"
	"errors"
)

// ErrPlaybackBlocked is returned by a Player that cannot emit audio on this host.
var ErrPlaybackBlocked = errors.New("playback blocked")

// AudioFeed fans out captured microphone audio as 16-bit little-endian mono PCM frames.
type AudioFeed interface {
	// Subscribe returns a frame channel and a function that ends the subscription. The
	// function is safe to call more than once.
	Subscribe() (<-chan []byte, func())
	SampleRate() int
}

// Result is one recognition event. Final holds finalized segments in order; Interim is
// the current unstable hypothesis.
type Result struct {
	Final   []string
	Interim string
}

// RecognitionStream ends when its Results channel is closed.
type RecognitionStream interface {
	Results() <-chan Result
	Stop() error
}

type Recognizer interface {
	Start(ctx context.Context, feed AudioFeed) (RecognitionStream, error)
}

// Clip is synthesized speech ready for playback.
type Clip struct {
	Data   []byte
	Format string
}

type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (Clip, error)
}

type Player interface {
	Play(ctx context.Context, clip Clip) error
}
