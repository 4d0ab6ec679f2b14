package call

import (
	"context"

	"github.com/ent0n29/voicecall/internal/chat"
	"github.com/ent0n29/voicecall/internal/rtc"
	"github.com/ent0n29/voicecall/internal/session"
	"github.com/pion/webrtc/v4"
)

// LocalAudio is an acquired microphone: an outgoing track plus a raw PCM feed.
type LocalAudio interface {
	Track() webrtc.TrackLocal
	SetEnabled(enabled bool)
	Subscribe() (<-chan []byte, func())
	SampleRate() int
	Close() error
}

type MediaDevices interface {
	AcquireAudio(ctx context.Context) (LocalAudio, error)
}

// MediaDevicesFunc adapts a function to MediaDevices.
type MediaDevicesFunc func(ctx context.Context) (LocalAudio, error)

func (f MediaDevicesFunc) AcquireAudio(ctx context.Context) (LocalAudio, error) { return f(ctx) }

// Signaling opens the remote voice session and relays negotiation traffic.
type Signaling interface {
	rtc.Signaler
	StartSession(ctx context.Context, phoneNumber string) (session.Identifiers, error)
}

type Responder interface {
	Respond(ctx context.Context, chatSessionID, prompt string, onFirstSentence func(string)) (chat.Reply, error)
}

type Speaker interface {
	Speak(text string)
	Reset()
}

// RemoteAudio renders the agent's inbound track.
type RemoteAudio interface {
	Attach(track *webrtc.TrackRemote) error
}
