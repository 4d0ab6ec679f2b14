package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ent0n29/voicecall/internal/audio"
	"github.com/ent0n29/voicecall/internal/call"
	"github.com/ent0n29/voicecall/internal/config"
	"github.com/ent0n29/voicecall/internal/observability"
	"github.com/ent0n29/voicecall/internal/voice"
)

// mockUtterances are played back by the mock recognizer, one per interval of audio.
var mockUtterances = []string{
	"Hi, I'd like to check the status of my claim.",
	"What does my policy cover for water damage?",
	"Thanks, that's all for today.",
}

type voiceSetup struct {
	recognizer voice.Recognizer
	speaker    *voice.Speaker
	devices    call.MediaDevices
	remote     *audio.RemotePlayback
	resolved   string
	detail     string
	cleanup    func() error
}

func resolveRecognizer(cfg config.Config) (voice.Recognizer, string, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Recognizer))
	if mode == "" {
		mode = "auto"
	}
	hasKey := strings.TrimSpace(cfg.ElevenLabsAPIKey) != ""
	elevenLabs := func() voice.Recognizer {
		return voice.NewElevenLabsRecognizer(voice.ElevenLabsConfig{
			APIKey:     cfg.ElevenLabsAPIKey,
			WSBaseURL:  cfg.ElevenLabsWSBaseURL,
			STTModelID: cfg.ElevenLabsSTTModelID,
		})
	}

	switch mode {
	case "elevenlabs":
		if !hasKey {
			return nil, "", fmt.Errorf("RECOGNIZER=elevenlabs but ELEVENLABS_API_KEY is not set")
		}
		return elevenLabs(), "elevenlabs", nil
	case "mock":
		return voice.NewMockRecognizer(6*time.Second, mockUtterances...), "mock", nil
	case "none":
		return nil, "none", nil
	case "auto":
		if hasKey {
			return elevenLabs(), "elevenlabs", nil
		}
		// Scripted utterances would pose as the caller, so the mock is opt-in only.
		return nil, "none", nil
	default:
		return nil, "", fmt.Errorf("invalid RECOGNIZER: %q (expected auto|elevenlabs|mock|none)", cfg.Recognizer)
	}
}

func resolveDevices(cfg config.Config) (call.MediaDevices, string, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.AudioCapture)) {
	case "", "ffmpeg":
		devices := audio.NewFFmpegDevices(audio.FFmpegConfig{
			Path:        cfg.FFmpegPath,
			InputFormat: cfg.AudioInputFormat,
			InputDevice: cfg.AudioInputDevice,
		})
		return call.MediaDevicesFunc(func(ctx context.Context) (call.LocalAudio, error) {
			c, err := devices.AcquireAudio(ctx)
			if err != nil {
				return nil, err
			}
			return c, nil
		}), "ffmpeg", nil
	case "none":
		var devices audio.SilenceDevices
		return call.MediaDevicesFunc(func(ctx context.Context) (call.LocalAudio, error) {
			c, err := devices.AcquireAudio(ctx)
			if err != nil {
				return nil, err
			}
			return c, nil
		}), "silence", nil
	default:
		return nil, "", fmt.Errorf("invalid AUDIO_CAPTURE: %q (expected ffmpeg|none)", cfg.AudioCapture)
	}
}

func resolveVoice(cfg config.Config, metrics *observability.Metrics) (voiceSetup, error) {
	recognizer, resolved, err := resolveRecognizer(cfg)
	if err != nil {
		return voiceSetup{}, err
	}
	devices, captureDetail, err := resolveDevices(cfg)
	if err != nil {
		return voiceSetup{}, err
	}

	setup := voiceSetup{
		recognizer: recognizer,
		devices:    devices,
		resolved:   resolved,
	}
	switch strings.ToLower(strings.TrimSpace(cfg.AudioPlayback)) {
	case "", "ffplay":
		setup.speaker = voice.NewSpeaker(voice.SpeakerConfig{
			Synthesizer: voice.NewHTTPSynthesizer(cfg.TTSServiceURL, cfg.ChatStreamTimeout),
			Player:      audio.NewFFPlayPlayer(cfg.FFplayPath),
			Metrics:     metrics,
		})
		setup.remote = audio.NewRemotePlayback(cfg.FFplayPath)
		setup.detail = fmt.Sprintf("capture=%s playback=ffplay recognizer=%s", captureDetail, resolved)
	case "none":
		setup.detail = fmt.Sprintf("capture=%s playback=none recognizer=%s", captureDetail, resolved)
	default:
		return voiceSetup{}, fmt.Errorf("invalid AUDIO_PLAYBACK: %q (expected ffplay|none)", cfg.AudioPlayback)
	}

	setup.cleanup = func() error {
		if setup.speaker != nil {
			setup.speaker.Close()
		}
		if setup.remote != nil {
			return setup.remote.Close()
		}
		return nil
	}
	return setup, nil
}
