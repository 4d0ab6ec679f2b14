package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/ent0n29/voicecall/internal/call"
	"github.com/ent0n29/voicecall/internal/chat"
	"github.com/ent0n29/voicecall/internal/config"
	"github.com/ent0n29/voicecall/internal/httpapi"
	"github.com/ent0n29/voicecall/internal/memory"
	"github.com/ent0n29/voicecall/internal/observability"
	"github.com/ent0n29/voicecall/internal/rtc"
	"github.com/ent0n29/voicecall/internal/signaling"
	"github.com/ent0n29/voicecall/internal/voice"
)

type VoiceInfo struct {
	Recognizer string
	Detail     string
}

type BuildResult struct {
	Config       config.Config
	API          *httpapi.Server
	Orchestrator *call.Orchestrator
	Store        memory.Store
	Metrics      *observability.Metrics
	Voice        VoiceInfo

	// Cleanup should be called on shutdown to release external resources (DB, audio processes, etc).
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	store, err := memory.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("transcript store init failed: %w", err)
	}

	transports, err := rtc.NewPionFactory(cfg.ICE)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("webrtc init failed: %w", err)
	}

	voiceSetup, err := resolveVoice(cfg, metrics)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	streamer, asker, sessions := resolveChat(cfg)
	limits := voice.Limits{MaxSentences: cfg.VoiceMaxSentences, MaxChars: cfg.VoiceMaxChars}

	callCfg := call.Config{
		Signaling:  signaling.NewClient(cfg.SignalingBaseURL, cfg.HTTPTimeout),
		Transports: transports,
		Sessions:   sessions,
		Responder:  chat.NewConsumer(streamer, asker, limits, metrics),
		Devices:    voiceSetup.devices,
		Recognizer: voiceSetup.recognizer,
		Archive:    store,
		Metrics:    metrics,
		Greeting:   cfg.CallGreeting,
		RecordDir:  cfg.AudioRecordDir,
	}
	// Typed nils must not leak into the orchestrator's optional interfaces.
	if voiceSetup.speaker != nil {
		callCfg.Speaker = voiceSetup.speaker
	}
	if voiceSetup.remote != nil {
		callCfg.RemoteAudio = voiceSetup.remote
	}
	orchestrator := call.NewOrchestrator(callCfg)

	api := httpapi.New(cfg, orchestrator, store, metrics)

	cleanup := func() error {
		var errs []string
		if err := orchestrator.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if voiceSetup.cleanup != nil {
			if err := voiceSetup.cleanup(); err != nil {
				errs = append(errs, err.Error())
			}
		}
		if err := store.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:       cfg,
		API:          api,
		Orchestrator: orchestrator,
		Store:        store,
		Metrics:      metrics,
		Voice: VoiceInfo{
			Recognizer: voiceSetup.resolved,
			Detail:     voiceSetup.detail,
		},
		Cleanup: cleanup,
	}, nil
}

// resolveChat picks HTTP clients for the chat and session services, or the canned mock
// when a URL is set to "mock".
func resolveChat(cfg config.Config) (chat.Streamer, chat.Asker, chat.SessionService) {
	var (
		streamer chat.Streamer
		asker    chat.Asker
		sessions chat.SessionService
	)
	if isMock(cfg.ChatServiceURL) {
		mock := chat.NewMockClient()
		streamer, asker = mock, mock
	} else {
		client := chat.NewClient(cfg.ChatServiceURL, cfg.HTTPTimeout, cfg.ChatStreamTimeout)
		streamer, asker = client, client
	}
	if isMock(cfg.SessionServiceURL) {
		sessions = chat.NewMockClient()
	} else {
		sessions = chat.NewSessionClient(cfg.SessionServiceURL, cfg.HTTPTimeout)
	}
	return streamer, asker, sessions
}

func isMock(raw string) bool {
	return strings.EqualFold(strings.TrimSpace(raw), "mock")
}
