package httpapi

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os/exec"
	"strings"
	"time"
)

type setupCheck struct {
	ID     string `json:"id"`
	Status string `json:"status"` // ok|warn|error
	Label  string `json:"label"`
	Detail string `json:"detail,omitempty"`
	Fix    string `json:"fix,omitempty"`
}

type setupStatusResponse struct {
	Recognizer  string       `json:"recognizer"`
	ArchiveMode string       `json:"archive_mode"`
	Checks      []setupCheck `json:"checks"`
}

func (s *Server) handleSetupStatus(w http.ResponseWriter, _ *http.Request) {
	checks := make([]setupCheck, 0, 8)
	checks = append(checks, s.captureChecks()...)
	checks = append(checks, s.playbackChecks()...)
	recognizer, recChecks := s.recognizerChecks()
	checks = append(checks, recChecks...)
	checks = append(checks, s.serviceChecks()...)

	mode := s.archiveMode()
	switch mode {
	case "postgres":
		checks = append(checks, setupCheck{ID: "archive", Status: "ok", Label: "Transcript archive", Detail: "postgres"})
	case "in-memory":
		checks = append(checks, setupCheck{
			ID:     "archive",
			Status: "warn",
			Label:  "Transcript archive",
			Detail: "in-memory only",
			Fix:    "Set DATABASE_URL to keep call history across restarts.",
		})
	default:
		checks = append(checks, setupCheck{ID: "archive", Status: "warn", Label: "Transcript archive", Detail: mode})
	}

	respondJSON(w, http.StatusOK, setupStatusResponse{
		Recognizer:  recognizer,
		ArchiveMode: mode,
		Checks:      checks,
	})
}

func (s *Server) captureChecks() []setupCheck {
	if strings.EqualFold(s.cfg.AudioCapture, "none") {
		return []setupCheck{{
			ID:     "capture",
			Status: "warn",
			Label:  "Microphone",
			Detail: "capture disabled; calls send silence",
			Fix:    "Set AUDIO_CAPTURE=ffmpeg to use the local microphone.",
		}}
	}
	return []setupCheck{binaryCheck("capture", "Microphone (ffmpeg)", s.cfg.FFmpegPath, "ffmpeg", "error",
		"Install ffmpeg or set AUDIO_CAPTURE=none.")}
}

func (s *Server) playbackChecks() []setupCheck {
	if strings.EqualFold(s.cfg.AudioPlayback, "none") {
		return []setupCheck{{
			ID:     "playback",
			Status: "warn",
			Label:  "Speaker",
			Detail: "playback disabled; replies are transcript only",
		}}
	}
	return []setupCheck{binaryCheck("playback", "Speaker (ffplay)", s.cfg.FFplayPath, "ffplay", "warn",
		"Install ffplay (ships with ffmpeg) to hear replies.")}
}

func binaryCheck(id, label, path, fallback, missingStatus, fix string) setupCheck {
	path = strings.TrimSpace(path)
	if path == "" {
		path = fallback
	}
	if _, err := exec.LookPath(path); err != nil {
		return setupCheck{ID: id, Status: missingStatus, Label: label, Detail: path + " not found", Fix: fix}
	}
	return setupCheck{ID: id, Status: "ok", Label: label, Detail: path + " found"}
}

// recognizerChecks mirrors the selection done at startup and reports the mode in use.
func (s *Server) recognizerChecks() (string, []setupCheck) {
	mode := strings.ToLower(strings.TrimSpace(s.cfg.Recognizer))
	if mode == "" {
		mode = "auto"
	}
	hasKey := strings.TrimSpace(s.cfg.ElevenLabsAPIKey) != ""

	switch mode {
	case "elevenlabs":
		if !hasKey {
			return mode, []setupCheck{{
				ID:     "recognizer",
				Status: "error",
				Label:  "Speech recognition (ElevenLabs)",
				Detail: "ELEVENLABS_API_KEY is not set",
				Fix:    "Set ELEVENLABS_API_KEY or RECOGNIZER=mock.",
			}}
		}
		return mode, []setupCheck{{ID: "recognizer", Status: "ok", Label: "Speech recognition (ElevenLabs)", Detail: "API key present"}}
	case "mock":
		return mode, []setupCheck{{
			ID:     "recognizer",
			Status: "warn",
			Label:  "Speech recognition (mock)",
			Detail: "utterances are scripted placeholders",
		}}
	case "none":
		return mode, []setupCheck{{
			ID:     "recognizer",
			Status: "warn",
			Label:  "Speech recognition",
			Detail: "disabled; use POST /v1/call/utterance to send text",
		}}
	default:
		if hasKey {
			return "elevenlabs", []setupCheck{{ID: "recognizer", Status: "ok", Label: "Speech recognition (ElevenLabs)", Detail: "API key present"}}
		}
		return "none", []setupCheck{{
			ID:     "recognizer",
			Status: "warn",
			Label:  "Speech recognition",
			Detail: "ElevenLabs not configured; calls run without transcription",
			Fix:    "Set ELEVENLABS_API_KEY, or RECOGNIZER=mock for scripted test utterances.",
		}}
	}
}

func (s *Server) serviceChecks() []setupCheck {
	services := []struct{ id, label, raw string }{
		{"signaling", "Signaling server", s.cfg.SignalingBaseURL},
		{"sessions", "Session service", s.cfg.SessionServiceURL},
		{"chat", "Chat service", s.cfg.ChatServiceURL},
		{"tts", "Speech synthesis service", s.cfg.TTSServiceURL},
	}
	checks := make([]setupCheck, 0, len(services))
	for _, svc := range services {
		raw := strings.TrimSpace(svc.raw)
		if strings.EqualFold(raw, "mock") {
			checks = append(checks, setupCheck{ID: svc.id, Status: "warn", Label: svc.label, Detail: "mock"})
			continue
		}
		if err := probeTCP(raw); err != nil {
			checks = append(checks, setupCheck{
				ID:     svc.id,
				Status: "warn",
				Label:  svc.label,
				Detail: fmt.Sprintf("%s unreachable: %v", raw, err),
			})
			continue
		}
		checks = append(checks, setupCheck{ID: svc.id, Status: "ok", Label: svc.label, Detail: raw})
	}
	return checks
}

func probeTCP(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	host := strings.TrimSpace(u.Host)
	if host == "" {
		return fmt.Errorf("host missing")
	}
	addr := host
	if u.Port() == "" {
		port := "80"
		if u.Scheme == "https" || u.Scheme == "wss" {
			port = "443"
		}
		addr = net.JoinHostPort(u.Hostname(), port)
	}
	c, err := net.DialTimeout("tcp", addr, 250*time.Millisecond)
	if err != nil {
		return err
	}
	_ = c.Close()
	return nil
}
