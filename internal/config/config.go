package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ent0n29/voicecall/internal/rtc"
)

// Config contains all runtime settings for the voice call daemon.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	SignalingBaseURL  string
	SessionServiceURL string
	ChatServiceURL    string
	TTSServiceURL     string
	HTTPTimeout       time.Duration
	ChatStreamTimeout time.Duration

	ICE rtc.ICEConfig

	VoiceMaxSentences int
	VoiceMaxChars     int
	CallGreeting      string

	AudioCapture     string
	AudioPlayback    string
	FFmpegPath       string
	FFplayPath       string
	AudioInputFormat string
	AudioInputDevice string
	AudioRecordDir   string

	Recognizer           string
	ElevenLabsAPIKey     string
	ElevenLabsWSBaseURL  string
	ElevenLabsSTTModelID string

	DatabaseURL            string
	TranscriptHistoryLimit int
}

var (
	defaultSTUNURLs = []string{"stun:stun.l.google.com:19302", "stun:stun1.l.google.com:19302"}
	defaultTURNURLs = []string{"turn:openrelay.metered.ca:80"}
)

// Load reads settings from the environment, then the dotenv file named by APP_ENV_FILE,
// then the YAML file named by APP_CONFIG_FILE, and applies defaults for the rest.
func Load() (Config, error) {
	src, err := newSource()
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		BindAddr:          src.envOrDefault("APP_BIND_ADDR", ":8090"),
		MetricsNamespace:  src.envOrDefault("APP_METRICS_NAMESPACE", "voicecall"),
		SignalingBaseURL:  src.envOrDefault("SIGNALING_BASE_URL", "http://localhost:8080/api"),
		SessionServiceURL: src.envOrDefault("SESSION_SERVICE_URL", "http://localhost:8000/api/v1"),
		ChatServiceURL:    src.envOrDefault("CHAT_SERVICE_URL", "http://localhost:8000/api/v1"),
		TTSServiceURL:     src.envOrDefault("TTS_SERVICE_URL", "http://localhost:8000/api/v1"),
		ICE: rtc.ICEConfig{
			STUNURLs:       src.listOrDefault("ICE_STUN_URLS", defaultSTUNURLs),
			TURNURLs:       src.listOrDefault("ICE_TURN_URLS", defaultTURNURLs),
			TURNUsername:   src.envOrDefault("ICE_TURN_USERNAME", "openrelayproject"),
			TURNCredential: src.envOrDefault("ICE_TURN_CREDENTIAL", "openrelayproject"),
		},
		CallGreeting:         src.envOrDefault("CALL_GREETING", ""),
		AudioCapture:         strings.ToLower(src.envOrDefault("AUDIO_CAPTURE", "ffmpeg")),
		AudioPlayback:        strings.ToLower(src.envOrDefault("AUDIO_PLAYBACK", "ffplay")),
		FFmpegPath:           src.envOrDefault("FFMPEG_PATH", "ffmpeg"),
		FFplayPath:           src.envOrDefault("FFPLAY_PATH", "ffplay"),
		AudioInputFormat:     src.trimmed("AUDIO_INPUT_FORMAT"),
		AudioInputDevice:     src.trimmed("AUDIO_INPUT_DEVICE"),
		AudioRecordDir:       src.trimmed("AUDIO_RECORD_DIR"),
		Recognizer:           strings.ToLower(src.envOrDefault("RECOGNIZER", "auto")),
		ElevenLabsAPIKey:     src.trimmed("ELEVENLABS_API_KEY"),
		ElevenLabsWSBaseURL:  src.envOrDefault("ELEVENLABS_WS_BASE_URL", "wss://api.elevenlabs.io"),
		ElevenLabsSTTModelID: src.envOrDefault("ELEVENLABS_STT_MODEL_ID", "scribe_v2_realtime"),
		DatabaseURL:          src.trimmed("DATABASE_URL"),

		ShutdownTimeout:        15 * time.Second,
		HTTPTimeout:            10 * time.Second,
		ChatStreamTimeout:      60 * time.Second,
		VoiceMaxSentences:      2,
		VoiceMaxChars:          280,
		TranscriptHistoryLimit: 50,
	}

	cfg.ShutdownTimeout, err = src.durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.HTTPTimeout, err = src.durationFromEnv("HTTP_TIMEOUT", cfg.HTTPTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ChatStreamTimeout, err = src.durationFromEnv("CHAT_STREAM_TIMEOUT", cfg.ChatStreamTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = src.boolFromEnv("APP_ALLOW_ANY_ORIGIN", false)
	if err != nil {
		return Config{}, err
	}
	cfg.VoiceMaxSentences, err = src.intFromEnv("VOICE_MAX_SENTENCES", cfg.VoiceMaxSentences)
	if err != nil {
		return Config{}, err
	}
	cfg.VoiceMaxChars, err = src.intFromEnv("VOICE_MAX_CHARS", cfg.VoiceMaxChars)
	if err != nil {
		return Config{}, err
	}
	cfg.TranscriptHistoryLimit, err = src.intFromEnv("TRANSCRIPT_HISTORY_LIMIT", cfg.TranscriptHistoryLimit)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("APP_SHUTDOWN_TIMEOUT must be positive")
	}
	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("HTTP_TIMEOUT must be positive")
	}
	if c.ChatStreamTimeout < c.HTTPTimeout {
		return fmt.Errorf("CHAT_STREAM_TIMEOUT must be at least HTTP_TIMEOUT")
	}
	if c.VoiceMaxSentences <= 0 {
		return fmt.Errorf("VOICE_MAX_SENTENCES must be positive")
	}
	if c.VoiceMaxChars < 20 {
		return fmt.Errorf("VOICE_MAX_CHARS must be at least 20")
	}
	if c.TranscriptHistoryLimit <= 0 {
		return fmt.Errorf("TRANSCRIPT_HISTORY_LIMIT must be positive")
	}
	if strings.TrimSpace(c.SignalingBaseURL) == "" {
		return fmt.Errorf("SIGNALING_BASE_URL is required")
	}
	switch c.AudioCapture {
	case "ffmpeg", "none":
	default:
		return fmt.Errorf("AUDIO_CAPTURE must be ffmpeg or none, got %q", c.AudioCapture)
	}
	switch c.AudioPlayback {
	case "ffplay", "none":
	default:
		return fmt.Errorf("AUDIO_PLAYBACK must be ffplay or none, got %q", c.AudioPlayback)
	}
	switch c.Recognizer {
	case "auto", "elevenlabs", "mock", "none":
	default:
		return fmt.Errorf("RECOGNIZER must be auto, elevenlabs, mock or none, got %q", c.Recognizer)
	}
	if c.Recognizer == "elevenlabs" && c.ElevenLabsAPIKey == "" {
		return fmt.Errorf("RECOGNIZER=elevenlabs requires ELEVENLABS_API_KEY")
	}
	return nil
}

func (s *source) envOrDefault(key, fallback string) string {
	v := s.lookup(key)
	if v == "" {
		return fallback
	}
	return v
}

func (s *source) trimmed(key string) string {
	return strings.TrimSpace(s.lookup(key))
}

func (s *source) listOrDefault(key string, fallback []string) []string {
	v := s.trimmed(key)
	if v == "" {
		return append([]string(nil), fallback...)
	}
	if v == "-" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (s *source) durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := s.trimmed(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func (s *source) intFromEnv(key string, fallback int) (int, error) {
	v := s.trimmed(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func (s *source) boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(s.trimmed(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}

func getenv(key string) string { return os.Getenv(key) }
