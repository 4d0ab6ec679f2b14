package voice

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/voicecall/internal/reliability"
	"github.com/gorilla/websocket"
)

type ElevenLabsConfig struct {
	APIKey     string
	WSBaseURL  string
	STTModelID string
}

// ElevenLabsRecognizer streams microphone audio to the ElevenLabs realtime
// speech-to-text websocket.
type ElevenLabsRecognizer struct {
	cfg    ElevenLabsConfig
	dialer *websocket.Dialer
}

func NewElevenLabsRecognizer(cfg ElevenLabsConfig) *ElevenLabsRecognizer {
	if strings.TrimSpace(cfg.WSBaseURL) == "" {
		cfg.WSBaseURL = "wss://api.elevenlabs.io"
	}
	if strings.TrimSpace(cfg.STTModelID) == "" {
		cfg.STTModelID = "scribe_v1"
	}
	return &ElevenLabsRecognizer{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

func (r *ElevenLabsRecognizer) Start(ctx context.Context, feed AudioFeed) (RecognitionStream, error) {
	u, err := url.Parse(strings.TrimRight(r.cfg.WSBaseURL, "/") + "/v1/speech-to-text/realtime")
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("model_id", r.cfg.STTModelID)
	q.Set("commit_strategy", "vad")
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("xi-api-key", r.cfg.APIKey)

	conn, _, err := r.dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		return nil, fmt.Errorf("dial stt websocket: %w", err)
	}

	frames, unsubscribe := feed.Subscribe()
	s := &elevenStream{
		conn:        conn,
		results:     make(chan Result, 64),
		done:        make(chan struct{}),
		unsubscribe: unsubscribe,
		sampleRate:  feed.SampleRate(),
	}
	go s.writeLoop(frames)
	go s.readLoop()
	return s, nil
}

type elevenStream struct {
	conn        *websocket.Conn
	writeMu     sync.Mutex
	results     chan Result
	done        chan struct{}
	stopOnce    sync.Once
	unsubscribe func()
	sampleRate  int
}

func (s *elevenStream) Results() <-chan Result { return s.results }

// Stop closes the socket; the read loop then closes Results.
func (s *elevenStream) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.done)
		s.unsubscribe()
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}

func (s *elevenStream) writeLoop(frames <-chan []byte) {
	sampleRate := s.sampleRate
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	for {
		select {
		case <-s.done:
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			payload := map[string]any{
				"message_type":  "input_audio_chunk",
				"audio_base_64": base64.StdEncoding.EncodeToString(frame),
				"commit":        false,
				"sample_rate":   sampleRate,
			}
			s.writeMu.Lock()
			_ = s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			err := s.conn.WriteJSON(payload)
			s.writeMu.Unlock()
			if err != nil {
				_ = s.conn.Close()
				return
			}
		}
	}
}

func (s *elevenStream) readLoop() {
	defer close(s.results)
	defer s.unsubscribe()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			continue
		}
		messageType := asString(raw["message_type"])
		var res Result
		switch messageType {
		case "partial_transcript":
			res.Interim = asString(raw["text"])
		case "committed_transcript", "committed_transcript_with_timestamps":
			res.Final = []string{asString(raw["text"])}
		case "session_started", "", "input_audio_chunk":
			continue
		default:
			log.Printf("voice: stt error type=%s retryable=%v detail=%s",
				messageType, reliability.IsRetryableRealtimeMessageType(messageType), asString(raw["error"]))
			// A closed results channel lets the capture loop decide about restarting.
			return
		}
		select {
		case s.results <- res:
		case <-s.done:
			return
		}
	}
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}
