package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const maxClipBytes = 16 << 20

// HTTPSynthesizer asks the speech service to render text and returns the audio body.
type HTTPSynthesizer struct {
	url    string
	client *http.Client
}

func NewHTTPSynthesizer(baseURL string, timeout time.Duration) *HTTPSynthesizer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPSynthesizer{
		url:    strings.TrimRight(strings.TrimSpace(baseURL), "/") + "/tts/generate",
		client: &http.Client{Timeout: timeout},
	}
}

func (s *HTTPSynthesizer) Synthesize(ctx context.Context, text string) (Clip, error) {
	payload, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return Clip{}, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return Clip{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := s.client.Do(req)
	if err != nil {
		return Clip{}, fmt.Errorf("tts request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return Clip{}, fmt.Errorf("tts status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	data, err := io.ReadAll(io.LimitReader(res.Body, maxClipBytes))
	if err != nil {
		return Clip{}, fmt.Errorf("read audio: %w", err)
	}
	if len(data) == 0 {
		return Clip{}, errors.New("tts returned empty audio")
	}
	return Clip{Data: data, Format: clipFormat(res.Header.Get("Content-Type"))}, nil
}

func clipFormat(contentType string) string {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "wav"):
		return "wav"
	case strings.Contains(ct, "ogg"):
		return "ogg"
	default:
		return "mp3"
	}
}
