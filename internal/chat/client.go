package chat

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

const (
	streamPath = "/insurance/chat/voice-stream"
	askPath    = "/insurance/chat"
)

// Client reaches the insurance chat service over HTTP.
type Client struct {
	baseURL       string
	client        *http.Client
	streamTimeout time.Duration
}

func NewClient(baseURL string, timeout, streamTimeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if streamTimeout <= 0 {
		streamTimeout = 60 * time.Second
	}
	return &Client{
		baseURL:       strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		client:        &http.Client{Timeout: timeout},
		streamTimeout: streamTimeout,
	}
}

// Stream posts req to the voice-stream endpoint and hands decoded text to onChunk as bytes
// arrive.
func (c *Client) Stream(ctx context.Context, req Request, onChunk ChunkHandler) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.streamTimeout)
	defer cancel()

	httpReq, err := c.newRequest(ctx, http.MethodPost, streamPath, req)
	if err != nil {
		return false, err
	}
	httpReq.Header.Set("Accept", "text/plain")

	// Streaming replies may outlive the plain request timeout; ctx bounds them instead.
	streamClient := *c.client
	streamClient.Timeout = 0
	res, err := streamClient.Do(httpReq)
	if err != nil {
		return false, fmt.Errorf("chat stream: %w", err)
	}
	defer res.Body.Close()

	if err := checkStatus(res, "stream"); err != nil {
		return false, err
	}

	var (
		dec      utf8Decoder
		received bool
		buf      = make([]byte, 4<<10)
	)
	for {
		n, readErr := res.Body.Read(buf)
		if n > 0 {
			received = true
			if text := dec.Write(buf[:n]); text != "" && onChunk != nil {
				if err := onChunk(text); err != nil {
					return received, err
				}
			}
		}
		if errors.Is(readErr, io.EOF) {
			if tail := dec.Flush(); tail != "" && onChunk != nil {
				if err := onChunk(tail); err != nil {
					return received, err
				}
			}
			return received, nil
		}
		if readErr != nil {
			return received, fmt.Errorf("chat stream read: %w", readErr)
		}
	}
}

type askResponse struct {
	Answer  string `json:"answer"`
	Message string `json:"message"`
}

// Ask posts req to the one-shot endpoint and returns answer, or message when answer is empty.
func (c *Client) Ask(ctx context.Context, req Request) (string, error) {
	httpReq, err := c.newRequest(ctx, http.MethodPost, askPath, req)
	if err != nil {
		return "", err
	}
	res, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("chat ask: %w", err)
	}
	defer res.Body.Close()

	if err := checkStatus(res, "ask"); err != nil {
		return "", err
	}

	var out askResponse
	if err := json.NewDecoder(io.LimitReader(res.Body, 1<<20)).Decode(&out); err != nil {
		return "", fmt.Errorf("decode chat response: %w", err)
	}
	text := strings.TrimSpace(out.Answer)
	if text == "" {
		text = strings.TrimSpace(out.Message)
	}
	if text == "" {
		return "", ErrEmptyAnswer
	}
	return text, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	return newJSONRequest(ctx, method, c.baseURL+path, body)
}

func newJSONRequest(ctx context.Context, method, url string, body any) (*http.Request, error) {
	var reader io.Reader = http.NoBody
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return httpReq, nil
}

func checkStatus(res *http.Response, op string) error {
	if res.StatusCode >= 200 && res.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
	return &StatusError{Op: op, StatusCode: res.StatusCode, Body: strings.TrimSpace(string(body))}
}
