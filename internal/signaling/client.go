package signaling

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

	"github.com/ent0n29/voicecall/internal/reliability"
	"github.com/ent0n29/voicecall/internal/session"
	"github.com/pion/webrtc/v4"
)

var ErrEmptyAnswer = errors.New("signaling answer missing")

// StatusError is a non-2xx reply from the signaling endpoint.
type StatusError struct {
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("signaling %s status %d: %s", e.Path, e.StatusCode, e.Body)
}

func (e *StatusError) Retryable() bool {
	return reliability.IsRetryableHTTPStatus(e.StatusCode)
}

// Client talks to the voice signaling endpoint: session start, SDP offer, trickled candidates.
type Client struct {
	baseURL string
	client  *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type startRequest struct {
	PhoneNumber string `json:"phone_number"`
}

type startResponse struct {
	SessionID string `json:"session_id"`
	RoomID    string `json:"room_id"`
	Token     string `json:"token,omitempty"`
}

type offerRequest struct {
	SessionID string                     `json:"session_id"`
	RoomID    string                     `json:"room_id"`
	Offer     *webrtc.SessionDescription `json:"offer"`
}

type offerResponse struct {
	Answer *webrtc.SessionDescription `json:"answer"`
}

type candidateRequest struct {
	SessionID string                   `json:"session_id"`
	RoomID    string                   `json:"room_id"`
	Candidate *webrtc.ICECandidateInit `json:"candidate"`
}

// StartSession registers a call for phoneNumber and returns its signaling identifiers.
func (c *Client) StartSession(ctx context.Context, phoneNumber string) (session.Identifiers, error) {
	var res startResponse
	if err := c.post(ctx, "/voice/start", startRequest{PhoneNumber: phoneNumber}, &res); err != nil {
		return session.Identifiers{}, err
	}
	ids := session.Identifiers{
		SessionID: strings.TrimSpace(res.SessionID),
		RoomID:    strings.TrimSpace(res.RoomID),
	}
	if ids.SessionID == "" || ids.RoomID == "" {
		return session.Identifiers{}, errors.New("signaling start response missing session_id or room_id")
	}
	return ids, nil
}

func (c *Client) SendOffer(ctx context.Context, ids session.Identifiers, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	var res offerResponse
	req := offerRequest{SessionID: ids.SessionID, RoomID: ids.RoomID, Offer: &offer}
	if err := c.post(ctx, "/voice/offer", req, &res); err != nil {
		return webrtc.SessionDescription{}, err
	}
	if res.Answer == nil || strings.TrimSpace(res.Answer.SDP) == "" {
		return webrtc.SessionDescription{}, ErrEmptyAnswer
	}
	return *res.Answer, nil
}

func (c *Client) SendCandidate(ctx context.Context, ids session.Identifiers, candidate webrtc.ICECandidateInit) error {
	req := candidateRequest{SessionID: ids.SessionID, RoomID: ids.RoomID, Candidate: &candidate}
	return c.post(ctx, "/voice/ice-candidate", req, nil)
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("signaling %s: %w", path, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return &StatusError{Path: path, StatusCode: res.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 64<<10))
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(res.Body, 1<<20)).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
