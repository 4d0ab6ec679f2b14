package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// SessionClient reaches the backend session service.
type SessionClient struct {
	baseURL string
	client  *http.Client
}

func NewSessionClient(baseURL string, timeout time.Duration) *SessionClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &SessionClient{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
}

func (c *SessionClient) Create(ctx context.Context) (string, error) {
	httpReq, err := newJSONRequest(ctx, http.MethodPost, c.baseURL+"/sessions", nil)
	if err != nil {
		return "", err
	}
	res, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	defer res.Body.Close()

	if err := checkStatus(res, "create_session"); err != nil {
		return "", err
	}
	var out createSessionResponse
	if err := json.NewDecoder(io.LimitReader(res.Body, 64<<10)).Decode(&out); err != nil {
		return "", fmt.Errorf("decode session response: %w", err)
	}
	id := strings.TrimSpace(out.SessionID)
	if id == "" {
		return "", errors.New("session response missing session_id")
	}
	return id, nil
}

type baseIdentifierRequest struct {
	BaseIdentifier string `json:"base_identifier"`
}

// SetBaseIdentifier binds the caller identifier (the phone number) to a chat session.
func (c *SessionClient) SetBaseIdentifier(ctx context.Context, sessionID, baseIdentifier string) error {
	path := c.baseURL + "/sessions/" + url.PathEscape(sessionID) + "/base-identifier"
	httpReq, err := newJSONRequest(ctx, http.MethodPut, path, baseIdentifierRequest{BaseIdentifier: baseIdentifier})
	if err != nil {
		return err
	}
	res, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("set base identifier: %w", err)
	}
	defer res.Body.Close()

	if err := checkStatus(res, "set_base_identifier"); err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 64<<10))
	return nil
}
