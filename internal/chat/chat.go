package chat

import (
	"context"
	"errors"
	"fmt"

	"github.com/ent0n29/voicecall/internal/reliability"
)

var (
	// ErrStreamInterrupted reports a stream that failed after data arrived. The partial
	// reply is discarded.
	ErrStreamInterrupted = errors.New("chat stream interrupted")
	// ErrUnavailable reports that neither the stream nor the one-shot request produced a reply.
	ErrUnavailable = errors.New("chat service unavailable")
	ErrEmptyAnswer = errors.New("chat answer empty")
)

// Request is the payload of both chat endpoints.
type Request struct {
	SessionID string `json:"session_id"`
	Prompt    string `json:"prompt"`
}

// ChunkHandler receives decoded stream text in arrival order.
type ChunkHandler func(chunk string) error

// Streamer issues a streaming chat request. received reports whether any response byte
// arrived before the stream ended or failed.
type Streamer interface {
	Stream(ctx context.Context, req Request, onChunk ChunkHandler) (received bool, err error)
}

// Asker issues a one-shot chat request.
type Asker interface {
	Ask(ctx context.Context, req Request) (string, error)
}

// SessionService creates backend chat sessions and binds them to a caller.
type SessionService interface {
	Create(ctx context.Context) (string, error)
	SetBaseIdentifier(ctx context.Context, sessionID, baseIdentifier string) error
}

// StatusError is a non-2xx reply from the chat or session service.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("chat %s status %d: %s", e.Op, e.StatusCode, e.Body)
}

func (e *StatusError) Retryable() bool {
	return reliability.IsRetryableHTTPStatus(e.StatusCode)
}

// IsRetryable reports whether err is worth retrying on a later utterance.
func IsRetryable(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Retryable()
	}
	return reliability.IsTransportError(err)
}
