package chat

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
)

// MockClient provides deterministic local replies when no chat service is configured.
type MockClient struct {
	sessions atomic.Int64
}

func NewMockClient() *MockClient { return &MockClient{} }

func (m *MockClient) Stream(ctx context.Context, req Request, onChunk ChunkHandler) (bool, error) {
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	default:
	}

	text := buildMockReply(req)
	for i, word := range strings.SplitAfter(text, " ") {
		if onChunk == nil {
			break
		}
		if err := onChunk(word); err != nil {
			return i > 0, err
		}
	}
	return true, nil
}

func (m *MockClient) Ask(ctx context.Context, req Request) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	return buildMockReply(req), nil
}

func (m *MockClient) Create(context.Context) (string, error) {
	return fmt.Sprintf("mock-session-%d", m.sessions.Add(1)), nil
}

func (m *MockClient) SetBaseIdentifier(context.Context, string, string) error {
	return nil
}

func buildMockReply(req Request) string {
	base := strings.TrimSpace(req.Prompt)
	if base == "" {
		return "I am listening."
	}
	return fmt.Sprintf("I heard you say: %s. What else can I help with?", strings.TrimRight(base, ".!?"))
}
