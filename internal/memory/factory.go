package memory

import (
	"context"
	"fmt"
	"strings"
)

// NewStore opens the transcript archive: postgres when DATABASE_URL is set, otherwise a
// process-local store that forgets history on restart.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewInMemoryStore(), nil
	}
	store, err := NewPostgresStore(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("transcript archive: %w", err)
	}
	return store, nil
}
