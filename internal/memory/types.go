package memory

import (
	"context"
	"time"
)

// EntryRecord is one archived transcript entry.
type EntryRecord struct {
	ID             string    `json:"id"`
	BaseIdentifier string    `json:"base_identifier"`
	SessionID      string    `json:"session_id"`
	Speaker        string    `json:"speaker"`
	Text           string    `json:"text"`
	PIIRedacted    bool      `json:"pii_redacted"`
	CreatedAt      time.Time `json:"created_at"`
}

// Store archives transcript entries keyed by the caller's base identifier.
type Store interface {
	SaveEntry(ctx context.Context, record EntryRecord) error
	Recent(ctx context.Context, baseIdentifier string, limit int) ([]EntryRecord, error)
	Close() error
}
