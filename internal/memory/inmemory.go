package memory

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const maxEntriesPerIdentifier = 2000

var errMissingIdentifier = errors.New("base identifier is required")

// InMemoryStore keeps the archive in process for local use. Each identifier retains its
// most recent entries only.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string][]EntryRecord
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[string][]EntryRecord)}
}

func (s *InMemoryStore) SaveEntry(_ context.Context, record EntryRecord) error {
	key := strings.TrimSpace(record.BaseIdentifier)
	if key == "" {
		return errMissingIdentifier
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	arr := append(s.records[key], record)
	if len(arr) > maxEntriesPerIdentifier {
		arr = append([]EntryRecord(nil), arr[len(arr)-maxEntriesPerIdentifier:]...)
	}
	s.records[key] = arr
	return nil
}

// Recent returns up to limit entries in chronological order.
func (s *InMemoryStore) Recent(_ context.Context, baseIdentifier string, limit int) ([]EntryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.records[strings.TrimSpace(baseIdentifier)]
	if len(arr) == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > len(arr) {
		limit = len(arr)
	}
	out := make([]EntryRecord, limit)
	copy(out, arr[len(arr)-limit:])
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
