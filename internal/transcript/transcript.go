package transcript

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Speaker string

const (
	SpeakerSystem Speaker = "system"
	SpeakerAgent  Speaker = "agent"
	SpeakerUser   Speaker = "user"
)

// Entry is one line of the call transcript.
type Entry struct {
	ID        string    `json:"id"`
	Speaker   Speaker   `json:"speaker"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Log is an append-only, ordered transcript. Entries are never edited once appended.
type Log struct {
	mu      sync.RWMutex
	entries []Entry
	now     func() time.Time
}

func NewLog() *Log {
	return &Log{now: time.Now}
}

// Append adds an entry and returns it. Blank text is ignored and reported with ok=false.
func (l *Log) Append(speaker Speaker, text string) (Entry, bool) {
	if strings.TrimSpace(text) == "" {
		return Entry{}, false
	}
	entry := Entry{
		ID:        uuid.NewString(),
		Speaker:   speaker,
		Text:      text,
		Timestamp: l.now().UTC(),
	}

	l.mu.Lock()
	l.entries = append(l.entries, entry)
	l.mu.Unlock()
	return entry, true
}

// Entries returns a copy of the transcript in append order.
func (l *Log) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Reset clears the transcript. Only a new call or an ended call resets it.
func (l *Log) Reset() {
	l.mu.Lock()
	l.entries = nil
	l.mu.Unlock()
}
