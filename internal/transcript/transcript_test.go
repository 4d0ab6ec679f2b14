package transcript

import (
	"testing"
	"time"
)

func TestLogAppendKeepsOrderAndSkipsBlank(t *testing.T) {
	l := NewLog()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	tick := 0
	l.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	if _, ok := l.Append(SpeakerSystem, "Voice session started. Session ID: s1"); !ok {
		t.Fatalf("Append(system) ok = false")
	}
	if _, ok := l.Append(SpeakerUser, "   "); ok {
		t.Fatalf("Append(blank) ok = true, want false")
	}
	if _, ok := l.Append(SpeakerAgent, "Hello!"); !ok {
		t.Fatalf("Append(agent) ok = false")
	}

	entries := l.Entries()
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}
	if entries[0].Speaker != SpeakerSystem || entries[1].Speaker != SpeakerAgent {
		t.Fatalf("unexpected order: %+v", entries)
	}
	if !entries[0].Timestamp.Before(entries[1].Timestamp) {
		t.Fatalf("timestamps not increasing: %v, %v", entries[0].Timestamp, entries[1].Timestamp)
	}
	if entries[0].ID == "" || entries[0].ID == entries[1].ID {
		t.Fatalf("entry ids not unique: %q %q", entries[0].ID, entries[1].ID)
	}
}

func TestLogEntriesReturnsCopy(t *testing.T) {
	l := NewLog()
	l.Append(SpeakerUser, "hi")
	got := l.Entries()
	got[0].Text = "mutated"
	if l.Entries()[0].Text != "hi" {
		t.Fatalf("Entries() exposed internal slice")
	}
}

func TestLogReset(t *testing.T) {
	l := NewLog()
	l.Append(SpeakerUser, "one")
	l.Append(SpeakerAgent, "two")
	l.Reset()
	if l.Len() != 0 {
		t.Fatalf("Len() = %d after Reset, want 0", l.Len())
	}
}
