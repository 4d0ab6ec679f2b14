package session

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrAlreadySet = errors.New("identifier already set")

// Identifiers are the signaling-side keys of one call, handed to collaborators by value.
type Identifiers struct {
	SessionID string `json:"session_id"`
	RoomID    string `json:"room_id"`
}

// CallSession is the single owned record of one call attempt. Only the call
// orchestrator mutates it; collaborators receive copies of the fields they need.
type CallSession struct {
	Generation    uint64    `json:"generation"`
	PhoneNumber   string    `json:"phone_number"`
	SessionID     string    `json:"session_id,omitempty"`
	RoomID        string    `json:"room_id,omitempty"`
	ChatSessionID string    `json:"chat_session_id,omitempty"`
	State         State     `json:"state"`
	Muted         bool      `json:"muted"`
	StartedAt     time.Time `json:"started_at"`
}

// New returns a session for a fresh call attempt.
func New(generation uint64, phoneNumber string) *CallSession {
	return &CallSession{
		Generation:  generation,
		PhoneNumber: strings.TrimSpace(phoneNumber),
		State:       StateIdle,
		StartedAt:   time.Now().UTC(),
	}
}

// Identifiers returns the signaling keys.
func (s *CallSession) Identifiers() Identifiers {
	return Identifiers{SessionID: s.SessionID, RoomID: s.RoomID}
}

// AssignSignaling sets the signaling identifiers. They are write-once.
func (s *CallSession) AssignSignaling(ids Identifiers) error {
	if err := writeOnce(&s.SessionID, ids.SessionID, "session_id"); err != nil {
		return err
	}
	return writeOnce(&s.RoomID, ids.RoomID, "room_id")
}

// AssignChatSession sets the backend chat session id. It is write-once.
func (s *CallSession) AssignChatSession(id string) error {
	return writeOnce(&s.ChatSessionID, id, "chat_session_id")
}

// Transition moves the session to next when the move is legal.
func (s *CallSession) Transition(next State) error {
	if !CanTransition(s.State, next) {
		return fmt.Errorf("invalid call transition %s -> %s", s.State, next)
	}
	s.State = next
	return nil
}

func writeOnce(field *string, value, name string) error {
	value = strings.TrimSpace(value)
	if value == "" {
		return fmt.Errorf("%s is empty", name)
	}
	if *field != "" && *field != value {
		return fmt.Errorf("%s: %w", name, ErrAlreadySet)
	}
	*field = value
	return nil
}
