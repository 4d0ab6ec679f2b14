package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// MessageType identifies event stream payload variants.
type MessageType string

const (
	TypeTranscriptEntry MessageType = "transcript_entry"
	TypeCallState       MessageType = "call_state"
	TypeSTTPartial      MessageType = "stt_partial"
	TypeErrorEvent      MessageType = "error_event"
	TypeClientControl   MessageType = "client_control"
)

// Client control actions accepted on the event stream.
const (
	ActionEndCall    = "end_call"
	ActionToggleMute = "toggle_mute"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type TranscriptEntry struct {
	Type       MessageType `json:"type"`
	Generation uint64      `json:"generation"`
	ID         string      `json:"id"`
	Speaker    string      `json:"speaker"`
	Text       string      `json:"text"`
	Timestamp  time.Time   `json:"timestamp"`
}

type CallState struct {
	Type       MessageType `json:"type"`
	Generation uint64      `json:"generation"`
	State      string      `json:"state"`
	SessionID  string      `json:"session_id,omitempty"`
	RoomID     string      `json:"room_id,omitempty"`
	Muted      bool        `json:"muted"`
	Connected  bool        `json:"connected"`
}

type STTPartial struct {
	Type       MessageType `json:"type"`
	Generation uint64      `json:"generation"`
	Text       string      `json:"text"`
	TSMs       int64       `json:"ts_ms"`
}

type ErrorEvent struct {
	Type       MessageType `json:"type"`
	Generation uint64      `json:"generation"`
	Code       string      `json:"code"`
	Source     string      `json:"source"`
	Retryable  bool        `json:"retryable"`
	Detail     string      `json:"detail"`
}

type ClientControl struct {
	Type   MessageType `json:"type"`
	Action string      `json:"action"`
}

// ParseEvent decodes a server event by its type tag.
func ParseEvent(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeTranscriptEntry:
		var msg TranscriptEntry
		err := json.Unmarshal(raw, &msg)
		return msg, err
	case TypeCallState:
		var msg CallState
		err := json.Unmarshal(raw, &msg)
		return msg, err
	case TypeSTTPartial:
		var msg STTPartial
		err := json.Unmarshal(raw, &msg)
		return msg, err
	case TypeErrorEvent:
		var msg ErrorEvent
		err := json.Unmarshal(raw, &msg)
		return msg, err
	default:
		return nil, ErrUnsupportedType
	}
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		switch msg.Action {
		case ActionEndCall, ActionToggleMute:
			return msg, nil
		default:
			return nil, fmt.Errorf("invalid client_control action %q", msg.Action)
		}
	default:
		return nil, ErrUnsupportedType
	}
}
