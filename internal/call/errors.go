package call

import (
	"errors"
	"fmt"
)

var (
	ErrCallInProgress = errors.New("call already in progress")
	ErrNotConnected   = errors.New("call not connected")
	ErrCallEnded      = errors.New("call ended during setup")
)

// Setup stages reported by SetupError.
const (
	StageSignaling   = "signaling"
	StageMedia       = "media"
	StageNegotiation = "negotiation"
)

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// SetupError reports the step at which StartCall gave up.
type SetupError struct {
	Stage string
	Err   error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("call setup failed at %s: %v", e.Stage, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }
