package session

// State is the lifecycle phase of one call attempt.
type State string

const (
	StateIdle        State = "idle"
	StateConnecting  State = "connecting"
	StateNegotiating State = "negotiating"
	StateConnected   State = "connected"
	StateEnding      State = "ending"
	StateEnded       State = "ended"
)

var transitions = map[State][]State{
	StateIdle:        {StateConnecting},
	StateConnecting:  {StateNegotiating, StateEnding, StateEnded},
	StateNegotiating: {StateConnected, StateEnding, StateEnded},
	StateConnected:   {StateEnding},
	StateEnding:      {StateEnded},
	StateEnded:       {StateConnecting},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Active reports whether a call attempt currently owns the session.
func (s State) Active() bool {
	switch s {
	case StateConnecting, StateNegotiating, StateConnected, StateEnding:
		return true
	default:
		return false
	}
}

// Setup reports whether the call is still being established.
func (s State) Setup() bool {
	return s == StateConnecting || s == StateNegotiating
}
