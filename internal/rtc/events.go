package rtc

import "github.com/pion/webrtc/v4"

// Event is the closed set of transport notifications consumed by the Negotiator.
// Transports deliver them through the emit callback handed to TransportFactory.
type Event interface {
	isEvent()
}

// CandidateGenerated carries one locally gathered ICE candidate.
type CandidateGenerated struct {
	Candidate webrtc.ICECandidateInit
}

// RemoteTrackReceived carries the inbound agent audio track. Track may be nil for transports
// that do not expose media.
type RemoteTrackReceived struct {
	Track *webrtc.TrackRemote
}

// ConnectivityChanged reports an ICE connection state change.
type ConnectivityChanged struct {
	State webrtc.ICEConnectionState
}

// negotiated is posted by the Negotiator itself once the remote answer is applied.
type negotiated struct{}

func (CandidateGenerated) isEvent()  {}
func (RemoteTrackReceived) isEvent() {}
func (ConnectivityChanged) isEvent() {}
func (negotiated) isEvent()          {}
