package rtc

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/ent0n29/voicecall/internal/session"
	"github.com/pion/webrtc/v4"
)

type fakeTransport struct {
	mu       sync.Mutex
	emit     func(Event)
	tracks   int
	remote   *webrtc.SessionDescription
	closed   bool
	offerErr error
}

func (t *fakeTransport) AddLocalTrack(webrtc.TrackLocal) error {
	t.mu.Lock()
	t.tracks++
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) CreateOffer() (webrtc.SessionDescription, error) {
	if t.offerErr != nil {
		return webrtc.SessionDescription{}, t.offerErr
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}, nil
}

func (t *fakeTransport) SetRemoteDescription(answer webrtc.SessionDescription) error {
	t.mu.Lock()
	t.remote = &answer
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

type fakeFactory struct {
	transport *fakeTransport
}

func (f *fakeFactory) NewTransport(emit func(Event)) (PeerTransport, error) {
	f.transport.emit = emit
	return f.transport, nil
}

type fakeSignaler struct {
	mu           sync.Mutex
	beforeAnswer func()
	offerErr     error
	failFor      map[string]bool
	answered     bool
	sent         []string
	earlySends   int
}

func (s *fakeSignaler) SendOffer(_ context.Context, _ session.Identifiers, _ webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if s.beforeAnswer != nil {
		s.beforeAnswer()
	}
	if s.offerErr != nil {
		return webrtc.SessionDescription{}, s.offerErr
	}
	s.mu.Lock()
	s.answered = true
	s.mu.Unlock()
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (s *fakeSignaler) SendCandidate(_ context.Context, _ session.Identifiers, c webrtc.ICECandidateInit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.answered {
		s.earlySends++
	}
	s.sent = append(s.sent, c.Candidate)
	if s.failFor[c.Candidate] {
		return errors.New("signaling unavailable")
	}
	return nil
}

func (s *fakeSignaler) sentCandidates() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.sent))
	copy(out, s.sent)
	return out
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func candidate(name string) CandidateGenerated {
	return CandidateGenerated{Candidate: webrtc.ICECandidateInit{Candidate: name}}
}

var testIDs = session.Identifiers{SessionID: "s1", RoomID: "r1"}

func TestNegotiatorFlushesBufferedCandidatesInOrderOnce(t *testing.T) {
	transport := &fakeTransport{}
	signaler := &fakeSignaler{}
	signaler.beforeAnswer = func() {
		transport.emit(candidate("c1"))
		transport.emit(candidate("c2"))
	}
	n := NewNegotiator(signaler, &fakeFactory{transport: transport}, Handlers{})
	defer n.Close()

	if err := n.Negotiate(context.Background(), testIDs, nil); err != nil {
		t.Fatalf("Negotiate() error = %v", err)
	}
	transport.emit(candidate("c3"))

	want := []string{"c1", "c2", "c3"}
	waitFor(t, time.Second, func() bool { return len(signaler.sentCandidates()) == len(want) })
	if got := signaler.sentCandidates(); !reflect.DeepEqual(got, want) {
		t.Fatalf("sent = %v, want %v", got, want)
	}
	if signaler.earlySends != 0 {
		t.Fatalf("%d candidates sent before the answer was applied", signaler.earlySends)
	}
	if transport.remote == nil || transport.remote.SDP != "v=0 answer" {
		t.Fatalf("answer not applied: %+v", transport.remote)
	}
	waitFor(t, time.Second, func() bool { return n.State() == StateNegotiated })

	time.Sleep(20 * time.Millisecond)
	if got := signaler.sentCandidates(); len(got) != len(want) {
		t.Fatalf("candidates resent: %v", got)
	}
}

func TestNegotiatorCandidateFailureDoesNotBlockOthers(t *testing.T) {
	transport := &fakeTransport{}
	signaler := &fakeSignaler{failFor: map[string]bool{"c1": true}}
	signaler.beforeAnswer = func() {
		transport.emit(candidate("c1"))
		transport.emit(candidate("c2"))
	}
	n := NewNegotiator(signaler, &fakeFactory{transport: transport}, Handlers{})
	defer n.Close()

	if err := n.Negotiate(context.Background(), testIDs, nil); err != nil {
		t.Fatalf("Negotiate() error = %v", err)
	}
	waitFor(t, time.Second, func() bool { return len(signaler.sentCandidates()) == 2 })
	if got := signaler.sentCandidates(); !reflect.DeepEqual(got, []string{"c1", "c2"}) {
		t.Fatalf("sent = %v", got)
	}
}

func TestNegotiatorOfferFailure(t *testing.T) {
	transport := &fakeTransport{}
	signaler := &fakeSignaler{offerErr: errors.New("503 from signaling")}
	n := NewNegotiator(signaler, &fakeFactory{transport: transport}, Handlers{})

	err := n.Negotiate(context.Background(), testIDs, nil)
	if err == nil {
		t.Fatalf("Negotiate() expected error")
	}
	if n.State() != StateFailed {
		t.Fatalf("State() = %s, want %s", n.State(), StateFailed)
	}
	if err := n.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !transport.isClosed() {
		t.Fatalf("transport not closed")
	}
}

func TestNegotiatorRejectsSecondNegotiate(t *testing.T) {
	transport := &fakeTransport{}
	n := NewNegotiator(&fakeSignaler{}, &fakeFactory{transport: transport}, Handlers{})
	defer n.Close()

	if err := n.Negotiate(context.Background(), testIDs, nil); err != nil {
		t.Fatalf("Negotiate() error = %v", err)
	}
	if err := n.Negotiate(context.Background(), testIDs, nil); !errors.Is(err, ErrAlreadyNegotiating) {
		t.Fatalf("second Negotiate() error = %v, want ErrAlreadyNegotiating", err)
	}
}

func TestNegotiatorConnectivityHandlers(t *testing.T) {
	transport := &fakeTransport{}
	var (
		mu        sync.Mutex
		connected int
		lost      []webrtc.ICEConnectionState
	)
	n := NewNegotiator(&fakeSignaler{}, &fakeFactory{transport: transport}, Handlers{
		OnConnected: func() {
			mu.Lock()
			connected++
			mu.Unlock()
		},
		OnConnectionLost: func(state webrtc.ICEConnectionState) {
			mu.Lock()
			lost = append(lost, state)
			mu.Unlock()
		},
	})
	defer n.Close()

	if err := n.Negotiate(context.Background(), testIDs, nil); err != nil {
		t.Fatalf("Negotiate() error = %v", err)
	}
	transport.emit(ConnectivityChanged{State: webrtc.ICEConnectionStateChecking})
	transport.emit(ConnectivityChanged{State: webrtc.ICEConnectionStateConnected})
	waitFor(t, time.Second, func() bool { return n.State() == StateConnected })

	transport.emit(ConnectivityChanged{State: webrtc.ICEConnectionStateDisconnected})
	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(lost) == 1
	})
	mu.Lock()
	defer mu.Unlock()
	if connected != 1 {
		t.Fatalf("OnConnected calls = %d, want 1", connected)
	}
	if lost[0] != webrtc.ICEConnectionStateDisconnected {
		t.Fatalf("lost state = %s", lost[0])
	}
}

func TestNegotiatorCloseAbandonsCandidates(t *testing.T) {
	transport := &fakeTransport{}
	signaler := &fakeSignaler{}
	n := NewNegotiator(signaler, &fakeFactory{transport: transport}, Handlers{})
	if err := n.Negotiate(context.Background(), testIDs, nil); err != nil {
		t.Fatalf("Negotiate() error = %v", err)
	}
	waitFor(t, time.Second, func() bool { return n.State() == StateNegotiated })

	if err := n.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := n.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	transport.emit(candidate("late"))
	time.Sleep(20 * time.Millisecond)
	if got := signaler.sentCandidates(); len(got) != 0 {
		t.Fatalf("sent after close = %v", got)
	}
	if n.State() != StateClosed {
		t.Fatalf("State() = %s, want %s", n.State(), StateClosed)
	}
}

func TestICEConfigServers(t *testing.T) {
	cfg := ICEConfig{
		STUNURLs:       []string{"stun:stun.l.google.com:19302", " "},
		TURNURLs:       []string{"turn:openrelay.metered.ca:80"},
		TURNUsername:   "openrelayproject",
		TURNCredential: "openrelayproject",
	}
	servers := cfg.Servers()
	if len(servers) != 2 {
		t.Fatalf("len(Servers()) = %d, want 2", len(servers))
	}
	if len(servers[0].URLs) != 1 || servers[1].Username != "openrelayproject" {
		t.Fatalf("unexpected servers: %+v", servers)
	}
	if got := (ICEConfig{}).Servers(); len(got) != 0 {
		t.Fatalf("empty config servers = %+v", got)
	}
}
