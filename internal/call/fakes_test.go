package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ent0n29/voicecall/internal/chat"
	"github.com/ent0n29/voicecall/internal/rtc"
	"github.com/ent0n29/voicecall/internal/session"
	"github.com/ent0n29/voicecall/internal/voice"
	"github.com/pion/webrtc/v4"
)

type fakeSignaling struct {
	mu       sync.Mutex
	startErr error
	offerErr error
	starts   int
}

func (s *fakeSignaling) StartSession(_ context.Context, phone string) (session.Identifiers, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		return session.Identifiers{}, s.startErr
	}
	s.starts++
	return session.Identifiers{SessionID: "sess-" + phone[len(phone)-2:], RoomID: "room-1"}, nil
}

func (s *fakeSignaling) SendOffer(context.Context, session.Identifiers, webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offerErr != nil {
		return webrtc.SessionDescription{}, s.offerErr
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (s *fakeSignaling) SendCandidate(context.Context, session.Identifiers, webrtc.ICECandidateInit) error {
	return nil
}

type fakeTransport struct {
	mu     sync.Mutex
	emit   func(rtc.Event)
	closed bool
}

func (t *fakeTransport) AddLocalTrack(webrtc.TrackLocal) error { return nil }

func (t *fakeTransport) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}, nil
}

func (t *fakeTransport) SetRemoteDescription(webrtc.SessionDescription) error { return nil }

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

type fakeTransports struct {
	mu         sync.Mutex
	transports []*fakeTransport
}

func (f *fakeTransports) NewTransport(emit func(rtc.Event)) (rtc.PeerTransport, error) {
	t := &fakeTransport{emit: emit}
	f.mu.Lock()
	f.transports = append(f.transports, t)
	f.mu.Unlock()
	return t, nil
}

func (f *fakeTransports) last() *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.transports) == 0 {
		return nil
	}
	return f.transports[len(f.transports)-1]
}

type fakeAudio struct {
	mu      sync.Mutex
	enabled bool
	closed  bool
	feed    chan []byte
	once    sync.Once
}

func newFakeAudio() *fakeAudio {
	return &fakeAudio{enabled: true, feed: make(chan []byte)}
}

func (a *fakeAudio) Track() webrtc.TrackLocal { return nil }

func (a *fakeAudio) SetEnabled(enabled bool) {
	a.mu.Lock()
	a.enabled = enabled
	a.mu.Unlock()
}

func (a *fakeAudio) isEnabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.enabled
}

func (a *fakeAudio) Subscribe() (<-chan []byte, func()) {
	return a.feed, func() { a.once.Do(func() { close(a.feed) }) }
}

func (a *fakeAudio) SampleRate() int { return 16000 }

func (a *fakeAudio) Close() error {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	return nil
}

func (a *fakeAudio) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

type fakeDevices struct {
	mu     sync.Mutex
	err    error
	issued []*fakeAudio
}

func (d *fakeDevices) AcquireAudio(context.Context) (LocalAudio, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	a := newFakeAudio()
	d.issued = append(d.issued, a)
	return a, nil
}

func (d *fakeDevices) last() *fakeAudio {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.issued) == 0 {
		return nil
	}
	return d.issued[len(d.issued)-1]
}

type fakeSessions struct {
	mu        sync.Mutex
	createErr error
	bases     map[string]string
}

func (s *fakeSessions) Create(context.Context) (string, error) {
	if s.createErr != nil {
		return "", s.createErr
	}
	return "chat-1", nil
}

func (s *fakeSessions) SetBaseIdentifier(_ context.Context, id, base string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bases == nil {
		s.bases = make(map[string]string)
	}
	s.bases[id] = base
	return nil
}

type responderFunc func(ctx context.Context, chatSessionID, prompt string, onFirst func(string)) (chat.Reply, error)

func (f responderFunc) Respond(ctx context.Context, chatSessionID, prompt string, onFirst func(string)) (chat.Reply, error) {
	return f(ctx, chatSessionID, prompt, onFirst)
}

type fakeSpeaker struct {
	mu     sync.Mutex
	spoken []string
	resets int
}

func (s *fakeSpeaker) Speak(text string) {
	s.mu.Lock()
	s.spoken = append(s.spoken, text)
	s.mu.Unlock()
}

func (s *fakeSpeaker) Reset() {
	s.mu.Lock()
	s.resets++
	s.mu.Unlock()
}

func (s *fakeSpeaker) said() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.spoken...)
}

func (s *fakeSpeaker) resetCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resets
}

type fakeStream struct {
	results chan voice.Result
	once    sync.Once
}

func (s *fakeStream) Results() <-chan voice.Result { return s.results }

func (s *fakeStream) Stop() error {
	s.once.Do(func() { close(s.results) })
	return nil
}

type fakeRecognizer struct {
	mu      sync.Mutex
	streams []*fakeStream
}

func (r *fakeRecognizer) Start(context.Context, voice.AudioFeed) (voice.RecognitionStream, error) {
	s := &fakeStream{results: make(chan voice.Result, 8)}
	r.mu.Lock()
	r.streams = append(r.streams, s)
	r.mu.Unlock()
	return s, nil
}

func (r *fakeRecognizer) streamCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.streams)
}

func (r *fakeRecognizer) stream(i int) *fakeStream {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i >= len(r.streams) {
		return nil
	}
	return r.streams[i]
}

var errBoom = errors.New("boom")

type harness struct {
	orch       *Orchestrator
	signaling  *fakeSignaling
	transports *fakeTransports
	devices    *fakeDevices
	sessions   *fakeSessions
	speaker    *fakeSpeaker

	mu      sync.Mutex
	respond responderFunc
	prompts []string
}

func newHarness(t *testing.T, mutate func(cfg *Config)) *harness {
	t.Helper()
	h := &harness{
		signaling:  &fakeSignaling{},
		transports: &fakeTransports{},
		devices:    &fakeDevices{},
		sessions:   &fakeSessions{},
		speaker:    &fakeSpeaker{},
	}
	cfg := Config{
		Signaling:  h.signaling,
		Transports: h.transports,
		Sessions:   h.sessions,
		Devices:    h.devices,
		Speaker:    h.speaker,
		Responder: responderFunc(func(ctx context.Context, chatSessionID, prompt string, onFirst func(string)) (chat.Reply, error) {
			h.mu.Lock()
			h.prompts = append(h.prompts, prompt)
			respond := h.respond
			h.mu.Unlock()
			if respond == nil {
				return chat.Reply{Text: "Okay.", Fallback: true}, nil
			}
			return respond(ctx, chatSessionID, prompt, onFirst)
		}),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h.orch = NewOrchestrator(cfg)
	t.Cleanup(func() { _ = h.orch.Close() })
	return h
}

func (h *harness) setResponder(f responderFunc) {
	h.mu.Lock()
	h.respond = f
	h.mu.Unlock()
}

func (h *harness) promptList() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.prompts...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}
