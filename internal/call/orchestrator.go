package call

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/voicecall/internal/audio"
	"github.com/ent0n29/voicecall/internal/chat"
	"github.com/ent0n29/voicecall/internal/memory"
	"github.com/ent0n29/voicecall/internal/observability"
	"github.com/ent0n29/voicecall/internal/policy"
	"github.com/ent0n29/voicecall/internal/rtc"
	"github.com/ent0n29/voicecall/internal/session"
	"github.com/ent0n29/voicecall/internal/transcript"
	"github.com/ent0n29/voicecall/internal/voice"
	"github.com/pion/webrtc/v4"
)

const (
	DefaultGreeting = "Hello! I'm your insurance assistant. How can I help you today?"
	ApologyText     = "Sorry, I encountered an error processing your request. Please try again."
	ConnectFailText = "Failed to connect to voice agent. Please try again."

	defaultSetupTimeout = 20 * time.Second
	defaultTurnTimeout  = 45 * time.Second
	archiveSaveTimeout  = 2 * time.Second
	turnQueueSize       = 16
)

// Config wires the orchestrator to its collaborators. Recognizer, RemoteAudio, Archive
// and Metrics are optional.
type Config struct {
	Signaling   Signaling
	Transports  rtc.TransportFactory
	Sessions    chat.SessionService
	Responder   Responder
	Devices     MediaDevices
	Recognizer  voice.Recognizer
	Speaker     Speaker
	RemoteAudio RemoteAudio
	Archive     memory.Store
	Metrics     *observability.Metrics

	Greeting     string
	RecordDir    string
	SetupTimeout time.Duration
	TurnTimeout  time.Duration
}

// callResources is everything owned by one call attempt. Fields are guarded by the
// orchestrator mutex and released exactly once.
type callResources struct {
	gen    uint64
	ctx    context.Context
	cancel context.CancelFunc
	turns  chan string

	audio      LocalAudio
	negotiator *rtc.Negotiator
	capture    *voice.CaptureLoop
	recorder   *audio.Recorder

	releaseOnce sync.Once
}

// Snapshot is a point-in-time copy of the call.
type Snapshot struct {
	Generation    uint64             `json:"generation"`
	State         session.State      `json:"state"`
	PhoneNumber   string             `json:"phone_number,omitempty"`
	SessionID     string             `json:"session_id,omitempty"`
	RoomID        string             `json:"room_id,omitempty"`
	ChatSessionID string             `json:"chat_session_id,omitempty"`
	Muted         bool               `json:"muted"`
	Connected     bool               `json:"connected"`
	StartedAt     *time.Time         `json:"started_at,omitempty"`
	Transcript    []transcript.Entry `json:"transcript"`
	LastError     string             `json:"last_error,omitempty"`
}

// Orchestrator owns the single call of this process: its state machine, transcript and
// the per-call resources. Asynchronous completions carry the generation of the call that
// started them and are dropped once that call is gone.
type Orchestrator struct {
	cfg     Config
	metrics *observability.Metrics

	mu            sync.Mutex
	gen           uint64
	sess          *session.CallSession
	live          *callResources
	entries       *transcript.Log
	transportLost bool
	lastErr       string

	hub *hub
}

func NewOrchestrator(cfg Config) *Orchestrator {
	if strings.TrimSpace(cfg.Greeting) == "" {
		cfg.Greeting = DefaultGreeting
	}
	if cfg.SetupTimeout <= 0 {
		cfg.SetupTimeout = defaultSetupTimeout
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = defaultTurnTimeout
	}
	return &Orchestrator{
		cfg:     cfg,
		metrics: cfg.Metrics,
		entries: transcript.NewLog(),
		hub:     newHub(),
	}
}

// StartCall runs the whole setup sequence and returns once the call is connected or
// setup has failed. A failed call is left Ended and a new StartCall is accepted.
func (o *Orchestrator) StartCall(ctx context.Context, phoneNumber string) error {
	phone := strings.TrimSpace(phoneNumber)
	if phone == "" {
		return &ValidationError{Field: "phone_number", Reason: "required"}
	}

	o.mu.Lock()
	if o.sess != nil && o.sess.State.Active() {
		o.mu.Unlock()
		return ErrCallInProgress
	}
	o.gen++
	s := session.New(o.gen, phone)
	if err := s.Transition(session.StateConnecting); err != nil {
		o.mu.Unlock()
		return err
	}
	callCtx, cancel := context.WithCancel(context.Background())
	res := &callResources{
		gen:    o.gen,
		ctx:    callCtx,
		cancel: cancel,
		turns:  make(chan string, turnQueueSize),
	}
	o.sess = s
	o.live = res
	o.entries.Reset()
	o.transportLost = false
	o.lastErr = ""
	o.mu.Unlock()

	started := time.Now()
	log.Printf("call: start generation=%d phone=%s", res.gen, policy.MaskPhone(phone))
	o.publishState()

	setupCtx, cancelSetup := context.WithTimeout(ctx, o.cfg.SetupTimeout)
	defer cancelSetup()
	stop := context.AfterFunc(callCtx, cancelSetup)
	defer stop()

	ids, err := o.cfg.Signaling.StartSession(setupCtx, phone)
	if err != nil {
		return o.failSetup(res, StageSignaling, err)
	}
	if !o.mutate(res.gen, func(s *session.CallSession) error { return s.AssignSignaling(ids) }) {
		return o.failSetup(res, StageSignaling, ErrCallEnded)
	}
	log.Printf("call: signaling session_id=%s room_id=%s", ids.SessionID, ids.RoomID)

	o.setupChatSession(setupCtx, res.gen, phone)

	mic, err := o.cfg.Devices.AcquireAudio(setupCtx)
	if err != nil {
		return o.failSetup(res, StageMedia, err)
	}
	if !o.adopt(res, func() { res.audio = mic }) {
		_ = mic.Close()
		return o.failSetup(res, StageMedia, ErrCallEnded)
	}

	if !o.mutate(res.gen, func(s *session.CallSession) error { return s.Transition(session.StateNegotiating) }) {
		return o.failSetup(res, StageNegotiation, ErrCallEnded)
	}
	o.publishState()

	neg := rtc.NewNegotiator(o.cfg.Signaling, o.cfg.Transports, o.transportHandlers(res.gen), rtc.WithMetrics(o.metrics))
	if !o.adopt(res, func() { res.negotiator = neg }) {
		_ = neg.Close()
		return o.failSetup(res, StageNegotiation, ErrCallEnded)
	}
	if err := neg.Negotiate(setupCtx, ids, mic.Track()); err != nil {
		return o.failSetup(res, StageNegotiation, err)
	}

	o.startRecording(res, ids)

	loop := voice.NewCaptureLoop(voice.CaptureConfig{
		Recognizer:    o.cfg.Recognizer,
		Feed:          mic,
		OnFinal:       func(text string) { o.handleFinal(res, text) },
		OnInterim:     func(text string) { o.handleInterim(res.gen, text) },
		ShouldRestart: func() bool { return o.listening(res.gen) },
		Metrics:       o.metrics,
	})
	if !o.adopt(res, func() { res.capture = loop }) {
		return o.failSetup(res, StageNegotiation, ErrCallEnded)
	}
	go o.runTurns(res)
	if err := loop.Start(callCtx); err != nil {
		log.Printf("call: speech recognition unavailable generation=%d: %v", res.gen, err)
		o.publishError(res.gen, "recognition_unavailable", "recognizer", false, err.Error())
	}

	var sessionID string
	if !o.mutate(res.gen, func(s *session.CallSession) error {
		sessionID = s.SessionID
		return s.Transition(session.StateConnected)
	}) {
		return o.failSetup(res, StageNegotiation, ErrCallEnded)
	}
	o.metrics.CallOutcome("connected")
	o.metrics.ObserveStage(observability.StageNegotiation, time.Since(started))
	o.publishState()
	log.Printf("call: connected generation=%d session_id=%s elapsed=%s", res.gen, sessionID, time.Since(started).Round(time.Millisecond))

	o.appendEntry(res.gen, transcript.SpeakerSystem, "Voice session started. Session ID: "+sessionID)
	if o.appendEntry(res.gen, transcript.SpeakerAgent, o.cfg.Greeting) {
		o.speak(o.cfg.Greeting)
	}
	return nil
}

// EndCall tears the current call down. It is a no-op when no call is active.
func (o *Orchestrator) EndCall() error {
	o.mu.Lock()
	s := o.sess
	res := o.live
	if s == nil || res == nil || !s.State.Active() || s.State == session.StateEnding {
		o.mu.Unlock()
		return nil
	}
	if err := s.Transition(session.StateEnding); err != nil {
		o.mu.Unlock()
		return err
	}
	o.live = nil
	o.mu.Unlock()
	o.publishState()

	o.release(res)

	o.mu.Lock()
	if o.sess == s {
		_ = s.Transition(session.StateEnded)
		o.entries.Reset()
		o.transportLost = false
	}
	o.mu.Unlock()

	o.metrics.CallOutcome("ended")
	log.Printf("call: ended generation=%d", res.gen)
	o.publishState()
	return nil
}

// ToggleMute flips the outgoing track between live audio and silence and returns the
// new muted flag.
func (o *Orchestrator) ToggleMute() (bool, error) {
	o.mu.Lock()
	if o.sess == nil || o.live == nil || o.sess.State != session.StateConnected {
		o.mu.Unlock()
		return false, ErrNotConnected
	}
	o.sess.Muted = !o.sess.Muted
	muted := o.sess.Muted
	mic := o.live.audio
	o.mu.Unlock()

	if mic != nil {
		mic.SetEnabled(!muted)
	}
	o.publishState()
	return muted, nil
}

// InjectUtterance feeds text through the same path as a recognized final utterance.
func (o *Orchestrator) InjectUtterance(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return &ValidationError{Field: "text", Reason: "required"}
	}
	o.mu.Lock()
	res := o.live
	connected := o.sess != nil && o.sess.State == session.StateConnected
	o.mu.Unlock()
	if res == nil || !connected {
		return ErrNotConnected
	}
	o.handleFinal(res, text)
	return nil
}

func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	snap := Snapshot{
		Generation: o.gen,
		State:      session.StateIdle,
		Transcript: o.entries.Entries(),
		LastError:  o.lastErr,
	}
	if s := o.sess; s != nil {
		started := s.StartedAt
		snap.State = s.State
		snap.PhoneNumber = policy.MaskPhone(s.PhoneNumber)
		snap.SessionID = s.SessionID
		snap.RoomID = s.RoomID
		snap.ChatSessionID = s.ChatSessionID
		snap.Muted = s.Muted
		snap.Connected = s.State == session.StateConnected && !o.transportLost
		snap.StartedAt = &started
	}
	return snap
}

// Subscribe returns a stream of protocol events. Slow subscribers lose events.
func (o *Orchestrator) Subscribe() (<-chan any, func()) {
	return o.hub.subscribe()
}

// Close ends any active call and disconnects subscribers.
func (o *Orchestrator) Close() error {
	err := o.EndCall()
	o.hub.close()
	return err
}

func (o *Orchestrator) failSetup(res *callResources, stage string, cause error) error {
	setupErr := &SetupError{Stage: stage, Err: cause}

	o.mu.Lock()
	current := o.live == res
	if current {
		o.live = nil
		if o.sess != nil {
			_ = o.sess.Transition(session.StateEnded)
		}
		o.lastErr = ConnectFailText
	}
	o.mu.Unlock()

	o.release(res)
	if !current {
		return setupErr
	}

	log.Printf("call: setup failed generation=%d stage=%s: %v", res.gen, stage, cause)
	o.metrics.CallOutcome("setup_failed")
	o.publishError(res.gen, "setup_failed", stage, false, setupErr.Error())
	o.publishState()
	return setupErr
}

// release frees the resources of one call attempt in teardown order: recognition first,
// then the transport, queued speech, the recorder and finally the device.
func (o *Orchestrator) release(res *callResources) {
	res.releaseOnce.Do(func() {
		res.cancel()

		o.mu.Lock()
		capture, neg, rec, mic := res.capture, res.negotiator, res.recorder, res.audio
		o.mu.Unlock()

		if capture != nil {
			capture.Stop()
		}
		if neg != nil {
			if err := neg.Close(); err != nil {
				log.Printf("call: close transport generation=%d: %v", res.gen, err)
			}
		}
		if o.cfg.Speaker != nil {
			o.cfg.Speaker.Reset()
		}
		if rec != nil {
			if err := rec.Close(); err != nil {
				log.Printf("call: close recording %s: %v", rec.Path(), err)
			}
		}
		if mic != nil {
			if err := mic.Close(); err != nil {
				log.Printf("call: release capture device generation=%d: %v", res.gen, err)
			}
		}
	})
}

// adopt runs fn under the lock when res is still the live call.
func (o *Orchestrator) adopt(res *callResources, fn func()) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.live != res {
		return false
	}
	fn()
	return true
}

// mutate applies fn to the session of generation gen. It reports false when that call
// is gone or fn fails.
func (o *Orchestrator) mutate(gen uint64, fn func(s *session.CallSession) error) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.currentLocked(gen) {
		return false
	}
	if err := fn(o.sess); err != nil {
		log.Printf("call: session update generation=%d: %v", gen, err)
		return false
	}
	return true
}

func (o *Orchestrator) currentLocked(gen uint64) bool {
	return o.live != nil && o.live.gen == gen && o.sess != nil && o.sess.Generation == gen
}

func (o *Orchestrator) current(gen uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.currentLocked(gen)
}

// listening reports whether recognition should keep running for gen. A lost transport
// does not pause it: the call stays Connected until it is ended.
func (o *Orchestrator) listening(gen uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.currentLocked(gen)
}

func (o *Orchestrator) setupChatSession(ctx context.Context, gen uint64, phone string) {
	if o.cfg.Sessions == nil {
		return
	}
	id, err := o.cfg.Sessions.Create(ctx)
	if err != nil {
		log.Printf("call: chat session create failed, continuing without chat context: %v", err)
		o.metrics.UpstreamError("session", chat.IsRetryable(err))
		return
	}
	if !o.mutate(gen, func(s *session.CallSession) error { return s.AssignChatSession(id) }) {
		return
	}
	if err := o.cfg.Sessions.SetBaseIdentifier(ctx, id, phone); err != nil {
		log.Printf("call: chat session %s base identifier failed: %v", id, err)
		o.metrics.UpstreamError("session", chat.IsRetryable(err))
	}
}

func (o *Orchestrator) startRecording(res *callResources, ids session.Identifiers) {
	if strings.TrimSpace(o.cfg.RecordDir) == "" {
		return
	}
	o.mu.Lock()
	mic := res.audio
	o.mu.Unlock()
	name := fmt.Sprintf("call-%d-%s.wav", res.gen, time.Now().UTC().Format("20060102T150405"))
	rec, err := audio.StartRecording(filepath.Join(o.cfg.RecordDir, name), mic)
	if err != nil {
		log.Printf("call: recording disabled session_id=%s: %v", ids.SessionID, err)
		return
	}
	if !o.adopt(res, func() { res.recorder = rec }) {
		_ = rec.Close()
	}
}

func (o *Orchestrator) transportHandlers(gen uint64) rtc.Handlers {
	return rtc.Handlers{
		OnRemoteTrack: func(track *webrtc.TrackRemote) {
			if !o.current(gen) || o.cfg.RemoteAudio == nil {
				return
			}
			if err := o.cfg.RemoteAudio.Attach(track); err != nil {
				log.Printf("call: remote audio unavailable generation=%d: %v", gen, err)
			}
		},
		OnConnected: func() {
			o.mu.Lock()
			if !o.currentLocked(gen) {
				o.mu.Unlock()
				return
			}
			recovered := o.transportLost
			o.transportLost = false
			o.mu.Unlock()
			if recovered {
				log.Printf("call: transport recovered generation=%d", gen)
				o.publishState()
			}
		},
		OnConnectionLost: func(state webrtc.ICEConnectionState) {
			o.mu.Lock()
			if !o.currentLocked(gen) {
				o.mu.Unlock()
				return
			}
			o.transportLost = true
			o.mu.Unlock()
			o.publishError(gen, "transport_lost", "rtc", state != webrtc.ICEConnectionStateFailed, state.String())
			o.publishState()
		},
	}
}

// appendEntry adds an entry to the live transcript of gen. It reports false when the
// call has moved on or text is blank.
func (o *Orchestrator) appendEntry(gen uint64, speaker transcript.Speaker, text string) bool {
	o.mu.Lock()
	if !o.currentLocked(gen) {
		o.mu.Unlock()
		return false
	}
	entry, ok := o.entries.Append(speaker, text)
	if !ok {
		o.mu.Unlock()
		return false
	}
	// Published under the lock so subscribers see entries in transcript order.
	o.hub.publish(transcriptEvent(gen, entry))
	phone, sessionID := o.sess.PhoneNumber, o.sess.SessionID
	o.mu.Unlock()

	o.metrics.TranscriptEntry(string(speaker))
	o.archive(phone, sessionID, entry)
	return true
}

func (o *Orchestrator) archive(phone, sessionID string, entry transcript.Entry) {
	if o.cfg.Archive == nil {
		return
	}
	record := memory.EntryRecord{
		ID:             entry.ID,
		BaseIdentifier: phone,
		SessionID:      sessionID,
		Speaker:        string(entry.Speaker),
		Text:           entry.Text,
		CreatedAt:      entry.Timestamp,
	}
	if entry.Speaker == transcript.SpeakerUser {
		record.Text, record.PIIRedacted = policy.RedactPII(entry.Text)
	}
	go func(r memory.EntryRecord) {
		ctx, cancel := context.WithTimeout(context.Background(), archiveSaveTimeout)
		defer cancel()
		if err := o.cfg.Archive.SaveEntry(ctx, r); err != nil {
			log.Printf("call: archive entry failed: %v", err)
		}
	}(record)
}

func (o *Orchestrator) speak(text string) {
	if o.cfg.Speaker == nil {
		return
	}
	o.cfg.Speaker.Speak(text)
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
