package call

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ent0n29/voicecall/internal/chat"
	"github.com/ent0n29/voicecall/internal/memory"
	"github.com/ent0n29/voicecall/internal/protocol"
	"github.com/ent0n29/voicecall/internal/rtc"
	"github.com/ent0n29/voicecall/internal/session"
	"github.com/ent0n29/voicecall/internal/transcript"
	"github.com/ent0n29/voicecall/internal/voice"
	"github.com/pion/webrtc/v4"
)

const testPhone = "+15550001234"

func transcriptTexts(snap Snapshot) []string {
	out := make([]string, 0, len(snap.Transcript))
	for _, e := range snap.Transcript {
		out = append(out, string(e.Speaker)+": "+e.Text)
	}
	return out
}

func TestStartCallRejectsBlankPhone(t *testing.T) {
	h := newHarness(t, nil)
	err := h.orch.StartCall(context.Background(), "   ")
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("StartCall() error = %v, want ValidationError", err)
	}
	snap := h.orch.Snapshot()
	if snap.State != session.StateIdle || snap.Generation != 0 {
		t.Fatalf("state changed on validation failure: %+v", snap)
	}
	if h.signaling.starts != 0 {
		t.Fatalf("signaling should not be contacted")
	}
}

func TestStartCallConnectsAndSeedsTranscript(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.orch.StartCall(context.Background(), " "+testPhone+" "); err != nil {
		t.Fatalf("StartCall() error = %v", err)
	}

	snap := h.orch.Snapshot()
	if snap.State != session.StateConnected || !snap.Connected {
		t.Fatalf("expected connected call, got %+v", snap)
	}
	if snap.SessionID != "sess-34" || snap.RoomID != "room-1" || snap.ChatSessionID != "chat-1" {
		t.Fatalf("unexpected identifiers: %+v", snap)
	}
	if snap.PhoneNumber == testPhone || !strings.HasSuffix(snap.PhoneNumber, "1234") {
		t.Fatalf("snapshot phone should be masked, got %q", snap.PhoneNumber)
	}
	want := []string{
		"system: Voice session started. Session ID: sess-34",
		"agent: " + DefaultGreeting,
	}
	if got := transcriptTexts(snap); !reflect.DeepEqual(got, want) {
		t.Fatalf("transcript = %#v, want %#v", got, want)
	}
	if got := h.speaker.said(); !reflect.DeepEqual(got, []string{DefaultGreeting}) {
		t.Fatalf("spoken = %#v, want greeting", got)
	}
	if h.sessions.bases["chat-1"] != testPhone {
		t.Fatalf("base identifier = %q, want %q", h.sessions.bases["chat-1"], testPhone)
	}
}

func TestStartCallWhileActiveIsRejected(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.orch.StartCall(context.Background(), testPhone); err != nil {
		t.Fatalf("StartCall() error = %v", err)
	}
	if err := h.orch.StartCall(context.Background(), testPhone); !errors.Is(err, ErrCallInProgress) {
		t.Fatalf("second StartCall() error = %v, want ErrCallInProgress", err)
	}
}

func TestStartCallChatSessionFailureIsNotFatal(t *testing.T) {
	h := newHarness(t, nil)
	h.sessions.createErr = &chat.StatusError{Op: "create session", StatusCode: 503}
	if err := h.orch.StartCall(context.Background(), testPhone); err != nil {
		t.Fatalf("StartCall() error = %v", err)
	}
	snap := h.orch.Snapshot()
	if snap.State != session.StateConnected || snap.ChatSessionID != "" {
		t.Fatalf("expected connected call without chat session, got %+v", snap)
	}

	if err := h.orch.InjectUtterance("hello"); err != nil {
		t.Fatalf("InjectUtterance() error = %v", err)
	}
	waitFor(t, func() bool { return len(h.orch.Snapshot().Transcript) == 4 })
}

func TestStartCallSetupFailures(t *testing.T) {
	tests := []struct {
		name  string
		stage string
		setup func(h *harness)
	}{
		{name: "signaling", stage: StageSignaling, setup: func(h *harness) { h.signaling.startErr = errBoom }},
		{name: "media", stage: StageMedia, setup: func(h *harness) { h.devices.err = errBoom }},
		{name: "negotiation", stage: StageNegotiation, setup: func(h *harness) { h.signaling.offerErr = errBoom }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			tt.setup(h)

			err := h.orch.StartCall(context.Background(), testPhone)
			var setupErr *SetupError
			if !errors.As(err, &setupErr) || setupErr.Stage != tt.stage {
				t.Fatalf("StartCall() error = %v, want SetupError at %s", err, tt.stage)
			}
			if !errors.Is(err, errBoom) {
				t.Fatalf("expected cause to unwrap, got %v", err)
			}

			snap := h.orch.Snapshot()
			if snap.State != session.StateEnded || snap.Connected {
				t.Fatalf("expected ended call, got %+v", snap)
			}
			if snap.LastError != ConnectFailText {
				t.Fatalf("LastError = %q", snap.LastError)
			}
			if len(snap.Transcript) != 0 {
				t.Fatalf("failed setup should not seed transcript: %+v", snap.Transcript)
			}
			if a := h.devices.last(); a != nil && !a.isClosed() {
				t.Fatalf("capture device not released")
			}
			if tr := h.transports.last(); tr != nil && !tr.isClosed() {
				t.Fatalf("transport not closed")
			}

			h.signaling.startErr, h.signaling.offerErr, h.devices.err = nil, nil, nil
			if err := h.orch.StartCall(context.Background(), testPhone); err != nil {
				t.Fatalf("StartCall() after failure error = %v", err)
			}
			if got := h.orch.Snapshot(); got.State != session.StateConnected || got.LastError != "" {
				t.Fatalf("expected a clean connected retry, got %+v", got)
			}
		})
	}
}

func TestEndCallReleasesEverythingAndIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.orch.EndCall(); err != nil {
		t.Fatalf("EndCall() without call error = %v", err)
	}
	if err := h.orch.StartCall(context.Background(), testPhone); err != nil {
		t.Fatalf("StartCall() error = %v", err)
	}
	mic, tr := h.devices.last(), h.transports.last()

	if err := h.orch.EndCall(); err != nil {
		t.Fatalf("EndCall() error = %v", err)
	}
	snap := h.orch.Snapshot()
	if snap.State != session.StateEnded || len(snap.Transcript) != 0 || snap.Connected {
		t.Fatalf("unexpected snapshot after end: %+v", snap)
	}
	if !mic.isClosed() || !tr.isClosed() {
		t.Fatalf("resources not released: mic=%v transport=%v", mic.isClosed(), tr.isClosed())
	}
	if h.speaker.resetCount() != 1 {
		t.Fatalf("speaker resets = %d, want 1", h.speaker.resetCount())
	}

	if err := h.orch.EndCall(); err != nil {
		t.Fatalf("second EndCall() error = %v", err)
	}
	if h.speaker.resetCount() != 1 {
		t.Fatalf("second EndCall should do nothing")
	}
	if err := h.orch.InjectUtterance("hello"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("InjectUtterance() after end error = %v", err)
	}
}

func TestToggleMute(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.orch.ToggleMute(); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("ToggleMute() before call error = %v", err)
	}
	if err := h.orch.StartCall(context.Background(), testPhone); err != nil {
		t.Fatalf("StartCall() error = %v", err)
	}
	mic := h.devices.last()

	muted, err := h.orch.ToggleMute()
	if err != nil || !muted || mic.isEnabled() || !h.orch.Snapshot().Muted {
		t.Fatalf("first toggle: muted=%v err=%v enabled=%v", muted, err, mic.isEnabled())
	}
	muted, err = h.orch.ToggleMute()
	if err != nil || muted || !mic.isEnabled() {
		t.Fatalf("second toggle: muted=%v err=%v enabled=%v", muted, err, mic.isEnabled())
	}
}

func TestStreamedReplySpeaksFirstSentenceThenRemainder(t *testing.T) {
	h := newHarness(t, nil)
	h.setResponder(func(_ context.Context, chatSessionID, prompt string, onFirst func(string)) (chat.Reply, error) {
		if chatSessionID != "chat-1" {
			t.Errorf("chat session = %q", chatSessionID)
		}
		onFirst("Your deductible is $500.")
		return chat.Reply{Text: "Your deductible is $500. Anything else?", Spoken: "Your deductible is $500."}, nil
	})
	if err := h.orch.StartCall(context.Background(), testPhone); err != nil {
		t.Fatalf("StartCall() error = %v", err)
	}
	if err := h.orch.InjectUtterance("what is my deductible"); err != nil {
		t.Fatalf("InjectUtterance() error = %v", err)
	}
	waitFor(t, func() bool { return len(h.orch.Snapshot().Transcript) == 4 })

	got := transcriptTexts(h.orch.Snapshot())[2:]
	want := []string{"user: what is my deductible", "agent: Your deductible is $500. Anything else?"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("transcript tail = %#v, want %#v", got, want)
	}
	wantSpoken := []string{DefaultGreeting, "Your deductible is $500.", "Anything else?"}
	waitFor(t, func() bool { return len(h.speaker.said()) == 3 })
	if got := h.speaker.said(); !reflect.DeepEqual(got, wantSpoken) {
		t.Fatalf("spoken = %#v, want %#v", got, wantSpoken)
	}
}

func TestFallbackReplyIsSpokenInFull(t *testing.T) {
	h := newHarness(t, nil)
	h.setResponder(func(context.Context, string, string, func(string)) (chat.Reply, error) {
		return chat.Reply{Text: "We can help with that. Please hold.", Fallback: true}, nil
	})
	if err := h.orch.StartCall(context.Background(), testPhone); err != nil {
		t.Fatalf("StartCall() error = %v", err)
	}
	_ = h.orch.InjectUtterance("file a claim")
	waitFor(t, func() bool { return len(h.speaker.said()) == 2 })
	if got := h.speaker.said()[1]; got != "We can help with that. Please hold." {
		t.Fatalf("spoken fallback = %q", got)
	}
	if n := len(h.orch.Snapshot().Transcript); n != 4 {
		t.Fatalf("transcript entries = %d, want 4", n)
	}
}

func TestChatUnavailableAppendsApologyWithoutSpeaking(t *testing.T) {
	h := newHarness(t, nil)
	h.setResponder(func(context.Context, string, string, func(string)) (chat.Reply, error) {
		return chat.Reply{}, chat.ErrUnavailable
	})
	if err := h.orch.StartCall(context.Background(), testPhone); err != nil {
		t.Fatalf("StartCall() error = %v", err)
	}
	_ = h.orch.InjectUtterance("hello")
	waitFor(t, func() bool { return len(h.orch.Snapshot().Transcript) == 4 })

	last := h.orch.Snapshot().Transcript[3]
	if last.Speaker != transcript.SpeakerAgent || last.Text != ApologyText {
		t.Fatalf("last entry = %+v, want apology", last)
	}
	time.Sleep(20 * time.Millisecond)
	if got := h.speaker.said(); len(got) != 1 {
		t.Fatalf("apology must not be spoken, spoken = %#v", got)
	}
}

func TestInterruptedStreamAddsNoAgentEntry(t *testing.T) {
	h := newHarness(t, nil)
	done := make(chan struct{})
	h.setResponder(func(context.Context, string, string, func(string)) (chat.Reply, error) {
		defer close(done)
		return chat.Reply{}, chat.ErrStreamInterrupted
	})
	if err := h.orch.StartCall(context.Background(), testPhone); err != nil {
		t.Fatalf("StartCall() error = %v", err)
	}
	events, unsub := h.orch.Subscribe()
	defer unsub()
	_ = h.orch.InjectUtterance("hello")
	<-done

	waitFor(t, func() bool {
		for {
			select {
			case ev := <-events:
				if e, ok := ev.(protocol.ErrorEvent); ok && e.Code == "stream_interrupted" {
					return true
				}
			default:
				return false
			}
		}
	})
	if n := len(h.orch.Snapshot().Transcript); n != 3 {
		t.Fatalf("transcript entries = %d, want 3 (no partial agent entry)", n)
	}
}

func TestLateReplyFromEndedCallIsDropped(t *testing.T) {
	h := newHarness(t, nil)
	called := make(chan struct{})
	release := make(chan struct{})
	returned := make(chan struct{})
	h.setResponder(func(_ context.Context, _ string, _ string, onFirst func(string)) (chat.Reply, error) {
		close(called)
		<-release
		onFirst("Late answer.")
		defer close(returned)
		return chat.Reply{Text: "Late answer.", Spoken: "Late answer."}, nil
	})
	if err := h.orch.StartCall(context.Background(), testPhone); err != nil {
		t.Fatalf("StartCall() error = %v", err)
	}
	_ = h.orch.InjectUtterance("slow question")
	<-called

	if err := h.orch.EndCall(); err != nil {
		t.Fatalf("EndCall() error = %v", err)
	}
	h.setResponder(nil)
	if err := h.orch.StartCall(context.Background(), "+15550009999"); err != nil {
		t.Fatalf("StartCall() error = %v", err)
	}
	close(release)
	<-returned
	time.Sleep(30 * time.Millisecond)

	snap := h.orch.Snapshot()
	if snap.Generation != 2 || len(snap.Transcript) != 2 {
		t.Fatalf("late reply leaked into new call: %#v", transcriptTexts(snap))
	}
	for _, s := range h.speaker.said() {
		if s == "Late answer." {
			t.Fatalf("late reply was spoken")
		}
	}
}

func TestConnectionLossClearsConnected(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.orch.StartCall(context.Background(), testPhone); err != nil {
		t.Fatalf("StartCall() error = %v", err)
	}
	tr := h.transports.last()
	tr.emit(rtc.ConnectivityChanged{State: webrtc.ICEConnectionStateFailed})
	waitFor(t, func() bool { return !h.orch.Snapshot().Connected })
	if h.orch.Snapshot().State != session.StateConnected {
		t.Fatalf("call state should stay connected until ended")
	}

	tr.emit(rtc.ConnectivityChanged{State: webrtc.ICEConnectionStateConnected})
	waitFor(t, func() bool { return h.orch.Snapshot().Connected })
}

func TestRecognizedFinalsDriveTurns(t *testing.T) {
	rec := &fakeRecognizer{}
	h := newHarness(t, func(cfg *Config) { cfg.Recognizer = rec })
	if err := h.orch.StartCall(context.Background(), testPhone); err != nil {
		t.Fatalf("StartCall() error = %v", err)
	}
	stream := rec.stream(0)
	if stream == nil {
		t.Fatalf("recognizer was not started")
	}
	stream.results <- voice.Result{Interim: "what is"}
	stream.results <- voice.Result{Final: []string{"what is", " my deductible "}}

	waitFor(t, func() bool { return len(h.promptList()) == 1 })
	if got := h.promptList()[0]; got != "what is my deductible" {
		t.Fatalf("prompt = %q", got)
	}
	snap := h.orch.Snapshot()
	if snap.Transcript[2].Speaker != transcript.SpeakerUser || snap.Transcript[2].Text != "what is my deductible" {
		t.Fatalf("user entry = %+v", snap.Transcript[2])
	}
}

func TestRecognitionRestartsAfterSpontaneousEnd(t *testing.T) {
	rec := &fakeRecognizer{}
	h := newHarness(t, func(cfg *Config) { cfg.Recognizer = rec })
	if err := h.orch.StartCall(context.Background(), testPhone); err != nil {
		t.Fatalf("StartCall() error = %v", err)
	}
	tr := h.transports.last()

	tr.emit(rtc.ConnectivityChanged{State: webrtc.ICEConnectionStateDisconnected})
	waitFor(t, func() bool { return !h.orch.Snapshot().Connected })

	// The recognizer ends on its own while the transport is down.
	_ = rec.stream(0).Stop()
	waitFor(t, func() bool { return rec.streamCount() == 2 })

	tr.emit(rtc.ConnectivityChanged{State: webrtc.ICEConnectionStateConnected})
	waitFor(t, func() bool { return h.orch.Snapshot().Connected })

	rec.stream(1).results <- voice.Result{Final: []string{"am I still covered"}}
	waitFor(t, func() bool { return len(h.promptList()) == 1 })
	if got := h.promptList()[0]; got != "am I still covered" {
		t.Fatalf("prompt = %q", got)
	}
}

func TestRecognitionNotRestartedAfterEndCall(t *testing.T) {
	rec := &fakeRecognizer{}
	h := newHarness(t, func(cfg *Config) { cfg.Recognizer = rec })
	if err := h.orch.StartCall(context.Background(), testPhone); err != nil {
		t.Fatalf("StartCall() error = %v", err)
	}
	if err := h.orch.EndCall(); err != nil {
		t.Fatalf("EndCall() error = %v", err)
	}
	// Longer than the default restart backoff.
	time.Sleep(400 * time.Millisecond)
	if n := rec.streamCount(); n != 1 {
		t.Fatalf("recognizer streams = %d, want 1", n)
	}
}

func TestTranscriptIsArchivedWithRedactedUserText(t *testing.T) {
	store := memory.NewInMemoryStore()
	h := newHarness(t, func(cfg *Config) { cfg.Archive = store })
	if err := h.orch.StartCall(context.Background(), testPhone); err != nil {
		t.Fatalf("StartCall() error = %v", err)
	}
	_ = h.orch.InjectUtterance("email me at jane@example.com")

	var records []memory.EntryRecord
	waitFor(t, func() bool {
		records, _ = store.Recent(context.Background(), testPhone, 0)
		return len(records) == 4
	})
	var user memory.EntryRecord
	for _, r := range records {
		if r.Speaker == "user" {
			user = r
		}
	}
	if user.Text != "email me at [REDACTED_EMAIL]" || !user.PIIRedacted {
		t.Fatalf("archived user entry = %+v", user)
	}
}

func TestSubscribersReceiveStateAndTranscript(t *testing.T) {
	h := newHarness(t, nil)
	events, unsub := h.orch.Subscribe()
	defer unsub()
	if err := h.orch.StartCall(context.Background(), testPhone); err != nil {
		t.Fatalf("StartCall() error = %v", err)
	}

	var states []string
	var entries int
	timeout := time.After(2 * time.Second)
	for entries < 2 {
		select {
		case ev := <-events:
			switch e := ev.(type) {
			case protocol.CallState:
				states = append(states, e.State)
			case protocol.TranscriptEntry:
				if e.Generation != 1 {
					t.Fatalf("entry generation = %d", e.Generation)
				}
				entries++
			}
		case <-timeout:
			t.Fatalf("timed out: states=%v entries=%d", states, entries)
		}
	}
	want := []string{"connecting", "negotiating", "connected"}
	if !reflect.DeepEqual(states, want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
}

func TestSubscribersSeeEntriesInTranscriptOrder(t *testing.T) {
	h := newHarness(t, nil)
	events, unsub := h.orch.Subscribe()
	defer unsub()
	if err := h.orch.StartCall(context.Background(), testPhone); err != nil {
		t.Fatalf("StartCall() error = %v", err)
	}

	const utterances = 8
	var wg sync.WaitGroup
	for i := 0; i < utterances; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = h.orch.InjectUtterance(fmt.Sprintf("question %d", i))
		}(i)
	}
	wg.Wait()
	want := 2 + 2*utterances
	waitFor(t, func() bool { return len(h.orch.Snapshot().Transcript) == want })

	var published []string
	timeout := time.After(2 * time.Second)
	for len(published) < want {
		select {
		case ev := <-events:
			if e, ok := ev.(protocol.TranscriptEntry); ok {
				published = append(published, e.ID)
			}
		case <-timeout:
			t.Fatalf("timed out after %d of %d entries", len(published), want)
		}
	}
	for i, e := range h.orch.Snapshot().Transcript {
		if published[i] != e.ID {
			t.Fatalf("published entry %d = %s, transcript has %s", i, published[i], e.ID)
		}
	}
}
