package call

import (
	"sync"

	"github.com/ent0n29/voicecall/internal/protocol"
	"github.com/ent0n29/voicecall/internal/transcript"
)

const subscriberBuffer = 64

// hub fans protocol events out to subscribers without ever blocking the publisher.
type hub struct {
	mu     sync.Mutex
	subs   map[int]chan any
	nextID int
	closed bool
}

func newHub() *hub {
	return &hub{subs: make(map[int]chan any)}
}

func (h *hub) subscribe() (<-chan any, func()) {
	ch := make(chan any, subscriberBuffer)
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if sub, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(sub)
			}
		})
	}
}

func (h *hub) publish(msg any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.subs {
		select {
		case sub <- msg:
		default:
		}
	}
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, sub := range h.subs {
		delete(h.subs, id)
		close(sub)
	}
}

func transcriptEvent(gen uint64, e transcript.Entry) protocol.TranscriptEntry {
	return protocol.TranscriptEntry{
		Type:       protocol.TypeTranscriptEntry,
		Generation: gen,
		ID:         e.ID,
		Speaker:    string(e.Speaker),
		Text:       e.Text,
		Timestamp:  e.Timestamp,
	}
}

func (o *Orchestrator) publishState() {
	snap := o.Snapshot()
	o.metrics.SetCallState(string(snap.State))
	o.hub.publish(protocol.CallState{
		Type:       protocol.TypeCallState,
		Generation: snap.Generation,
		State:      string(snap.State),
		SessionID:  snap.SessionID,
		RoomID:     snap.RoomID,
		Muted:      snap.Muted,
		Connected:  snap.Connected,
	})
}

func (o *Orchestrator) publishError(gen uint64, code, source string, retryable bool, detail string) {
	o.hub.publish(protocol.ErrorEvent{
		Type:       protocol.TypeErrorEvent,
		Generation: gen,
		Code:       code,
		Source:     source,
		Retryable:  retryable,
		Detail:     detail,
	})
}
