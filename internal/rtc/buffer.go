package rtc

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// CandidateBuffer holds candidates gathered before negotiation completes. Drain hands
// them out once, in the order they were pushed.
type CandidateBuffer struct {
	mu      sync.Mutex
	pending []webrtc.ICECandidateInit
}

func (b *CandidateBuffer) Push(c webrtc.ICECandidateInit) {
	b.mu.Lock()
	b.pending = append(b.pending, c)
	b.mu.Unlock()
}

// Drain returns all buffered candidates and empties the buffer. A second Drain returns nil.
func (b *CandidateBuffer) Drain() []webrtc.ICECandidateInit {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.pending
	b.pending = nil
	return out
}

func (b *CandidateBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Reset abandons buffered candidates.
func (b *CandidateBuffer) Reset() {
	b.mu.Lock()
	b.pending = nil
	b.mu.Unlock()
}
