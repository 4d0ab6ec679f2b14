package rtc

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ent0n29/voicecall/internal/observability"
	"github.com/ent0n29/voicecall/internal/session"
	"github.com/pion/webrtc/v4"
)

const (
	defaultCandidateTimeout = 5 * time.Second
	eventQueueSize          = 256
)

var (
	ErrAlreadyNegotiating = errors.New("negotiation already started")
	ErrClosed             = errors.New("negotiator closed")
)

// Signaler carries SDP and candidates to the remote signaling endpoint.
type Signaler interface {
	SendOffer(ctx context.Context, ids session.Identifiers, offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	SendCandidate(ctx context.Context, ids session.Identifiers, candidate webrtc.ICECandidateInit) error
}

// PeerTransport is the local half of the peer-to-peer media connection.
type PeerTransport interface {
	AddLocalTrack(track webrtc.TrackLocal) error
	// CreateOffer builds an offer and applies it as the local description.
	CreateOffer() (webrtc.SessionDescription, error)
	SetRemoteDescription(answer webrtc.SessionDescription) error
	Close() error
}

// TransportFactory builds a transport that reports its events through emit.
type TransportFactory interface {
	NewTransport(emit func(Event)) (PeerTransport, error)
}

type State string

const (
	StateNew        State = "new"
	StateOfferSent  State = "offer_sent"
	StateNegotiated State = "negotiated"
	StateConnected  State = "connected"
	StateFailed     State = "failed"
	StateClosed     State = "closed"
)

// Handlers receive transport outcomes. They run on the negotiator's event goroutine and
// must not block for long.
type Handlers struct {
	OnRemoteTrack    func(track *webrtc.TrackRemote)
	OnConnected      func()
	OnConnectionLost func(state webrtc.ICEConnectionState)
}

type Option func(*Negotiator)

func WithCandidateTimeout(d time.Duration) Option {
	return func(n *Negotiator) {
		if d > 0 {
			n.candidateTimeout = d
		}
	}
}

func WithMetrics(m *observability.Metrics) Option {
	return func(n *Negotiator) { n.metrics = m }
}

// Negotiator runs one offer/answer exchange and then relays candidates. All transport
// events and the negotiated marker flow through a single ordered queue, so candidates
// gathered before the answer are sent exactly once, before any gathered after it.
type Negotiator struct {
	signaler         Signaler
	factory          TransportFactory
	handlers         Handlers
	metrics          *observability.Metrics
	candidateTimeout time.Duration

	mu        sync.Mutex
	state     State
	started   bool
	transport PeerTransport
	ids       session.Identifiers

	buffer CandidateBuffer
	queue  chan Event

	ctx       context.Context
	cancel    context.CancelFunc
	loopDone  chan struct{}
	closeOnce sync.Once
}

func NewNegotiator(signaler Signaler, factory TransportFactory, handlers Handlers, opts ...Option) *Negotiator {
	ctx, cancel := context.WithCancel(context.Background())
	n := &Negotiator{
		signaler:         signaler,
		factory:          factory,
		handlers:         handlers,
		candidateTimeout: defaultCandidateTimeout,
		state:            StateNew,
		queue:            make(chan Event, eventQueueSize),
		ctx:              ctx,
		cancel:           cancel,
		loopDone:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Negotiate creates the transport, attaches localTrack, and exchanges offer and answer.
// It returns once the answer is applied; buffered candidates are flushed asynchronously.
func (n *Negotiator) Negotiate(ctx context.Context, ids session.Identifiers, localTrack webrtc.TrackLocal) error {
	n.mu.Lock()
	if n.started {
		n.mu.Unlock()
		return ErrAlreadyNegotiating
	}
	if n.state == StateClosed {
		n.mu.Unlock()
		return ErrClosed
	}
	n.started = true
	n.ids = ids
	n.mu.Unlock()

	transport, err := n.factory.NewTransport(n.post)
	if err != nil {
		n.setState(StateFailed)
		return fmt.Errorf("create transport: %w", err)
	}
	n.mu.Lock()
	if n.state == StateClosed {
		n.mu.Unlock()
		_ = transport.Close()
		return ErrClosed
	}
	n.transport = transport
	n.mu.Unlock()

	go n.loop()

	if localTrack != nil {
		if err := transport.AddLocalTrack(localTrack); err != nil {
			n.setState(StateFailed)
			return fmt.Errorf("add local track: %w", err)
		}
	}

	offer, err := transport.CreateOffer()
	if err != nil {
		n.setState(StateFailed)
		return fmt.Errorf("create offer: %w", err)
	}
	n.setState(StateOfferSent)

	answer, err := n.signaler.SendOffer(ctx, ids, offer)
	if err != nil {
		n.setState(StateFailed)
		return fmt.Errorf("send offer: %w", err)
	}
	if err := transport.SetRemoteDescription(answer); err != nil {
		n.setState(StateFailed)
		return fmt.Errorf("apply answer: %w", err)
	}

	n.post(negotiated{})
	return nil
}

func (n *Negotiator) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Close stops the event loop and tears down the transport. Pending candidates are
// abandoned. Close is safe to call from a handler.
func (n *Negotiator) Close() error {
	var err error
	n.closeOnce.Do(func() {
		n.cancel()
		n.buffer.Reset()

		n.mu.Lock()
		n.state = StateClosed
		transport := n.transport
		n.transport = nil
		n.mu.Unlock()

		if transport != nil {
			err = transport.Close()
		}
	})
	return err
}

func (n *Negotiator) post(ev Event) {
	select {
	case <-n.ctx.Done():
	case n.queue <- ev:
	}
}

func (n *Negotiator) loop() {
	defer close(n.loopDone)
	isNegotiated := false
	for {
		select {
		case <-n.ctx.Done():
			return
		case ev := <-n.queue:
			switch e := ev.(type) {
			case CandidateGenerated:
				if !isNegotiated {
					n.buffer.Push(e.Candidate)
					n.metrics.Candidate("buffered")
					continue
				}
				n.sendCandidate(e.Candidate)
			case negotiated:
				isNegotiated = true
				n.advance(StateNegotiated)
				for _, c := range n.buffer.Drain() {
					if n.ctx.Err() != nil {
						return
					}
					n.sendCandidate(c)
				}
			case RemoteTrackReceived:
				if n.handlers.OnRemoteTrack != nil {
					n.handlers.OnRemoteTrack(e.Track)
				}
			case ConnectivityChanged:
				n.handleConnectivity(e.State)
			}
		}
	}
}

func (n *Negotiator) handleConnectivity(state webrtc.ICEConnectionState) {
	switch state {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		n.advance(StateConnected)
		if n.handlers.OnConnected != nil {
			n.handlers.OnConnected()
		}
	case webrtc.ICEConnectionStateFailed, webrtc.ICEConnectionStateDisconnected, webrtc.ICEConnectionStateClosed:
		log.Printf("rtc: connection lost state=%s", state)
		if state == webrtc.ICEConnectionStateFailed {
			n.advance(StateFailed)
		}
		if n.handlers.OnConnectionLost != nil {
			n.handlers.OnConnectionLost(state)
		}
	}
}

func (n *Negotiator) sendCandidate(c webrtc.ICECandidateInit) {
	n.mu.Lock()
	ids := n.ids
	n.mu.Unlock()

	ctx, cancel := context.WithTimeout(n.ctx, n.candidateTimeout)
	defer cancel()
	if err := n.signaler.SendCandidate(ctx, ids, c); err != nil {
		if n.ctx.Err() != nil {
			return
		}
		log.Printf("rtc: send candidate failed session_id=%s: %v", ids.SessionID, err)
		n.metrics.Candidate("failed")
		return
	}
	n.metrics.Candidate("sent")
}

func (n *Negotiator) setState(s State) {
	n.mu.Lock()
	if n.state != StateClosed {
		n.state = s
	}
	n.mu.Unlock()
}

// advance moves forward without undoing Connected when the negotiated marker races an
// early connectivity event.
func (n *Negotiator) advance(s State) {
	n.mu.Lock()
	defer n.mu.Unlock()
	switch n.state {
	case StateClosed:
		return
	case StateConnected:
		if s == StateNegotiated {
			return
		}
	}
	n.state = s
}
