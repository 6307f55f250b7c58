// Package peer drives one WebRTC peer connection through offer/answer negotiation and
// exposes the resulting data channel as an ordered, reliable transfer channel.
package peer

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"sharewave/logging"
	"sharewave/models"
	"sharewave/queue"
)

var (
	// ErrInvalidState indicates an operation was invoked after close or out of sequence.
	ErrInvalidState = errors.New("peer: invalid state")
	// ErrNegotiation indicates a description could not be applied in the current state.
	ErrNegotiation = errors.New("peer: negotiation error")
)

// DefaultICEServers are public STUN servers used when none are configured.
var DefaultICEServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// State is the negotiation state of a Negotiator.
type State string

const (
	StateNew             State = "new"
	StateHaveLocalOffer  State = "have-local-offer"
	StateHaveRemoteOffer State = "have-remote-offer"
	StateHaveLocalAnswer State = "have-local-answer"
	StateConnecting      State = "connecting"
	StateConnected       State = "connected"
	StateDisconnected    State = "disconnected"
	StateFailed          State = "failed"
	StateClosed          State = "closed"
)

func (s State) connectionPhase() bool {
	switch s {
	case StateConnecting, StateConnected, StateDisconnected, StateFailed:
		return true
	default:
		return false
	}
}

// Event is one notification from a Negotiator: StateChanged, LocalCandidate or ChannelOpen.
type Event interface {
	isEvent()
}

// StateChanged reports a negotiation or connection state transition.
type StateChanged struct {
	State State
}

// LocalCandidate carries a locally gathered candidate to forward to the remote peer.
type LocalCandidate struct {
	Candidate models.Candidate
}

// ChannelOpen reports a data channel, local or remote, that is ready for messages.
type ChannelOpen struct {
	Channel *Channel
}

func (StateChanged) isEvent()   {}
func (LocalCandidate) isEvent() {}
func (ChannelOpen) isEvent()    {}

// Options configures a Negotiator.
type Options struct {
	ICEServers      []string
	IncludeLoopback bool
	Logger          *zap.Logger

	newConn func(config webrtc.Configuration, includeLoopback bool) (rtcConn, error)
}

func (o Options) withDefaults() Options {
	if len(o.ICEServers) == 0 {
		o.ICEServers = DefaultICEServers
	}
	if o.newConn == nil {
		o.newConn = newPionConn
	}
	o.Logger = logging.OrNop(o.Logger)
	return o
}

// Negotiator owns one peer connection and the local half of the offer/answer/candidate
// exchange. Remote candidates that arrive before the remote description are buffered
// and applied once it is set; duplicates are applied once.
type Negotiator struct {
	conn   rtcConn
	logger *zap.Logger
	events *queue.Queue[Event]

	// opMu serializes negotiation operations; it is never taken by pion callbacks.
	opMu           sync.Mutex
	remoteSet      bool
	pending        []webrtc.ICECandidateInit
	seenCandidates map[string]struct{}

	mu       sync.Mutex
	state    State
	channels []*Channel
}

// NewNegotiator creates a peer connection configured with the given ICE servers.
func NewNegotiator(options Options) (*Negotiator, error) {
	opts := options.withDefaults()

	conn, err := opts.newConn(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: opts.ICEServers}},
	}, opts.IncludeLoopback)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	n := &Negotiator{
		conn:           conn,
		logger:         opts.Logger,
		events:         queue.New[Event](),
		seenCandidates: make(map[string]struct{}),
		state:          StateNew,
	}

	conn.OnLocalCandidate(n.handleLocalCandidate)
	conn.OnConnectionStateChange(n.handleConnectionState)
	conn.OnDataChannel(func(dc dataChannel) {
		n.logger.Debug("remote data channel announced", zap.String("label", dc.Label()))
		n.track(newChannel(dc, n.logger, n.handleChannelOpen))
	})
	return n, nil
}

// Events returns the event stream. It is closed by Close.
func (n *Negotiator) Events() <-chan Event {
	return n.events.Out()
}

// State returns the current state.
func (n *Negotiator) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// CreateOffer creates and applies a local offer. Valid only from new.
func (n *Negotiator) CreateOffer() (models.SessionDescription, error) {
	n.opMu.Lock()
	defer n.opMu.Unlock()

	if err := n.requireState(StateNew); err != nil {
		return models.SessionDescription{}, err
	}

	offer, err := n.conn.CreateOffer(nil)
	if err != nil {
		return models.SessionDescription{}, fmt.Errorf("%w: create offer: %v", ErrNegotiation, err)
	}
	if err := n.conn.SetLocalDescription(offer); err != nil {
		return models.SessionDescription{}, fmt.Errorf("%w: apply local offer: %v", ErrNegotiation, err)
	}

	n.setState(StateHaveLocalOffer)
	return toModel(offer), nil
}

// CreateAnswer applies the remote offer, then creates and applies a local answer.
// Valid only from new.
func (n *Negotiator) CreateAnswer(remoteOffer models.SessionDescription) (models.SessionDescription, error) {
	n.opMu.Lock()
	defer n.opMu.Unlock()

	if err := n.requireState(StateNew); err != nil {
		return models.SessionDescription{}, err
	}
	if err := n.applyRemote(remoteOffer, webrtc.SDPTypeOffer, StateHaveRemoteOffer); err != nil {
		return models.SessionDescription{}, err
	}

	answer, err := n.conn.CreateAnswer(nil)
	if err != nil {
		return models.SessionDescription{}, fmt.Errorf("%w: create answer: %v", ErrNegotiation, err)
	}
	if err := n.conn.SetLocalDescription(answer); err != nil {
		return models.SessionDescription{}, fmt.Errorf("%w: apply local answer: %v", ErrNegotiation, err)
	}

	n.setState(StateHaveLocalAnswer)
	return toModel(answer), nil
}

// SetRemoteDescription applies a remote offer (from new) or answer (from
// have-local-offer).
func (n *Negotiator) SetRemoteDescription(desc models.SessionDescription) error {
	n.opMu.Lock()
	defer n.opMu.Unlock()

	current := n.State()
	if current == StateClosed {
		return fmt.Errorf("%w: connection closed", ErrInvalidState)
	}

	switch desc.Type {
	case webrtc.SDPTypeOffer.String():
		if current != StateNew {
			return fmt.Errorf("%w: cannot apply offer in state %s", ErrNegotiation, current)
		}
		return n.applyRemote(desc, webrtc.SDPTypeOffer, StateHaveRemoteOffer)
	case webrtc.SDPTypeAnswer.String():
		if current != StateHaveLocalOffer {
			return fmt.Errorf("%w: cannot apply answer in state %s", ErrNegotiation, current)
		}
		return n.applyRemote(desc, webrtc.SDPTypeAnswer, StateConnecting)
	default:
		return fmt.Errorf("%w: unsupported description type %q", ErrNegotiation, desc.Type)
	}
}

// AddCandidate applies a remote candidate, or buffers it until the remote description
// is set. A candidate already buffered or applied is ignored; one that failed to apply
// may be retried.
func (n *Negotiator) AddCandidate(candidate models.Candidate) error {
	n.opMu.Lock()
	defer n.opMu.Unlock()

	if n.State() == StateClosed {
		return fmt.Errorf("%w: connection closed", ErrInvalidState)
	}

	key := candidate.Key()
	if _, seen := n.seenCandidates[key]; seen {
		n.logger.Debug("ignoring duplicate candidate", zap.String("candidate", candidate.Candidate))
		return nil
	}

	init := webrtc.ICECandidateInit{
		Candidate:     candidate.Candidate,
		SDPMid:        candidate.SDPMid,
		SDPMLineIndex: candidate.SDPMLineIndex,
	}
	if !n.remoteSet {
		n.pending = append(n.pending, init)
		n.seenCandidates[key] = struct{}{}
		return nil
	}
	if err := n.conn.AddICECandidate(init); err != nil {
		return fmt.Errorf("%w: add candidate: %v", ErrNegotiation, err)
	}
	n.seenCandidates[key] = struct{}{}
	return nil
}

// PendingCandidates returns the number of buffered remote candidates.
func (n *Negotiator) PendingCandidates() int {
	n.opMu.Lock()
	defer n.opMu.Unlock()
	return len(n.pending)
}

// CreateDataChannel requests an ordered, reliable data channel. A ChannelOpen event
// follows once it opens.
func (n *Negotiator) CreateDataChannel(label string) (*Channel, error) {
	n.opMu.Lock()
	defer n.opMu.Unlock()

	if n.State() == StateClosed {
		return nil, fmt.Errorf("%w: connection closed", ErrInvalidState)
	}

	ordered := true
	dc, err := n.conn.CreateDataChannel(label, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return nil, fmt.Errorf("create data channel %q: %w", label, err)
	}

	channel := newChannel(dc, n.logger, n.handleChannelOpen)
	n.track(channel)
	return channel, nil
}

// Close releases every channel and the connection. It is idempotent and no event is
// delivered afterwards.
func (n *Negotiator) Close() error {
	n.mu.Lock()
	if n.state == StateClosed {
		n.mu.Unlock()
		return nil
	}
	n.state = StateClosed
	channels := n.channels
	n.channels = nil
	n.mu.Unlock()

	n.events.Close()

	for _, channel := range channels {
		_ = channel.Close()
	}
	if err := n.conn.Close(); err != nil {
		return fmt.Errorf("close peer connection: %w", err)
	}
	n.logger.Debug("peer connection closed")
	return nil
}

// applyRemote must be called with opMu held.
func (n *Negotiator) applyRemote(desc models.SessionDescription, sdpType webrtc.SDPType, next State) error {
	if desc.Type != sdpType.String() {
		return fmt.Errorf("%w: expected %s, got %q", ErrNegotiation, sdpType, desc.Type)
	}
	if err := n.conn.SetRemoteDescription(webrtc.SessionDescription{Type: sdpType, SDP: desc.SDP}); err != nil {
		return fmt.Errorf("%w: apply remote %s: %v", ErrNegotiation, sdpType, err)
	}

	n.remoteSet = true
	n.setState(next)
	n.flushPending()
	return nil
}

// flushPending must be called with opMu held.
func (n *Negotiator) flushPending() {
	pending := n.pending
	n.pending = nil
	for _, candidate := range pending {
		if err := n.conn.AddICECandidate(candidate); err != nil {
			n.logger.Warn("apply buffered candidate failed", zap.String("candidate", candidate.Candidate), zap.Error(err))
		}
	}
	if len(pending) > 0 {
		n.logger.Debug("applied buffered candidates", zap.Int("count", len(pending)))
	}
}

func (n *Negotiator) requireState(want State) error {
	current := n.State()
	if current == want {
		return nil
	}
	return fmt.Errorf("%w: %s (want %s)", ErrInvalidState, current, want)
}

// setState records a transition and emits it, unless the negotiator is closed. A
// negotiation state never replaces a connection state reported by the transport, and
// connecting never moves the state back once the transport has reported progress.
func (n *Negotiator) setState(next State) {
	n.mu.Lock()
	if n.state == StateClosed || n.state == next || (n.state.connectionPhase() && !next.connectionPhase()) ||
		(next == StateConnecting && n.state.connectionPhase()) {
		n.mu.Unlock()
		return
	}
	n.state = next
	n.mu.Unlock()

	n.logger.Debug("negotiation state changed", zap.String("state", string(next)))
	n.events.Push(StateChanged{State: next})
}

func (n *Negotiator) handleConnectionState(state webrtc.PeerConnectionState) {
	switch state {
	case webrtc.PeerConnectionStateConnecting:
		n.setState(StateConnecting)
	case webrtc.PeerConnectionStateConnected:
		n.setState(StateConnected)
	case webrtc.PeerConnectionStateDisconnected:
		n.setState(StateDisconnected)
	case webrtc.PeerConnectionStateFailed:
		n.setState(StateFailed)
	}
}

func (n *Negotiator) handleLocalCandidate(init webrtc.ICECandidateInit) {
	if n.State() == StateClosed {
		return
	}
	n.events.Push(LocalCandidate{Candidate: models.Candidate{
		Candidate:     init.Candidate,
		SDPMid:        init.SDPMid,
		SDPMLineIndex: init.SDPMLineIndex,
	}})
}

func (n *Negotiator) handleChannelOpen(channel *Channel) {
	if n.State() == StateClosed {
		return
	}
	n.events.Push(ChannelOpen{Channel: channel})
}

func (n *Negotiator) track(channel *Channel) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state == StateClosed {
		_ = channel.Close()
		return
	}
	n.channels = append(n.channels, channel)
}

func toModel(desc webrtc.SessionDescription) models.SessionDescription {
	return models.SessionDescription{Type: desc.Type.String(), SDP: desc.SDP}
}
