package peer

import (
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
)

type fakeConn struct {
	mu sync.Mutex

	localDescriptions  []webrtc.SessionDescription
	remoteDescriptions []webrtc.SessionDescription
	applied            []webrtc.ICECandidateInit
	channels           []*fakeDataChannel
	closed             int
	failRemote         error
	failCandidates     int
	onRemoteApplied    func()

	onCandidate   func(webrtc.ICECandidateInit)
	onState       func(webrtc.PeerConnectionState)
	onDataChannel func(dataChannel)
}

func newFakeFactory(conn *fakeConn) func(webrtc.Configuration, bool) (rtcConn, error) {
	return func(webrtc.Configuration, bool) (rtcConn, error) {
		return conn, nil
	}
}

func (f *fakeConn) CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "fake-offer"}, nil
}

func (f *fakeConn) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "fake-answer"}, nil
}

func (f *fakeConn) SetLocalDescription(desc webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.localDescriptions = append(f.localDescriptions, desc)
	return nil
}

func (f *fakeConn) SetRemoteDescription(desc webrtc.SessionDescription) error {
	f.mu.Lock()
	if f.failRemote != nil {
		f.mu.Unlock()
		return f.failRemote
	}
	f.remoteDescriptions = append(f.remoteDescriptions, desc)
	hook := f.onRemoteApplied
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

// AddICECandidate fails before a remote description, like pion does.
func (f *fakeConn) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.remoteDescriptions) == 0 {
		return errors.New("remote description not set")
	}
	if f.failCandidates > 0 {
		f.failCandidates--
		return errors.New("candidate rejected")
	}
	f.applied = append(f.applied, candidate)
	return nil
}

func (f *fakeConn) CreateDataChannel(label string, _ *webrtc.DataChannelInit) (dataChannel, error) {
	dc := newFakeDataChannel(label)
	f.mu.Lock()
	f.channels = append(f.channels, dc)
	f.mu.Unlock()
	return dc, nil
}

func (f *fakeConn) OnLocalCandidate(fn func(webrtc.ICECandidateInit)) { f.onCandidate = fn }

func (f *fakeConn) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) { f.onState = fn }

func (f *fakeConn) OnDataChannel(fn func(dataChannel)) { f.onDataChannel = fn }

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeConn) appliedCandidates() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.applied))
	for _, c := range f.applied {
		out = append(out, c.Candidate)
	}
	return out
}

type fakeDataChannel struct {
	label string

	mu        sync.Mutex
	state     webrtc.DataChannelState
	buffered  uint64
	sent      [][]byte
	threshold uint64

	onOpen    func()
	onClose   func()
	onMessage func(webrtc.DataChannelMessage)
	onLow     func()
}

func newFakeDataChannel(label string) *fakeDataChannel {
	return &fakeDataChannel{label: label, state: webrtc.DataChannelStateConnecting}
}

func (d *fakeDataChannel) Label() string                                  { return d.label }
func (d *fakeDataChannel) OnOpen(fn func())                               { d.onOpen = fn }
func (d *fakeDataChannel) OnClose(fn func())                              { d.onClose = fn }
func (d *fakeDataChannel) OnMessage(fn func(webrtc.DataChannelMessage))   { d.onMessage = fn }
func (d *fakeDataChannel) OnBufferedAmountLow(fn func())                  { d.onLow = fn }
func (d *fakeDataChannel) SetBufferedAmountLowThreshold(threshold uint64) { d.threshold = threshold }

func (d *fakeDataChannel) BufferedAmount() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.buffered
}

func (d *fakeDataChannel) ReadyState() webrtc.DataChannelState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *fakeDataChannel) Send(data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != webrtc.DataChannelStateOpen {
		return errors.New("data channel not open")
	}
	d.sent = append(d.sent, append([]byte(nil), data...))
	return nil
}

func (d *fakeDataChannel) Close() error {
	d.mu.Lock()
	wasOpen := d.state != webrtc.DataChannelStateClosed
	d.state = webrtc.DataChannelStateClosed
	d.mu.Unlock()
	if wasOpen && d.onClose != nil {
		d.onClose()
	}
	return nil
}

func (d *fakeDataChannel) open() {
	d.mu.Lock()
	d.state = webrtc.DataChannelStateOpen
	d.mu.Unlock()
	d.onOpen()
}

func (d *fakeDataChannel) deliver(data []byte) {
	d.onMessage(webrtc.DataChannelMessage{IsString: false, Data: data})
}

func (d *fakeDataChannel) setBuffered(amount uint64) {
	d.mu.Lock()
	d.buffered = amount
	d.mu.Unlock()
}

func (d *fakeDataChannel) sentCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sent)
}
