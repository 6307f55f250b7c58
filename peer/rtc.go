package peer

import (
	"github.com/pion/webrtc/v4"
)

// rtcConn is the slice of *webrtc.PeerConnection the Negotiator drives.
type rtcConn interface {
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	CreateDataChannel(label string, init *webrtc.DataChannelInit) (dataChannel, error)
	OnLocalCandidate(fn func(webrtc.ICECandidateInit))
	OnConnectionStateChange(fn func(webrtc.PeerConnectionState))
	OnDataChannel(fn func(dataChannel))
	Close() error
}

// dataChannel is the slice of *webrtc.DataChannel a Channel drives.
type dataChannel interface {
	Label() string
	OnOpen(fn func())
	OnClose(fn func())
	OnMessage(fn func(msg webrtc.DataChannelMessage))
	OnBufferedAmountLow(fn func())
	SetBufferedAmountLowThreshold(threshold uint64)
	BufferedAmount() uint64
	ReadyState() webrtc.DataChannelState
	Send(data []byte) error
	Close() error
}

var _ dataChannel = (*webrtc.DataChannel)(nil)

type pionConn struct {
	*webrtc.PeerConnection
}

func newPionConn(config webrtc.Configuration, includeLoopback bool) (rtcConn, error) {
	settings := webrtc.SettingEngine{}
	settings.SetIncludeLoopbackCandidate(includeLoopback)

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settings))
	pc, err := api.NewPeerConnection(config)
	if err != nil {
		return nil, err
	}
	return pionConn{PeerConnection: pc}, nil
}

func (p pionConn) CreateDataChannel(label string, init *webrtc.DataChannelInit) (dataChannel, error) {
	dc, err := p.PeerConnection.CreateDataChannel(label, init)
	if err != nil {
		return nil, err
	}
	return dc, nil
}

// OnLocalCandidate skips the nil end-of-gathering notification.
func (p pionConn) OnLocalCandidate(fn func(webrtc.ICECandidateInit)) {
	p.PeerConnection.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		fn(candidate.ToJSON())
	})
}

func (p pionConn) OnDataChannel(fn func(dataChannel)) {
	p.PeerConnection.OnDataChannel(func(dc *webrtc.DataChannel) {
		fn(dc)
	})
}
