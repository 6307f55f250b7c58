package peer

import (
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"sharewave/models"
)

func newTestNegotiator(t *testing.T) (*Negotiator, *fakeConn) {
	t.Helper()
	conn := &fakeConn{}
	n, err := NewNegotiator(Options{newConn: newFakeFactory(conn)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })
	return n, conn
}

func candidate(raw string) models.Candidate {
	mid := "0"
	index := uint16(0)
	return models.Candidate{Candidate: raw, SDPMid: &mid, SDPMLineIndex: &index}
}

func nextEvent(t *testing.T, n *Negotiator) Event {
	t.Helper()
	select {
	case ev, ok := <-n.Events():
		require.True(t, ok, "event stream closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event")
		return nil
	}
}

func TestNegotiatorInitiatorFlow(t *testing.T) {
	req := require.New(t)
	n, conn := newTestNegotiator(t)

	offer, err := n.CreateOffer()
	req.NoError(err)
	req.Equal(models.SessionDescription{Type: "offer", SDP: "fake-offer"}, offer)
	req.Equal(StateHaveLocalOffer, n.State())
	req.Equal(StateChanged{State: StateHaveLocalOffer}, nextEvent(t, n))

	req.NoError(n.SetRemoteDescription(models.SessionDescription{Type: "answer", SDP: "remote-answer"}))
	req.Equal(StateConnecting, n.State())
	req.Equal(StateChanged{State: StateConnecting}, nextEvent(t, n))

	conn.onState(webrtc.PeerConnectionStateConnected)
	req.Equal(StateChanged{State: StateConnected}, nextEvent(t, n))
	req.Equal(StateConnected, n.State())
}

func TestNegotiatorResponderFlow(t *testing.T) {
	req := require.New(t)
	n, conn := newTestNegotiator(t)

	answer, err := n.CreateAnswer(models.SessionDescription{Type: "offer", SDP: "remote-offer"})
	req.NoError(err)
	req.Equal("answer", answer.Type)
	req.Equal(StateHaveLocalAnswer, n.State())
	req.Equal(StateChanged{State: StateHaveRemoteOffer}, nextEvent(t, n))
	req.Equal(StateChanged{State: StateHaveLocalAnswer}, nextEvent(t, n))

	conn.mu.Lock()
	req.Equal("remote-offer", conn.remoteDescriptions[0].SDP)
	req.Equal(webrtc.SDPTypeAnswer, conn.localDescriptions[0].Type)
	conn.mu.Unlock()
}

func TestNegotiatorBuffersEarlyCandidates(t *testing.T) {
	req := require.New(t)
	n, conn := newTestNegotiator(t)

	_, err := n.CreateOffer()
	req.NoError(err)

	req.NoError(n.AddCandidate(candidate("candidate:1")))
	req.NoError(n.AddCandidate(candidate("candidate:2")))
	req.Equal(2, n.PendingCandidates())
	req.Empty(conn.appliedCandidates())

	req.NoError(n.SetRemoteDescription(models.SessionDescription{Type: "answer", SDP: "remote-answer"}))
	req.Zero(n.PendingCandidates())
	req.Equal([]string{"candidate:1", "candidate:2"}, conn.appliedCandidates())

	req.NoError(n.AddCandidate(candidate("candidate:3")))
	req.Equal([]string{"candidate:1", "candidate:2", "candidate:3"}, conn.appliedCandidates())
}

func TestNegotiatorIgnoresDuplicateCandidates(t *testing.T) {
	req := require.New(t)
	n, conn := newTestNegotiator(t)

	req.NoError(n.AddCandidate(candidate("candidate:1")))
	req.NoError(n.AddCandidate(candidate("candidate:1")))
	_, err := n.CreateAnswer(models.SessionDescription{Type: "offer", SDP: "remote-offer"})
	req.NoError(err)
	req.NoError(n.AddCandidate(candidate("candidate:1")))

	req.Equal([]string{"candidate:1"}, conn.appliedCandidates())
}

func TestNegotiatorRetriesCandidateAfterFailedApply(t *testing.T) {
	req := require.New(t)
	n, conn := newTestNegotiator(t)

	_, err := n.CreateAnswer(models.SessionDescription{Type: "offer", SDP: "remote-offer"})
	req.NoError(err)

	conn.mu.Lock()
	conn.failCandidates = 1
	conn.mu.Unlock()

	req.ErrorIs(n.AddCandidate(candidate("candidate:1")), ErrNegotiation)
	req.Empty(conn.appliedCandidates())

	req.NoError(n.AddCandidate(candidate("candidate:1")))
	req.Equal([]string{"candidate:1"}, conn.appliedCandidates())

	req.NoError(n.AddCandidate(candidate("candidate:1")))
	req.Equal([]string{"candidate:1"}, conn.appliedCandidates())
}

func TestNegotiatorAnswerKeepsReportedConnection(t *testing.T) {
	req := require.New(t)
	n, conn := newTestNegotiator(t)

	_, err := n.CreateOffer()
	req.NoError(err)
	req.Equal(StateChanged{State: StateHaveLocalOffer}, nextEvent(t, n))

	conn.onRemoteApplied = func() { conn.onState(webrtc.PeerConnectionStateConnected) }
	req.NoError(n.SetRemoteDescription(models.SessionDescription{Type: "answer", SDP: "remote-answer"}))
	req.Equal(StateConnected, n.State())
	req.Equal(StateChanged{State: StateConnected}, nextEvent(t, n))

	conn.onState(webrtc.PeerConnectionStateConnecting)
	req.Equal(StateConnected, n.State())

	conn.onState(webrtc.PeerConnectionStateFailed)
	req.Equal(StateChanged{State: StateFailed}, nextEvent(t, n))
	n.setState(StateConnecting)
	req.Equal(StateFailed, n.State())
}

func TestNegotiatorRejectsOutOfSequenceOperations(t *testing.T) {
	req := require.New(t)
	n, _ := newTestNegotiator(t)

	err := n.SetRemoteDescription(models.SessionDescription{Type: "answer", SDP: "early"})
	req.ErrorIs(err, ErrNegotiation)
	req.ErrorIs(n.SetRemoteDescription(models.SessionDescription{Type: "pranswer"}), ErrNegotiation)

	_, err = n.CreateOffer()
	req.NoError(err)
	_, err = n.CreateOffer()
	req.ErrorIs(err, ErrInvalidState)
	_, err = n.CreateAnswer(models.SessionDescription{Type: "offer", SDP: "x"})
	req.ErrorIs(err, ErrInvalidState)
	req.ErrorIs(n.SetRemoteDescription(models.SessionDescription{Type: "offer", SDP: "x"}), ErrNegotiation)
}

func TestNegotiatorSurfacesTransportFailure(t *testing.T) {
	req := require.New(t)
	n, conn := newTestNegotiator(t)

	_, err := n.CreateOffer()
	req.NoError(err)
	nextEvent(t, n)

	conn.onState(webrtc.PeerConnectionStateFailed)
	req.Equal(StateChanged{State: StateFailed}, nextEvent(t, n))
	req.Equal(StateFailed, n.State())
}

func TestNegotiatorForwardsLocalCandidates(t *testing.T) {
	req := require.New(t)
	n, conn := newTestNegotiator(t)

	mid := "0"
	index := uint16(0)
	conn.onCandidate(webrtc.ICECandidateInit{Candidate: "candidate:local", SDPMid: &mid, SDPMLineIndex: &index})

	ev, ok := nextEvent(t, n).(LocalCandidate)
	req.True(ok)
	req.Equal("candidate:local", ev.Candidate.Candidate)
	req.Equal("0", *ev.Candidate.SDPMid)
	req.EqualValues(0, *ev.Candidate.SDPMLineIndex)
}

func TestNegotiatorChannelOpenEvents(t *testing.T) {
	req := require.New(t)
	n, conn := newTestNegotiator(t)

	local, err := n.CreateDataChannel("files")
	req.NoError(err)
	conn.channels[0].open()

	ev, ok := nextEvent(t, n).(ChannelOpen)
	req.True(ok)
	req.Same(local, ev.Channel)

	remote := newFakeDataChannel("remote")
	conn.onDataChannel(remote)
	remote.open()

	ev, ok = nextEvent(t, n).(ChannelOpen)
	req.True(ok)
	req.Equal("remote", ev.Channel.Label())
}

func TestNegotiatorCloseIsIdempotentAndSilent(t *testing.T) {
	req := require.New(t)
	n, conn := newTestNegotiator(t)

	channel, err := n.CreateDataChannel("files")
	req.NoError(err)

	req.NoError(n.Close())
	req.NoError(n.Close())
	req.Equal(StateClosed, n.State())
	req.Equal(1, conn.closed)

	select {
	case <-channel.Done():
	default:
		t.Fatal("channel not closed with negotiator")
	}

	conn.onState(webrtc.PeerConnectionStateConnected)
	conn.onCandidate(webrtc.ICECandidateInit{Candidate: "candidate:late"})
	select {
	case ev, ok := <-n.Events():
		req.False(ok, "unexpected event after close: %#v", ev)
	case <-time.After(time.Second):
		t.Fatal("event stream not closed")
	}

	_, err = n.CreateOffer()
	req.ErrorIs(err, ErrInvalidState)
	_, err = n.CreateDataChannel("again")
	req.ErrorIs(err, ErrInvalidState)
	req.ErrorIs(n.AddCandidate(candidate("candidate:9")), ErrInvalidState)
	req.ErrorIs(n.SetRemoteDescription(models.SessionDescription{Type: "offer"}), ErrInvalidState)
}
