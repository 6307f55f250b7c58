package peer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"sharewave/logging"
	"sharewave/queue"
)

const (
	// DefaultMaxBufferedAmount pauses Send while more than this many bytes are queued
	// in the data channel.
	DefaultMaxBufferedAmount = 1 << 20
	// DefaultLowBufferedAmount resumes Send once the queue drains below this.
	DefaultLowBufferedAmount = 256 << 10

	bufferPollInterval = 50 * time.Millisecond
)

// ErrChannelClosed indicates the transfer channel is closed.
var ErrChannelClosed = errors.New("peer: channel closed")

// Channel is the ordered, reliable, message-framed duplex transfer channel.
type Channel struct {
	dc          dataChannel
	maxBuffered uint64
	logger      *zap.Logger

	messages *queue.Queue[[]byte]
	lowWater chan struct{}

	opened   chan struct{}
	openOnce sync.Once

	done      chan struct{}
	doneOnce  sync.Once
	closeOnce sync.Once
}

func newChannel(dc dataChannel, logger *zap.Logger, onOpen func(*Channel)) *Channel {
	c := &Channel{
		dc:          dc,
		maxBuffered: DefaultMaxBufferedAmount,
		logger:      logging.OrNop(logger).With(zap.String("label", dc.Label())),
		messages:    queue.New[[]byte](),
		lowWater:    make(chan struct{}, 1),
		opened:      make(chan struct{}),
		done:        make(chan struct{}),
	}

	dc.SetBufferedAmountLowThreshold(DefaultLowBufferedAmount)
	dc.OnBufferedAmountLow(func() {
		select {
		case c.lowWater <- struct{}{}:
		default:
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		c.messages.Push(append([]byte(nil), msg.Data...))
	})
	dc.OnClose(func() {
		c.logger.Debug("data channel closed")
		c.markClosed()
	})
	dc.OnOpen(func() {
		c.markOpen()
		if onOpen != nil {
			onOpen(c)
		}
	})
	if dc.ReadyState() == webrtc.DataChannelStateOpen {
		c.markOpen()
	}
	return c
}

// Label returns the data channel label.
func (c *Channel) Label() string {
	return c.dc.Label()
}

// Opened is closed once the channel can carry messages.
func (c *Channel) Opened() <-chan struct{} {
	return c.opened
}

// Done is closed once the channel is closed by either side.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Send writes one message, waiting for the channel to open and for the send buffer to
// drain below the high-water mark.
func (c *Channel) Send(ctx context.Context, payload []byte) error {
	select {
	case <-c.opened:
	case <-c.done:
		return ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	for c.dc.BufferedAmount() > c.maxBuffered {
		timer := time.NewTimer(bufferPollInterval)
		select {
		case <-c.lowWater:
		case <-timer.C:
		case <-c.done:
			timer.Stop()
			return ErrChannelClosed
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
		timer.Stop()
	}

	select {
	case <-c.done:
		return ErrChannelClosed
	default:
	}
	if err := c.dc.Send(payload); err != nil {
		return errors.Join(ErrChannelClosed, err)
	}
	return nil
}

// Flush waits until every sent message has left the local send buffer, so closing the
// connection afterwards does not cut off queued chunks.
func (c *Channel) Flush(ctx context.Context) error {
	for c.dc.BufferedAmount() > 0 {
		timer := time.NewTimer(bufferPollInterval)
		select {
		case <-timer.C:
		case <-c.done:
			timer.Stop()
			return ErrChannelClosed
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
	return nil
}

// Receive returns the next inbound message. Messages that arrived before the channel
// closed are still returned; afterwards Receive fails with ErrChannelClosed.
func (c *Channel) Receive(ctx context.Context) ([]byte, error) {
	select {
	case msg, ok := <-c.messages.Out():
		if !ok {
			return nil, ErrChannelClosed
		}
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close closes the data channel. It is safe to call more than once.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.dc.Close()
	})
	c.markClosed()
	return err
}

func (c *Channel) markOpen() {
	c.openOnce.Do(func() {
		c.logger.Debug("data channel open")
		close(c.opened)
	})
}

func (c *Channel) markClosed() {
	c.doneOnce.Do(func() {
		close(c.done)
		c.messages.Finish()
	})
}
