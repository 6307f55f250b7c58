package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"sharewave/logging"
	"sharewave/models"
	"sharewave/signaling"
)

// DefaultDialTimeout bounds the WebSocket handshake.
const DefaultDialTimeout = 15 * time.Second

// ClientOptions configures a relay client.
type ClientOptions struct {
	DialTimeout time.Duration
	WriteWait   time.Duration
	Logger      *zap.Logger
}

func (o ClientOptions) withDefaults() ClientOptions {
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.WriteWait <= 0 {
		o.WriteWait = DefaultWriteWait
	}
	o.Logger = logging.OrNop(o.Logger)
	return o
}

// Client is a signaling.Store backed by a remote relay Server.
type Client struct {
	conn    *websocket.Conn
	options ClientOptions

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan Message
	watches map[string]*signaling.UpdateQueue

	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

var _ signaling.Store = (*Client)(nil)

// Dial connects to a relay at url (ws:// or wss://).
func Dial(ctx context.Context, url string, options ClientOptions) (*Client, error) {
	opts := options.withDefaults()

	dialer := websocket.Dialer{HandshakeTimeout: opts.DialTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial relay %q: %v", signaling.ErrStoreUnavailable, url, err)
	}

	c := &Client{
		conn:    conn,
		options: opts,
		pending: make(map[string]chan Message),
		watches: make(map[string]*signaling.UpdateQueue),
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Close disconnects from the relay. Pending requests fail with ErrStoreUnavailable.
func (c *Client) Close() error {
	c.shutdown(errors.New("client closed"))
	return nil
}

// Done is closed when the connection to the relay ends.
func (c *Client) Done() <-chan struct{} {
	return c.closed
}

func (c *Client) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeErr = cause
		watches := c.watches
		c.watches = make(map[string]*signaling.UpdateQueue)
		c.mu.Unlock()

		close(c.closed)

		c.writeMu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.options.WriteWait))
		_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		_ = c.conn.Close()

		for _, queue := range watches {
			queue.Stop()
		}
	})
}

func (c *Client) readLoop() {
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
			default:
				c.options.Logger.Warn("relay connection lost", zap.Error(err))
			}
			c.shutdown(err)
			return
		}

		msg, err := decodeMessage(payload)
		if err != nil {
			c.options.Logger.Warn("dropping malformed relay frame", zap.Error(err))
			continue
		}

		switch msg.Type {
		case TypeResult:
			c.mu.Lock()
			ch, ok := c.pending[msg.RequestID]
			delete(c.pending, msg.RequestID)
			c.mu.Unlock()
			if ok {
				ch <- msg
			}
		case TypeUpdate:
			c.mu.Lock()
			queue, ok := c.watches[msg.SubscriptionID]
			c.mu.Unlock()
			if ok {
				queue.Push(signaling.Update{Key: msg.Key, Value: msg.Value})
			}
		default:
			c.options.Logger.Debug("ignoring relay frame", zap.String("type", msg.Type))
		}
	}
}

func (c *Client) write(msg Message) error {
	payload, err := encodeMessage(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.options.WriteWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("%w: write relay frame: %v", signaling.ErrStoreUnavailable, err)
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, msg Message) (Message, error) {
	msg.RequestID = uuid.NewString()
	result := make(chan Message, 1)

	c.mu.Lock()
	select {
	case <-c.closed:
		c.mu.Unlock()
		return Message{}, c.unavailable()
	default:
	}
	c.pending[msg.RequestID] = result
	c.mu.Unlock()

	forget := func() {
		c.mu.Lock()
		delete(c.pending, msg.RequestID)
		c.mu.Unlock()
	}

	if err := c.write(msg); err != nil {
		forget()
		return Message{}, err
	}

	select {
	case resp := <-result:
		if err := errorFromResult(resp); err != nil {
			return Message{}, err
		}
		return resp, nil
	case <-ctx.Done():
		forget()
		return Message{}, ctx.Err()
	case <-c.closed:
		forget()
		return Message{}, c.unavailable()
	}
}

func (c *Client) unavailable() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fmt.Errorf("%w: relay connection closed: %v", signaling.ErrStoreUnavailable, c.closeErr)
}

// CreateRoom registers a room on the relay.
func (c *Client) CreateRoom(ctx context.Context, roomID string, createdAt time.Time) error {
	_, err := c.roundTrip(ctx, Message{Type: TypeCreateRoom, RoomID: roomID, CreatedAt: createdAt.UnixMilli()})
	return err
}

// GetRoom fetches the room header.
func (c *Client) GetRoom(ctx context.Context, roomID string) (models.Room, error) {
	resp, err := c.roundTrip(ctx, Message{Type: TypeGetRoom, RoomID: roomID})
	if err != nil {
		return models.Room{}, err
	}
	if resp.Room == nil {
		return models.Room{}, fmt.Errorf("%w: empty get_room result", ErrBadRequest)
	}
	return *resp.Room, nil
}

// Put writes a description or appends a candidate.
func (c *Client) Put(ctx context.Context, roomID string, category signaling.Category, value []byte) error {
	_, err := c.roundTrip(ctx, Message{Type: TypePut, RoomID: roomID, Category: category, Value: value})
	return err
}

// Get returns the current entries of a category.
func (c *Client) Get(ctx context.Context, roomID string, category signaling.Category) ([]signaling.Update, error) {
	resp, err := c.roundTrip(ctx, Message{Type: TypeGet, RoomID: roomID, Category: category})
	if err != nil {
		return nil, err
	}
	return resp.Updates, nil
}

// Watch subscribes on the relay. The queue is registered before the request is sent,
// so updates racing ahead of the subscribe result are kept.
func (c *Client) Watch(ctx context.Context, roomID string, category signaling.Category, fn signaling.WatchFunc) (func(), error) {
	if fn == nil {
		return nil, errors.New("relay: watch func is required")
	}

	subscriptionID := uuid.NewString()
	queue := signaling.NewUpdateQueue(fn)

	c.mu.Lock()
	c.watches[subscriptionID] = queue
	c.mu.Unlock()

	drop := func() {
		c.mu.Lock()
		delete(c.watches, subscriptionID)
		c.mu.Unlock()
		queue.Stop()
	}

	_, err := c.roundTrip(ctx, Message{
		Type:           TypeSubscribe,
		SubscriptionID: subscriptionID,
		RoomID:         roomID,
		Category:       category,
	})
	if err != nil {
		drop()
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			drop()
			select {
			case <-c.closed:
				return
			default:
			}
			if err := c.write(Message{Type: TypeUnsubscribe, RequestID: uuid.NewString(), SubscriptionID: subscriptionID}); err != nil {
				c.options.Logger.Debug("unsubscribe failed", zap.String("subscription_id", subscriptionID), zap.Error(err))
			}
		})
	}, nil
}

// SetStatus updates the advisory room status.
func (c *Client) SetStatus(ctx context.Context, roomID string, status models.RoomStatus) error {
	_, err := c.roundTrip(ctx, Message{Type: TypeSetStatus, RoomID: roomID, Status: status})
	return err
}

// DeleteRoom removes the room on the relay.
func (c *Client) DeleteRoom(ctx context.Context, roomID string) error {
	_, err := c.roundTrip(ctx, Message{Type: TypeDeleteRoom, RoomID: roomID})
	return err
}

// DeleteRoomsCreatedBefore asks the relay to sweep rooms created before cutoff.
func (c *Client) DeleteRoomsCreatedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	resp, err := c.roundTrip(ctx, Message{Type: TypeDeleteExpired, CreatedAt: cutoff.UnixMilli()})
	if err != nil {
		return 0, err
	}
	return resp.Count, nil
}
