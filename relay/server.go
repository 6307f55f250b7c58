package relay

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"sharewave/logging"
	"sharewave/signaling"
)

const (
	// DefaultWriteWait bounds one frame write.
	DefaultWriteWait = 10 * time.Second
	// DefaultPongWait is how long the server waits for a pong before dropping a client.
	DefaultPongWait = 60 * time.Second
	// DefaultMaxMessageSize caps inbound frames; SDPs are a few KB.
	DefaultMaxMessageSize = 64 * 1024

	sendBufferSize = 256
)

// ServerOptions configures the relay server.
type ServerOptions struct {
	// AllowedOrigins restricts browser origins; empty allows any.
	AllowedOrigins []string
	WriteWait      time.Duration
	PongWait       time.Duration
	MaxMessageSize int64
	Logger         *zap.Logger
}

func (o ServerOptions) withDefaults() ServerOptions {
	if o.WriteWait <= 0 {
		o.WriteWait = DefaultWriteWait
	}
	if o.PongWait <= 0 {
		o.PongWait = DefaultPongWait
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = DefaultMaxMessageSize
	}
	o.Logger = logging.OrNop(o.Logger)
	return o
}

// Server serves a signaling.Store to WebSocket clients.
type Server struct {
	store    signaling.Store
	options  ServerOptions
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*serverConn]struct{}

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewServer returns a relay over store.
func NewServer(store signaling.Store, options ServerOptions) *Server {
	opts := options.withDefaults()
	s := &Server{
		store:   store,
		options: opts,
		conns:   make(map[*serverConn]struct{}),
		closed:  make(chan struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.options.AllowedOrigins) == 0 {
		return true
	}
	return lo.Contains(s.options.AllowedOrigins, r.Header.Get("Origin"))
}

// ServeHTTP upgrades the request and serves relay messages until the client leaves.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.closed:
		http.Error(w, "relay shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.options.Logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &serverConn{
		server: s,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		subs:   make(map[string]func()),
		done:   make(chan struct{}),
		logger: s.options.Logger.With(zap.String("remote_addr", r.RemoteAddr)),
	}

	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	c.logger.Debug("relay client connected")
	s.wg.Add(2)
	go c.writePump()
	go c.readPump()
}

// Connections returns the number of connected clients.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close disconnects every client and waits for their pumps to exit.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.mu.Lock()
		conns := lo.Keys(s.conns)
		s.mu.Unlock()
		for _, c := range conns {
			c.close()
		}
		s.wg.Wait()
	})
	return nil
}

func (s *Server) remove(c *serverConn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

type serverConn struct {
	server *Server
	conn   *websocket.Conn
	send   chan []byte
	logger *zap.Logger

	mu   sync.Mutex
	subs map[string]func()

	done      chan struct{}
	closeOnce sync.Once
}

func (c *serverConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()

		c.mu.Lock()
		cancels := lo.Values(c.subs)
		c.subs = make(map[string]func())
		c.mu.Unlock()
		for _, cancel := range cancels {
			cancel()
		}

		c.server.remove(c)
		c.logger.Debug("relay client disconnected")
	})
}

func (c *serverConn) readPump() {
	defer c.server.wg.Done()
	defer c.close()

	opts := c.server.options
	c.conn.SetReadLimit(opts.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(opts.PongWait))
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("relay read failed", zap.Error(err))
			}
			return
		}

		msg, err := decodeMessage(payload)
		if err != nil {
			c.reply(Message{Type: TypeResult, Code: errorCode(err), Error: err.Error()})
			continue
		}
		c.handle(msg)
	}
}

func (c *serverConn) writePump() {
	defer c.server.wg.Done()

	opts := c.server.options
	ticker := time.NewTicker((opts.PongWait * 9) / 10)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

// enqueue hands a frame to the write pump; a client that cannot keep up is dropped
// rather than silently losing updates.
func (c *serverConn) enqueue(msg Message) {
	payload, err := encodeMessage(msg)
	if err != nil {
		c.logger.Error("encode relay message failed", zap.Error(err))
		return
	}

	select {
	case <-c.done:
	case c.send <- payload:
	default:
		c.logger.Warn("relay client too slow, disconnecting")
		go c.close()
	}
}

func (c *serverConn) reply(msg Message) {
	msg.Type = TypeResult
	c.enqueue(msg)
}

func (c *serverConn) fail(requestID string, err error) {
	c.reply(Message{RequestID: requestID, Code: errorCode(err), Error: err.Error()})
}

func (c *serverConn) handle(msg Message) {
	ctx, cancel := context.WithTimeout(context.Background(), c.server.options.WriteWait)
	defer cancel()

	store := c.server.store
	switch msg.Type {
	case TypeCreateRoom:
		createdAt := time.Now()
		if msg.CreatedAt > 0 {
			createdAt = time.UnixMilli(msg.CreatedAt)
		}
		if err := store.CreateRoom(ctx, msg.RoomID, createdAt); err != nil {
			c.fail(msg.RequestID, err)
			return
		}
		c.reply(Message{RequestID: msg.RequestID})

	case TypeGetRoom:
		room, err := store.GetRoom(ctx, msg.RoomID)
		if err != nil {
			c.fail(msg.RequestID, err)
			return
		}
		c.reply(Message{RequestID: msg.RequestID, Room: &room})

	case TypePut:
		if err := store.Put(ctx, msg.RoomID, msg.Category, msg.Value); err != nil {
			c.fail(msg.RequestID, err)
			return
		}
		c.reply(Message{RequestID: msg.RequestID})

	case TypeGet:
		updates, err := store.Get(ctx, msg.RoomID, msg.Category)
		if err != nil {
			c.fail(msg.RequestID, err)
			return
		}
		c.reply(Message{RequestID: msg.RequestID, Updates: updates})

	case TypeSubscribe:
		c.subscribe(ctx, msg)

	case TypeUnsubscribe:
		c.mu.Lock()
		cancelWatch, ok := c.subs[msg.SubscriptionID]
		delete(c.subs, msg.SubscriptionID)
		c.mu.Unlock()
		if ok {
			cancelWatch()
		}
		c.reply(Message{RequestID: msg.RequestID})

	case TypeSetStatus:
		if err := store.SetStatus(ctx, msg.RoomID, msg.Status); err != nil {
			c.fail(msg.RequestID, err)
			return
		}
		c.reply(Message{RequestID: msg.RequestID})

	case TypeDeleteRoom:
		if err := store.DeleteRoom(ctx, msg.RoomID); err != nil {
			c.fail(msg.RequestID, err)
			return
		}
		c.reply(Message{RequestID: msg.RequestID})

	case TypeDeleteExpired:
		count, err := store.DeleteRoomsCreatedBefore(ctx, time.UnixMilli(msg.CreatedAt))
		if err != nil {
			c.fail(msg.RequestID, err)
			return
		}
		c.reply(Message{RequestID: msg.RequestID, Count: count})

	default:
		c.fail(msg.RequestID, fmt.Errorf("%w: unknown type %q", ErrBadRequest, msg.Type))
	}
}

func (c *serverConn) subscribe(ctx context.Context, msg Message) {
	if msg.SubscriptionID == "" {
		c.fail(msg.RequestID, fmt.Errorf("%w: subscription_id is required", ErrBadRequest))
		return
	}

	c.mu.Lock()
	_, exists := c.subs[msg.SubscriptionID]
	c.mu.Unlock()
	if exists {
		c.fail(msg.RequestID, fmt.Errorf("%w: duplicate subscription_id %q", ErrBadRequest, msg.SubscriptionID))
		return
	}

	subscriptionID := msg.SubscriptionID
	cancelWatch, err := c.server.store.Watch(ctx, msg.RoomID, msg.Category, func(update signaling.Update) {
		c.enqueue(Message{
			Type:           TypeUpdate,
			SubscriptionID: subscriptionID,
			RoomID:         msg.RoomID,
			Category:       msg.Category,
			Key:            update.Key,
			Value:          update.Value,
		})
	})
	if err != nil {
		c.fail(msg.RequestID, err)
		return
	}

	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		cancelWatch()
		return
	default:
	}
	c.subs[subscriptionID] = cancelWatch
	c.mu.Unlock()

	c.reply(Message{RequestID: msg.RequestID, SubscriptionID: subscriptionID})
}
