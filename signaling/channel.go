package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"sharewave/crypto"
	"sharewave/logging"
	"sharewave/models"
)

// DefaultTeardownGrace is how long Teardown waits before deleting the room, so the
// other peer can still observe the last artifacts.
const DefaultTeardownGrace = 5 * time.Second

const teardownDeleteTimeout = 10 * time.Second

// ErrChannelClosed indicates the channel was already torn down.
var ErrChannelClosed = errors.New("signaling: channel torn down")

// ChannelOptions configures a signaling Channel.
type ChannelOptions struct {
	Store  Store
	RoomID string
	Role   Role
	// Secret, when set, seals every artifact under a key derived from it.
	Secret        string
	TeardownGrace time.Duration
	Logger        *zap.Logger

	now       func() time.Time
	afterFunc func(time.Duration, func())
}

func (o ChannelOptions) withDefaults() ChannelOptions {
	if o.TeardownGrace <= 0 {
		o.TeardownGrace = DefaultTeardownGrace
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.afterFunc == nil {
		o.afterFunc = func(d time.Duration, fn func()) { time.AfterFunc(d, fn) }
	}
	o.Logger = logging.OrNop(o.Logger)
	return o
}

type subscriptionKey struct {
	roomID   string
	category Category
}

// Subscription is one active listener on a room category.
type Subscription struct {
	RoomID   string
	Category Category

	cancel     func()
	cancelOnce sync.Once
}

// Cancel stops deliveries. It is safe to call more than once.
func (s *Subscription) Cancel() {
	s.cancelOnce.Do(s.cancel)
}

// Channel is one peer's role-aware view of a signaling room.
type Channel struct {
	store  Store
	roomID string
	role   Role
	key    []byte
	grace  time.Duration
	logger *zap.Logger

	now       func() time.Time
	afterFunc func(time.Duration, func())

	mu           sync.Mutex
	subs         map[subscriptionKey][]*Subscription
	tornDown     bool
	teardownDone chan struct{}
}

// NewChannel validates options and returns a Channel bound to one room and role.
func NewChannel(options ChannelOptions) (*Channel, error) {
	options = options.withDefaults()
	if options.Store == nil {
		return nil, errors.New("signaling: store is required")
	}
	if options.RoomID == "" {
		return nil, errors.New("signaling: room ID is required")
	}
	if !options.Role.Valid() {
		return nil, fmt.Errorf("signaling: invalid role %d", options.Role)
	}

	var key []byte
	if options.Secret != "" {
		derived, err := crypto.DeriveRoomKey(options.Secret, options.RoomID)
		if err != nil {
			return nil, fmt.Errorf("signaling: derive room key: %w", err)
		}
		key = derived
	}

	return &Channel{
		store:     options.Store,
		roomID:    options.RoomID,
		role:      options.Role,
		key:       key,
		grace:     options.TeardownGrace,
		logger:    options.Logger.With(zap.String("room_id", options.RoomID), zap.Stringer("role", options.Role)),
		now:       options.now,
		afterFunc: options.afterFunc,
		subs:      make(map[subscriptionKey][]*Subscription),

		teardownDone: make(chan struct{}),
	}, nil
}

// RoomID returns the room this channel signals through.
func (c *Channel) RoomID() string { return c.roomID }

// Role returns the role this channel was built for.
func (c *Channel) Role() Role { return c.role }

// Sealed reports whether artifacts are encrypted with a room secret.
func (c *Channel) Sealed() bool { return c.key != nil }

// CreateRoom registers the room in the store with status waiting.
func (c *Channel) CreateRoom(ctx context.Context) error {
	if err := c.store.CreateRoom(ctx, c.roomID, c.now()); err != nil {
		return err
	}
	c.logger.Debug("room created")
	return nil
}

// Publish writes value under category. Descriptions are written once; candidates append.
func (c *Channel) Publish(ctx context.Context, category Category, value []byte) error {
	if c.isTornDown() {
		return ErrChannelClosed
	}
	sealed, err := c.seal(category, value)
	if err != nil {
		return err
	}
	return c.store.Put(ctx, c.roomID, category, sealed)
}

// PublishDescription writes this role's offer or answer.
func (c *Channel) PublishDescription(ctx context.Context, desc models.SessionDescription) error {
	payload, err := json.Marshal(desc)
	if err != nil {
		return fmt.Errorf("signaling: encode description: %w", err)
	}
	return c.Publish(ctx, c.role.LocalDescription(), payload)
}

// PublishCandidate appends one local candidate to this role's candidate collection.
func (c *Channel) PublishCandidate(ctx context.Context, candidate models.Candidate) error {
	payload, err := json.Marshal(candidate)
	if err != nil {
		return fmt.Errorf("signaling: encode candidate: %w", err)
	}
	return c.Publish(ctx, c.role.LocalCandidates(), payload)
}

// Subscribe delivers the current and every later value of category to fn until the
// returned subscription is cancelled or the channel is torn down. Values that fail to
// open are logged and dropped.
func (c *Channel) Subscribe(ctx context.Context, category Category, fn WatchFunc) (*Subscription, error) {
	if c.isTornDown() {
		return nil, ErrChannelClosed
	}

	cancel, err := c.store.Watch(ctx, c.roomID, category, func(update Update) {
		value, err := c.open(category, update.Value)
		if err != nil {
			c.logger.Warn("dropping signaling artifact",
				zap.String("category", string(category)),
				zap.String("key", update.Key),
				zap.Error(err),
			)
			return
		}
		fn(Update{Key: update.Key, Value: value})
	})
	if err != nil {
		return nil, err
	}

	sub := &Subscription{RoomID: c.roomID, Category: category}
	key := subscriptionKey{roomID: c.roomID, category: category}
	sub.cancel = func() {
		cancel()
		c.mu.Lock()
		c.subs[key] = lo.Without(c.subs[key], sub)
		if len(c.subs[key]) == 0 {
			delete(c.subs, key)
		}
		c.mu.Unlock()
	}

	c.mu.Lock()
	if c.tornDown {
		c.mu.Unlock()
		cancel()
		return nil, ErrChannelClosed
	}
	c.subs[key] = append(c.subs[key], sub)
	c.mu.Unlock()
	return sub, nil
}

// SubscribeRemoteDescription delivers the peer's offer or answer exactly once.
func (c *Channel) SubscribeRemoteDescription(ctx context.Context, fn func(models.SessionDescription)) (*Subscription, error) {
	var once sync.Once
	return c.Subscribe(ctx, c.role.RemoteDescription(), func(update Update) {
		var desc models.SessionDescription
		if err := json.Unmarshal(update.Value, &desc); err != nil {
			c.logger.Warn("dropping malformed description", zap.Error(err))
			return
		}
		once.Do(func() { fn(desc) })
	})
}

// SubscribeRemoteCandidates delivers each distinct peer candidate once, however often
// the store redelivers it.
func (c *Channel) SubscribeRemoteCandidates(ctx context.Context, fn func(models.Candidate)) (*Subscription, error) {
	var (
		mu   sync.Mutex
		seen = make(map[string]struct{})
	)
	return c.Subscribe(ctx, c.role.RemoteCandidates(), func(update Update) {
		var candidate models.Candidate
		if err := json.Unmarshal(update.Value, &candidate); err != nil {
			c.logger.Warn("dropping malformed candidate", zap.String("key", update.Key), zap.Error(err))
			return
		}

		mu.Lock()
		_, byKey := seen["k:"+update.Key]
		_, byValue := seen["v:"+candidate.Key()]
		seen["k:"+update.Key] = struct{}{}
		seen["v:"+candidate.Key()] = struct{}{}
		mu.Unlock()
		if byKey || byValue {
			return
		}
		fn(candidate)
	})
}

// SetStatus updates the advisory room status.
func (c *Channel) SetStatus(ctx context.Context, status models.RoomStatus) error {
	return c.store.SetStatus(ctx, c.roomID, status)
}

// Snapshot returns the room with every artifact decoded.
func (c *Channel) Snapshot(ctx context.Context) (models.Room, error) {
	room, err := c.store.GetRoom(ctx, c.roomID)
	if err != nil {
		return models.Room{}, err
	}

	for _, category := range Categories {
		updates, err := c.store.Get(ctx, c.roomID, category)
		if err != nil {
			return models.Room{}, err
		}
		for _, update := range updates {
			value, err := c.open(category, update.Value)
			if err != nil {
				return models.Room{}, err
			}
			if err := decodeInto(&room, category, value); err != nil {
				return models.Room{}, err
			}
		}
	}
	return room, nil
}

// Subscriptions returns the number of active subscriptions.
func (c *Channel) Subscriptions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return lo.SumBy(lo.Values(c.subs), func(subs []*Subscription) int { return len(subs) })
}

// Teardown cancels every subscription on the room and deletes the room after the grace
// delay. The returned channel is closed once the delete has been attempted; every call
// returns the same channel. Deletion failures are logged and the retention sweep
// removes leftovers.
func (c *Channel) Teardown() <-chan struct{} {
	c.mu.Lock()
	if c.tornDown {
		c.mu.Unlock()
		return c.teardownDone
	}
	c.tornDown = true
	var active []*Subscription
	for key, subs := range c.subs {
		if key.roomID == c.roomID {
			active = append(active, subs...)
		}
	}
	c.mu.Unlock()

	for _, sub := range active {
		sub.Cancel()
	}

	c.logger.Debug("room teardown scheduled", zap.Duration("grace", c.grace))
	c.afterFunc(c.grace, func() {
		defer close(c.teardownDone)
		ctx, cancel := context.WithTimeout(context.Background(), teardownDeleteTimeout)
		defer cancel()

		err := c.store.DeleteRoom(ctx, c.roomID)
		switch {
		case err == nil:
			c.logger.Debug("room deleted")
		case errors.Is(err, ErrRoomNotFound):
			c.logger.Debug("room already deleted")
		default:
			c.logger.Warn("delete room failed", zap.Error(err))
		}
	})
	return c.teardownDone
}

func (c *Channel) isTornDown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tornDown
}

func (c *Channel) seal(category Category, value []byte) ([]byte, error) {
	if c.key == nil {
		return value, nil
	}
	sealed, err := crypto.Seal(c.key, value, c.additionalData(category))
	if err != nil {
		return nil, fmt.Errorf("signaling: seal %s: %w", category, err)
	}
	return sealed, nil
}

func (c *Channel) open(category Category, value []byte) ([]byte, error) {
	if c.key == nil {
		return value, nil
	}
	return crypto.Open(c.key, value, c.additionalData(category))
}

func (c *Channel) additionalData(category Category) []byte {
	return []byte(c.roomID + "/" + string(category))
}

func decodeInto(room *models.Room, category Category, value []byte) error {
	switch category {
	case CategoryOffer, CategoryAnswer:
		var desc models.SessionDescription
		if err := json.Unmarshal(value, &desc); err != nil {
			return fmt.Errorf("signaling: decode %s: %w", category, err)
		}
		if category == CategoryOffer {
			room.Offer = &desc
		} else {
			room.Answer = &desc
		}
	case CategoryCallerCandidates, CategoryCalleeCandidates:
		var candidate models.Candidate
		if err := json.Unmarshal(value, &candidate); err != nil {
			return fmt.Errorf("signaling: decode %s: %w", category, err)
		}
		if category == CategoryCallerCandidates {
			room.CallerCandidates = append(room.CallerCandidates, candidate)
		} else {
			room.CalleeCandidates = append(room.CalleeCandidates, candidate)
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidCategory, category)
	}
	return nil
}
