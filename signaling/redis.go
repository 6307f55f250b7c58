package signaling

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"sharewave/logging"
	"sharewave/models"
)

const (
	defaultRedisKeyPrefix = "rooms"

	fieldCreatedAt = "created_at"
	fieldStatus    = "status"
)

// RedisOptions configures a RedisStore.
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	Logger    *zap.Logger
}

// RedisStore is a Store shared by every peer connected to the same Redis server.
//
// Layout: <prefix>:<id> is a hash with created_at, status, offer and answer;
// <prefix>:<id>:<category> is a list for each candidate category; changes are
// published on <prefix>:<id>:<category>; <prefix>:index is a sorted set of room ids
// scored by creation time.
type RedisStore struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, options RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     options.Addr,
		Password: options.Password,
		DB:       options.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, unavailable(err)
	}
	return NewRedisStoreWithClient(client, options.KeyPrefix, options.Logger), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client, keyPrefix string, logger *zap.Logger) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = defaultRedisKeyPrefix
	}
	return &RedisStore{client: client, prefix: keyPrefix, logger: logging.OrNop(logger)}
}

// Close releases the Redis connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) roomKey(roomID string) string {
	return s.prefix + ":" + roomID
}

func (s *RedisStore) categoryKey(roomID string, category Category) string {
	return s.prefix + ":" + roomID + ":" + string(category)
}

func (s *RedisStore) indexKey() string {
	return s.prefix + ":index"
}

// CreateRoom registers a new room with status waiting.
func (s *RedisStore) CreateRoom(ctx context.Context, roomID string, createdAt time.Time) error {
	if roomID == "" {
		return fmt.Errorf("%w: empty room ID", ErrRoomNotFound)
	}

	created, err := s.client.HSetNX(ctx, s.roomKey(roomID), fieldCreatedAt, createdAt.UnixNano()).Result()
	if err != nil {
		return unavailable(err)
	}
	if !created {
		return fmt.Errorf("%w: %s", ErrRoomExists, roomID)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.roomKey(roomID), fieldStatus, string(models.RoomStatusWaiting))
		pipe.ZAdd(ctx, s.indexKey(), &redis.Z{Score: float64(createdAt.UnixNano()), Member: roomID})
		return nil
	})
	if err != nil {
		return unavailable(err)
	}
	return nil
}

// GetRoom returns the room header (id, creation time, status).
func (s *RedisStore) GetRoom(ctx context.Context, roomID string) (models.Room, error) {
	fields, err := s.client.HMGet(ctx, s.roomKey(roomID), fieldCreatedAt, fieldStatus).Result()
	if err != nil {
		return models.Room{}, unavailable(err)
	}
	if fields[0] == nil {
		return models.Room{}, fmt.Errorf("%w: %s", ErrRoomNotFound, roomID)
	}

	createdAt, err := strconv.ParseInt(fmt.Sprint(fields[0]), 10, 64)
	if err != nil {
		return models.Room{}, fmt.Errorf("signaling: parse created_at for %s: %w", roomID, err)
	}
	status, _ := fields[1].(string)
	return models.Room{
		ID:        roomID,
		CreatedAt: time.Unix(0, createdAt),
		Status:    models.RoomStatus(status),
	}, nil
}

// Put writes a description once or appends a candidate, then publishes a change notice.
func (s *RedisStore) Put(ctx context.Context, roomID string, category Category, value []byte) error {
	if !category.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidCategory, category)
	}
	if err := s.requireRoom(ctx, roomID); err != nil {
		return err
	}

	if category.IsCandidates() {
		if err := s.client.RPush(ctx, s.categoryKey(roomID, category), value).Err(); err != nil {
			return unavailable(err)
		}
	} else {
		set, err := s.client.HSetNX(ctx, s.roomKey(roomID), string(category), value).Result()
		if err != nil {
			return unavailable(err)
		}
		if !set {
			return fmt.Errorf("%w: %s for room %s", ErrAlreadySet, category, roomID)
		}
	}

	if err := s.client.Publish(ctx, s.categoryKey(roomID, category), "").Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

// Get returns the current entries of a category. Candidate keys are list indexes.
func (s *RedisStore) Get(ctx context.Context, roomID string, category Category) ([]Update, error) {
	if !category.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCategory, category)
	}
	if err := s.requireRoom(ctx, roomID); err != nil {
		return nil, err
	}
	return s.entriesFrom(ctx, roomID, category, 0)
}

func (s *RedisStore) entriesFrom(ctx context.Context, roomID string, category Category, start int) ([]Update, error) {
	if !category.IsCandidates() {
		if start > 0 {
			return nil, nil
		}
		value, err := s.client.HGet(ctx, s.roomKey(roomID), string(category)).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, unavailable(err)
		}
		return []Update{{Key: string(category), Value: value}}, nil
	}

	values, err := s.client.LRange(ctx, s.categoryKey(roomID, category), int64(start), -1).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	updates := make([]Update, 0, len(values))
	for i, value := range values {
		updates = append(updates, Update{Key: strconv.Itoa(start + i), Value: []byte(value)})
	}
	return updates, nil
}

// Watch subscribes to change notices before reading current entries, so no write
// between the read and the subscription is missed. Each notice triggers a read of
// entries not yet delivered.
func (s *RedisStore) Watch(ctx context.Context, roomID string, category Category, fn WatchFunc) (func(), error) {
	if !category.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCategory, category)
	}
	if fn == nil {
		return nil, errors.New("signaling: watch func is required")
	}
	if err := s.requireRoom(ctx, roomID); err != nil {
		return nil, err
	}

	pubsub := s.client.Subscribe(ctx, s.categoryKey(roomID, category))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, unavailable(err)
	}

	w := NewUpdateQueue(fn)
	delivered := 0
	deliver := func(ctx context.Context) error {
		updates, err := s.entriesFrom(ctx, roomID, category, delivered)
		if err != nil {
			return err
		}
		for _, update := range updates {
			w.Push(update)
		}
		delivered += len(updates)
		return nil
	}
	if err := deliver(ctx); err != nil {
		w.Stop()
		_ = pubsub.Close()
		return nil, err
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	go func() {
		notices := pubsub.Channel()
		for {
			select {
			case <-watchCtx.Done():
				return
			case _, ok := <-notices:
				if !ok {
					return
				}
				if err := deliver(watchCtx); err != nil && watchCtx.Err() == nil {
					s.logger.Warn("redis watch refresh failed",
						zap.String("room_id", roomID),
						zap.String("category", string(category)),
						zap.Error(err),
					)
				}
			}
		}
	}()

	return func() {
		cancel()
		_ = pubsub.Close()
		w.Stop()
	}, nil
}

// SetStatus updates the advisory room status.
func (s *RedisStore) SetStatus(ctx context.Context, roomID string, status models.RoomStatus) error {
	if !status.Valid() {
		return fmt.Errorf("signaling: invalid room status %q", status)
	}
	if err := s.requireRoom(ctx, roomID); err != nil {
		return err
	}
	if err := s.client.HSet(ctx, s.roomKey(roomID), fieldStatus, string(status)).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

// DeleteRoom removes the room hash, its candidate lists and its index entry.
func (s *RedisStore) DeleteRoom(ctx context.Context, roomID string) error {
	var removed *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.Del(ctx, s.roomKey(roomID))
		pipe.Del(ctx,
			s.categoryKey(roomID, CategoryCallerCandidates),
			s.categoryKey(roomID, CategoryCalleeCandidates),
		)
		pipe.ZRem(ctx, s.indexKey(), roomID)
		return nil
	})
	if err != nil {
		return unavailable(err)
	}
	if removed.Val() == 0 {
		return fmt.Errorf("%w: %s", ErrRoomNotFound, roomID)
	}
	return nil
}

// DeleteRoomsCreatedBefore removes every indexed room created before cutoff.
func (s *RedisStore) DeleteRoomsCreatedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	roomIDs, err := s.client.ZRangeByScore(ctx, s.indexKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff.UnixNano(), 10),
	}).Result()
	if err != nil {
		return 0, unavailable(err)
	}

	deleted := 0
	for _, roomID := range roomIDs {
		err := s.DeleteRoom(ctx, roomID)
		switch {
		case err == nil:
			deleted++
		case errors.Is(err, ErrRoomNotFound):
			// Torn down between the range and the delete; the index entry is gone too.
		default:
			s.logger.Warn("delete expired room failed", zap.String("room_id", roomID), zap.Error(err))
		}
	}
	return deleted, nil
}

func (s *RedisStore) requireRoom(ctx context.Context, roomID string) error {
	exists, err := s.client.Exists(ctx, s.roomKey(roomID)).Result()
	if err != nil {
		return unavailable(err)
	}
	if exists == 0 {
		return fmt.Errorf("%w: %s", ErrRoomNotFound, roomID)
	}
	return nil
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}
