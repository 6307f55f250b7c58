package signaling

import (
	"context"
	"time"

	"go.uber.org/zap"

	"sharewave/logging"
)

const (
	// DefaultRoomRetention is how long a room may live before the sweep removes it.
	DefaultRoomRetention = time.Hour
	// DefaultSweepInterval is how often the retention sweep runs.
	DefaultSweepInterval = 5 * time.Minute
)

// SweeperOptions configures the retention sweep.
type SweeperOptions struct {
	Retention time.Duration
	Interval  time.Duration
	Logger    *zap.Logger

	now func() time.Time
}

// Sweeper deletes rooms older than the retention window, independent of teardown.
type Sweeper struct {
	store     Store
	retention time.Duration
	interval  time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

// NewSweeper creates a sweeper for store.
func NewSweeper(store Store, options SweeperOptions) *Sweeper {
	if options.Retention <= 0 {
		options.Retention = DefaultRoomRetention
	}
	if options.Interval <= 0 {
		options.Interval = DefaultSweepInterval
	}
	if options.now == nil {
		options.now = time.Now
	}
	return &Sweeper{
		store:     store,
		retention: options.Retention,
		interval:  options.Interval,
		logger:    logging.OrNop(options.Logger),
		now:       options.now,
	}
}

// Sweep runs one retention pass and returns the number of deleted rooms.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.retention)
	deleted, err := s.store.DeleteRoomsCreatedBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		s.logger.Info("swept expired rooms", zap.Int("count", deleted), zap.Time("cutoff", cutoff))
	}
	return deleted, nil
}

// Run sweeps on every interval tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.Debug("starting room sweeper", zap.Duration("interval", s.interval), zap.Duration("retention", s.retention))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("stopping room sweeper")
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Warn("room sweep failed", zap.Error(err))
			}
		}
	}
}
