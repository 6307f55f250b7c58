// Package session drives one end of a file share: it joins the signaling room in its
// role, negotiates the peer connection and moves files over the transfer channel.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"sharewave/crypto"
	"sharewave/logging"
	"sharewave/models"
	"sharewave/peer"
	"sharewave/queue"
	"sharewave/signaling"
	"sharewave/storage"
	"sharewave/transfer"
)

const (
	// DataChannelLabel names the transfer data channel.
	DataChannelLabel = "sharewave-files"
	// DefaultShareOrigin prefixes share links when no origin is configured.
	DefaultShareOrigin = "https://sharewave.app"

	storeTimeout = 10 * time.Second
)

var (
	// ErrClosed indicates the session was closed or has failed.
	ErrClosed = errors.New("session: closed")
	// ErrConnectionFailed indicates the peer connection reached the failed state.
	ErrConnectionFailed = errors.New("session: peer connection failed")
)

// HistoryStore persists the latest state of every transfer.
type HistoryStore interface {
	UpsertTransfer(ctx context.Context, record storage.TransferRecord) error
}

// Options configures a Session.
type Options struct {
	Store signaling.Store
	Role  signaling.Role
	// RoomID is required for a responder; an initiator generates one when empty.
	RoomID string
	// Secret seals signaling artifacts. With Seal set, an initiator generates one.
	Secret string
	Seal   bool

	ShareOrigin     string
	ICEServers      []string
	IncludeLoopback bool
	// DownloadDir receives assembled files as <fileId>_<name>; empty keeps them in memory.
	DownloadDir   string
	ChunkDelay    time.Duration
	TeardownGrace time.Duration
	History       HistoryStore
	Logger        *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.ShareOrigin == "" {
		o.ShareOrigin = DefaultShareOrigin
	}
	o.Logger = logging.OrNop(o.Logger)
	return o
}

// Session is one peer's side of a share.
type Session struct {
	options Options
	roomID  string
	secret  string
	logger  *zap.Logger

	signal  *signaling.Channel
	neg     *peer.Negotiator
	manager *transfer.Manager
	events  *queue.Queue[Event]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	status  Status
	started bool
	channel *peer.Channel
	saved   map[string]models.TransferStatus

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	doneOnce  sync.Once
	closeOnce sync.Once
}

// New validates options and prepares a session. Nothing touches the network until Start.
func New(options Options) (*Session, error) {
	opts := options.withDefaults()
	if opts.Store == nil {
		return nil, errors.New("session: signaling store is required")
	}
	if !opts.Role.Valid() {
		return nil, fmt.Errorf("session: invalid role %d", opts.Role)
	}

	roomID, secret := opts.RoomID, opts.Secret
	if opts.Role == signaling.RoleResponder && roomID == "" {
		return nil, errors.New("session: room ID is required to join")
	}
	if roomID == "" {
		roomID = signaling.NewRoomID()
	}
	if opts.Role == signaling.RoleInitiator && opts.Seal && secret == "" {
		generated, err := crypto.NewRoomSecret()
		if err != nil {
			return nil, err
		}
		secret = generated
	}

	logger := opts.Logger.With(zap.String("room_id", roomID), zap.Stringer("role", opts.Role))
	signal, err := signaling.NewChannel(signaling.ChannelOptions{
		Store:         opts.Store,
		RoomID:        roomID,
		Role:          opts.Role,
		Secret:        secret,
		TeardownGrace: opts.TeardownGrace,
		Logger:        opts.Logger,
	})
	if err != nil {
		return nil, err
	}

	neg, err := peer.NewNegotiator(peer.Options{
		ICEServers:      opts.ICEServers,
		IncludeLoopback: opts.IncludeLoopback,
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		options: opts,
		roomID:  roomID,
		secret:  secret,
		logger:  logger,
		signal:  signal,
		neg:     neg,
		events:  queue.New[Event](),
		ctx:     ctx,
		cancel:  cancel,
		status:  StatusIdle,
		saved:   make(map[string]models.TransferStatus),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}
	s.manager = transfer.NewManager(transfer.ManagerOptions{
		ChunkDelay:      opts.ChunkDelay,
		OnFileAssembled: s.handleFileAssembled,
		OnProgress:      s.handleProgress,
		Logger:          logger,
	})
	return s, nil
}

// RoomID returns the signaling room of this session.
func (s *Session) RoomID() string { return s.roomID }

// Role returns the role this session plays.
func (s *Session) Role() signaling.Role { return s.options.Role }

// ShareLink returns the link the responder opens to join.
func (s *Session) ShareLink() string {
	return signaling.ShareLink(s.options.ShareOrigin, s.roomID, s.secret)
}

// Events returns the event stream. It is closed after Close.
func (s *Session) Events() <-chan Event {
	return s.events.Out()
}

// Done is closed once the session has failed or was closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Status returns the current status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Transfers returns the progress of every file seen by this session.
func (s *Session) Transfers() []models.TransferProgress {
	return s.manager.Snapshot()
}

// Start runs the signaling handshake for the session's role. It returns once the local
// side is published; the connection completes asynchronously and is reported as events.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started || s.status.Terminal() {
		s.mu.Unlock()
		return fmt.Errorf("%w: already started", ErrClosed)
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.runEvents()

	var err error
	if s.options.Role == signaling.RoleInitiator {
		err = s.startInitiator(ctx)
	} else {
		err = s.startResponder(ctx)
	}
	if err != nil {
		s.fail(err)
		return err
	}
	return nil
}

func (s *Session) startInitiator(ctx context.Context) error {
	if err := s.signal.CreateRoom(ctx); err != nil {
		return fmt.Errorf("create room: %w", err)
	}
	s.setStatus(StatusWaiting, nil)

	if _, err := s.neg.CreateDataChannel(DataChannelLabel); err != nil {
		return err
	}
	if _, err := s.signal.SubscribeRemoteCandidates(ctx, s.addRemoteCandidate); err != nil {
		return fmt.Errorf("subscribe to candidates: %w", err)
	}

	offer, err := s.neg.CreateOffer()
	if err != nil {
		return err
	}
	if err := s.signal.PublishDescription(ctx, offer); err != nil {
		return fmt.Errorf("publish offer: %w", err)
	}
	if _, err := s.signal.SubscribeRemoteDescription(ctx, s.applyAnswer); err != nil {
		return fmt.Errorf("subscribe to answer: %w", err)
	}
	s.logger.Info("room open, waiting for peer")
	return nil
}

func (s *Session) startResponder(ctx context.Context) error {
	if _, err := s.options.Store.GetRoom(ctx, s.roomID); err != nil {
		return fmt.Errorf("join room: %w", err)
	}
	s.setStatus(StatusConnecting, nil)

	if _, err := s.signal.SubscribeRemoteCandidates(ctx, s.addRemoteCandidate); err != nil {
		return fmt.Errorf("subscribe to candidates: %w", err)
	}
	if _, err := s.signal.SubscribeRemoteDescription(ctx, s.answerOffer); err != nil {
		return fmt.Errorf("subscribe to offer: %w", err)
	}
	s.logger.Info("joined room, waiting for offer")
	return nil
}

func (s *Session) applyAnswer(answer models.SessionDescription) {
	s.setStatus(StatusConnecting, nil)
	if err := s.neg.SetRemoteDescription(answer); err != nil {
		s.fail(fmt.Errorf("apply answer: %w", err))
	}
}

func (s *Session) answerOffer(offer models.SessionDescription) {
	answer, err := s.neg.CreateAnswer(offer)
	if err != nil {
		s.fail(fmt.Errorf("answer offer: %w", err))
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, storeTimeout)
	defer cancel()
	if err := s.signal.PublishDescription(ctx, answer); err != nil {
		s.fail(fmt.Errorf("publish answer: %w", err))
	}
}

func (s *Session) addRemoteCandidate(candidate models.Candidate) {
	if err := s.neg.AddCandidate(candidate); err != nil && !errors.Is(err, peer.ErrInvalidState) {
		s.logger.Warn("remote candidate rejected", zap.String("candidate", candidate.Candidate), zap.Error(err))
	}
}

func (s *Session) runEvents() {
	defer s.wg.Done()
	for ev := range s.neg.Events() {
		switch e := ev.(type) {
		case peer.StateChanged:
			s.handleState(e.State)
		case peer.LocalCandidate:
			s.publishCandidate(e.Candidate)
		case peer.ChannelOpen:
			s.attachChannel(e.Channel)
		}
	}
}

func (s *Session) handleState(state peer.State) {
	switch state {
	case peer.StateConnecting:
		s.setStatus(StatusConnecting, nil)
	case peer.StateConnected:
		if s.setStatus(StatusConnected, nil) {
			s.setRoomStatus(models.RoomStatusConnected)
		}
	case peer.StateDisconnected:
		if s.setStatus(StatusDisconnected, nil) {
			s.manager.FailInFlight()
		}
	case peer.StateFailed:
		s.fail(ErrConnectionFailed)
	}
}

func (s *Session) publishCandidate(candidate models.Candidate) {
	ctx, cancel := context.WithTimeout(s.ctx, storeTimeout)
	defer cancel()

	err := s.signal.PublishCandidate(ctx, candidate)
	switch {
	case err == nil:
	case errors.Is(err, signaling.ErrChannelClosed), s.ctx.Err() != nil:
	case errors.Is(err, signaling.ErrStoreUnavailable):
		s.fail(fmt.Errorf("publish candidate: %w", err))
	default:
		s.logger.Warn("publish candidate failed", zap.Error(err))
	}
}

func (s *Session) attachChannel(channel *peer.Channel) {
	s.mu.Lock()
	if s.channel != nil {
		s.mu.Unlock()
		s.logger.Debug("ignoring extra data channel", zap.String("label", channel.Label()))
		return
	}
	s.channel = channel
	s.mu.Unlock()

	s.readyOnce.Do(func() { close(s.ready) })
	s.logger.Info("transfer channel open", zap.String("label", channel.Label()))

	s.wg.Add(1)
	go s.receiveLoop(channel)
}

func (s *Session) receiveLoop(channel *peer.Channel) {
	defer s.wg.Done()
	for {
		payload, err := channel.Receive(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil {
				s.logger.Info("transfer channel closed by peer")
				if failed := s.manager.FailInFlight(); len(failed) > 0 {
					s.logger.Warn("transfers interrupted", zap.Int("count", len(failed)))
				}
				s.setStatus(StatusDisconnected, nil)
			}
			return
		}

		if _, err := s.manager.ReceivePayload(payload, nil); err != nil {
			s.logger.Warn("dropping transfer message", zap.Error(err))
		}
	}
}

// WaitConnected blocks until the transfer channel is open.
func (s *Session) WaitConnected(ctx context.Context) (*peer.Channel, error) {
	select {
	case <-s.ready:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.channel, nil
	case <-s.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SendFiles waits for the transfer channel and sends every source in order. The room is
// marked completed once all of them were handed to the channel.
func (s *Session) SendFiles(ctx context.Context, sources ...transfer.Source) ([]models.FileTransferMetadata, error) {
	channel, err := s.WaitConnected(ctx)
	if err != nil {
		return nil, err
	}

	emit := func(ctx context.Context, chunk models.Chunk) error {
		payload, err := transfer.EncodeChunk(chunk)
		if err != nil {
			return err
		}
		return channel.Send(ctx, payload)
	}

	sent := make([]models.FileTransferMetadata, 0, len(sources))
	for _, src := range sources {
		metadata, err := s.manager.SendFile(ctx, src, nil, emit)
		if err != nil {
			return sent, fmt.Errorf("send %q: %w", src.Name(), err)
		}
		sent = append(sent, metadata)
		s.emit(FileSent{Metadata: metadata})
	}

	if err := channel.Flush(ctx); err != nil {
		return sent, err
	}
	s.setRoomStatus(models.RoomStatusCompleted)
	return sent, nil
}

// SendPaths opens each path and sends it with SendFiles.
func (s *Session) SendPaths(ctx context.Context, paths ...string) ([]models.FileTransferMetadata, error) {
	sources := make([]transfer.Source, 0, len(paths))
	for _, path := range paths {
		src, err := transfer.OpenFileSource(path)
		if err != nil {
			return nil, err
		}
		defer func() {
			_ = src.Close()
		}()
		sources = append(sources, src)
	}
	return s.SendFiles(ctx, sources...)
}

// Close stops the session: in-flight transfers are marked failed, the peer connection
// is closed and the room is torn down. It returns once the room delete has run after
// the teardown grace, so the signaling store may be closed right after. The event
// stream is closed afterwards.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.setStatus(StatusClosed, nil)
		s.cancel()
		s.manager.FailInFlight()
		err = s.neg.Close()
		torndown := s.signal.Teardown()
		s.wg.Wait()
		<-torndown
		s.events.Finish()
		s.logger.Debug("session closed")
	})
	return err
}

func (s *Session) fail(err error) {
	if !s.setStatus(StatusFailed, err) {
		return
	}
	s.logger.Warn("session failed", zap.Error(err))
	s.manager.FailInFlight()
	s.setRoomStatus(models.RoomStatusFailed)
}

// setStatus records a transition and emits it. It reports false when the transition
// was ignored: a repeat, or any change after closed, or anything but closed after failed.
func (s *Session) setStatus(next Status, err error) bool {
	s.mu.Lock()
	current := s.status
	if current == next || current == StatusClosed || (current == StatusFailed && next != StatusClosed) {
		s.mu.Unlock()
		return false
	}
	s.status = next
	s.mu.Unlock()

	if next.Terminal() {
		s.doneOnce.Do(func() { close(s.done) })
	}
	s.logger.Debug("session status changed", zap.String("from", string(current)), zap.String("to", string(next)))
	s.emit(StatusChanged{Status: next, Err: err})
	return true
}

func (s *Session) setRoomStatus(status models.RoomStatus) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	err := s.signal.SetStatus(ctx, status)
	switch {
	case err == nil:
	case errors.Is(err, signaling.ErrRoomNotFound):
		s.logger.Debug("room gone before status update", zap.String("status", string(status)))
	default:
		s.logger.Warn("update room status failed", zap.String("status", string(status)), zap.Error(err))
	}
}

func (s *Session) emit(ev Event) {
	s.events.Push(ev)
}
