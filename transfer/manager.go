// Package transfer splits files into fixed-size chunks for the transfer channel and
// reassembles them on the receiving side.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"sharewave/logging"
	"sharewave/models"
)

const (
	// ChunkSize is the number of file bytes carried by one data chunk.
	ChunkSize = 16384
	// DefaultChunkDelay throttles emission between data chunks.
	DefaultChunkDelay = 10 * time.Millisecond
)

var (
	// ErrMissingMetadata indicates a data chunk for a file whose metadata was never seen.
	ErrMissingMetadata = errors.New("transfer: missing metadata")
	// ErrIncompleteAssembly indicates assembly found a gap; received chunks are kept.
	ErrIncompleteAssembly = errors.New("transfer: incomplete assembly")
	// ErrDuplicateMetadata indicates metadata for a file that is in flight or already assembled.
	ErrDuplicateMetadata = errors.New("transfer: duplicate metadata")
	// ErrChunkMismatch indicates a chunk whose header disagrees with the file metadata.
	ErrChunkMismatch = errors.New("transfer: chunk does not match metadata")
)

// EmitFunc hands one chunk to the transfer channel.
type EmitFunc func(ctx context.Context, chunk models.Chunk) error

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	// ChunkDelay is the pause between data chunks; negative disables it.
	ChunkDelay time.Duration
	// OnFileAssembled is called exactly once for each file that is fully received.
	OnFileAssembled func(file *models.File)
	// OnProgress is called with a copy of a progress record whenever it changes.
	OnProgress func(progress models.TransferProgress)
	Logger     *zap.Logger

	newFileID func() string
	sleep     func(ctx context.Context, d time.Duration) error
}

func (o ManagerOptions) withDefaults() ManagerOptions {
	if o.ChunkDelay == 0 {
		o.ChunkDelay = DefaultChunkDelay
	}
	if o.newFileID == nil {
		o.newFileID = uuid.NewString
	}
	if o.sleep == nil {
		o.sleep = sleepContext
	}
	o.Logger = logging.OrNop(o.Logger)
	return o
}

type incomingFile struct {
	metadata models.FileTransferMetadata
	chunks   map[int][]byte
	received int64
}

// Manager tracks outgoing and incoming files for one transfer channel.
type Manager struct {
	options ManagerOptions
	logger  *zap.Logger

	mu        sync.Mutex
	incoming  map[string]*incomingFile
	assembled map[string]struct{}
	progress  map[string]*models.TransferProgress
	order     []string
}

// NewManager returns an empty Manager.
func NewManager(options ManagerOptions) *Manager {
	opts := options.withDefaults()
	return &Manager{
		options:   opts,
		logger:    opts.Logger,
		incoming:  make(map[string]*incomingFile),
		assembled: make(map[string]struct{}),
		progress:  make(map[string]*models.TransferProgress),
	}
}

// SendFile emits the metadata chunk and then every data chunk of src in index order.
// onProgress, when set, receives (i+1)/total*100 after chunk i is emitted. An emit
// failure marks the file failed and is returned.
func (m *Manager) SendFile(ctx context.Context, src Source, onProgress func(progress float64), emit EmitFunc) (models.FileTransferMetadata, error) {
	if emit == nil {
		return models.FileTransferMetadata{}, errors.New("transfer: emit func is required")
	}

	metadata := models.FileTransferMetadata{
		ID:          m.options.newFileID(),
		Name:        src.Name(),
		Size:        src.Size(),
		Type:        src.Type(),
		TotalChunks: chunkCount(src.Size()),
	}
	logger := m.logger.With(zap.String("file_id", metadata.ID), zap.String("file_name", metadata.Name))

	payload, err := EncodeMetadata(metadata)
	if err != nil {
		return metadata, err
	}
	m.track(metadata, models.DirectionSend)

	header := models.Chunk{
		FileID:      metadata.ID,
		TotalChunks: metadata.TotalChunks,
		FileName:    metadata.Name,
		FileSize:    metadata.Size,
		FileType:    metadata.Type,
	}

	meta := header
	meta.ChunkIndex = models.MetadataChunkIndex
	meta.Data = payload
	if err := emit(ctx, meta); err != nil {
		m.fail(metadata.ID)
		return metadata, fmt.Errorf("emit metadata for %q: %w", metadata.Name, err)
	}
	logger.Debug("metadata sent", zap.Int64("size", metadata.Size), zap.Int("total_chunks", metadata.TotalChunks))

	if metadata.TotalChunks == 0 {
		m.advance(metadata.ID, 100, 0)
		if onProgress != nil {
			onProgress(100)
		}
		return metadata, nil
	}

	var sent int64
	for index := 0; index < metadata.TotalChunks; index++ {
		if index > 0 && m.options.ChunkDelay > 0 {
			if err := m.options.sleep(ctx, m.options.ChunkDelay); err != nil {
				m.fail(metadata.ID)
				return metadata, err
			}
		}

		data, err := readChunk(src, index)
		if err != nil {
			m.fail(metadata.ID)
			return metadata, err
		}

		chunk := header
		chunk.ChunkIndex = index
		chunk.Data = data
		if err := emit(ctx, chunk); err != nil {
			m.fail(metadata.ID)
			return metadata, fmt.Errorf("emit chunk %d of %q: %w", index, metadata.Name, err)
		}

		sent += int64(len(data))
		progress := float64(index+1) / float64(metadata.TotalChunks) * 100
		m.advance(metadata.ID, progress, sent)
		if onProgress != nil {
			onProgress(progress)
		}
	}

	logger.Debug("file sent")
	return metadata, nil
}

// ReceivePayload decodes one transfer-channel message and passes it to ReceiveChunk.
func (m *Manager) ReceivePayload(payload []byte, onProgress func(fileID string, progress float64)) (*models.File, error) {
	chunk, err := DecodeChunk(payload)
	if err != nil {
		return nil, err
	}
	return m.ReceiveChunk(chunk, onProgress)
}

// ReceiveChunk records one chunk and returns the reassembled file once every chunk of
// it has arrived. A metadata chunk for a zero-byte file completes it immediately.
func (m *Manager) ReceiveChunk(chunk models.Chunk, onProgress func(fileID string, progress float64)) (*models.File, error) {
	if chunk.IsMetadata() {
		return m.receiveMetadata(chunk, onProgress)
	}

	logger := m.logger.With(zap.String("file_id", chunk.FileID), zap.Int("chunk_index", chunk.ChunkIndex))

	m.mu.Lock()
	in, ok := m.incoming[chunk.FileID]
	if !ok {
		m.mu.Unlock()
		logger.Warn("dropping chunk without metadata")
		return nil, fmt.Errorf("%w: file %s", ErrMissingMetadata, chunk.FileID)
	}
	if err := checkChunk(in.metadata, chunk); err != nil {
		m.mu.Unlock()
		logger.Warn("dropping chunk", zap.Error(err))
		return nil, err
	}

	if previous, dup := in.chunks[chunk.ChunkIndex]; dup {
		in.received -= int64(len(previous))
	}
	in.chunks[chunk.ChunkIndex] = append([]byte(nil), chunk.Data...)
	in.received += int64(len(chunk.Data))

	count, total, received := len(in.chunks), in.metadata.TotalChunks, in.received
	progress := float64(count) / float64(total) * 100
	m.mu.Unlock()

	if onProgress != nil {
		onProgress(chunk.FileID, progress)
	}
	if count < total {
		m.advance(chunk.FileID, progress, received)
		return nil, nil
	}

	file, err := m.assemble(chunk.FileID)
	if err != nil {
		logger.Warn("assembly failed", zap.Error(err))
		return nil, err
	}
	return file, nil
}

func (m *Manager) receiveMetadata(chunk models.Chunk, onProgress func(fileID string, progress float64)) (*models.File, error) {
	metadata, err := DecodeMetadata(chunk.Data)
	if err != nil {
		return nil, err
	}
	if metadata.ID != chunk.FileID {
		return nil, fmt.Errorf("%w: metadata id %q in chunk for %q", ErrChunkMismatch, metadata.ID, chunk.FileID)
	}
	if want := chunkCount(metadata.Size); metadata.TotalChunks != want {
		return nil, fmt.Errorf("%w: %d total chunks for %d bytes, want %d", ErrChunkMismatch, metadata.TotalChunks, metadata.Size, want)
	}

	m.mu.Lock()
	_, inFlight := m.incoming[metadata.ID]
	_, done := m.assembled[metadata.ID]
	if inFlight || done {
		m.mu.Unlock()
		m.logger.Warn("ignoring duplicate metadata", zap.String("file_id", metadata.ID))
		return nil, fmt.Errorf("%w: file %s", ErrDuplicateMetadata, metadata.ID)
	}
	m.incoming[metadata.ID] = &incomingFile{metadata: metadata, chunks: make(map[int][]byte)}
	m.mu.Unlock()

	m.track(metadata, models.DirectionReceive)
	m.logger.Debug("metadata received",
		zap.String("file_id", metadata.ID),
		zap.String("file_name", metadata.Name),
		zap.Int64("size", metadata.Size),
		zap.Int("total_chunks", metadata.TotalChunks),
	)

	if metadata.TotalChunks > 0 {
		return nil, nil
	}
	if onProgress != nil {
		onProgress(metadata.ID, 100)
	}
	return m.assemble(metadata.ID)
}

// assemble concatenates chunks in index order. On a gap the received chunks are kept.
func (m *Manager) assemble(fileID string) (*models.File, error) {
	m.mu.Lock()
	in, ok := m.incoming[fileID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: file %s", ErrMissingMetadata, fileID)
	}

	data := make([]byte, 0, in.metadata.Size)
	for index := 0; index < in.metadata.TotalChunks; index++ {
		part, ok := in.chunks[index]
		if !ok {
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: file %s is missing chunk %d", ErrIncompleteAssembly, fileID, index)
		}
		data = append(data, part...)
	}
	if int64(len(data)) != in.metadata.Size {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: file %s assembled %d of %d bytes", ErrIncompleteAssembly, fileID, len(data), in.metadata.Size)
	}

	delete(m.incoming, fileID)
	m.assembled[fileID] = struct{}{}
	m.mu.Unlock()

	m.advance(fileID, 100, int64(len(data)))
	file := &models.File{
		ID:   fileID,
		Name: in.metadata.Name,
		Type: in.metadata.Type,
		Size: in.metadata.Size,
		Data: data,
	}
	m.logger.Debug("file assembled", zap.String("file_id", fileID), zap.Int64("size", file.Size))
	if m.options.OnFileAssembled != nil {
		m.options.OnFileAssembled(file)
	}
	return file, nil
}

// FailInFlight marks every file that has not completed as failed, drops partially
// received data and returns the affected records.
func (m *Manager) FailInFlight() []models.TransferProgress {
	m.mu.Lock()
	m.incoming = make(map[string]*incomingFile)
	var failed []models.TransferProgress
	for _, id := range m.order {
		record := m.progress[id]
		if record.Status == models.TransferCompleted || record.Status == models.TransferFailed {
			continue
		}
		record.Status = models.TransferFailed
		failed = append(failed, *record)
	}
	m.mu.Unlock()

	for _, record := range failed {
		m.logger.Warn("transfer failed", zap.String("file_id", record.FileID), zap.Float64("progress", record.Progress))
		m.notify(record)
	}
	return failed
}

// Progress returns the progress record of fileID.
func (m *Manager) Progress(fileID string) (models.TransferProgress, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.progress[fileID]
	if !ok {
		return models.TransferProgress{}, false
	}
	return *record, true
}

// Snapshot returns every progress record in the order files were first seen.
func (m *Manager) Snapshot() []models.TransferProgress {
	m.mu.Lock()
	defer m.mu.Unlock()
	return lo.Map(m.order, func(id string, _ int) models.TransferProgress {
		return *m.progress[id]
	})
}

// InFlight returns the number of files that are neither completed nor failed.
func (m *Manager) InFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return lo.CountBy(m.order, func(id string) bool {
		status := m.progress[id].Status
		return status == models.TransferPending || status == models.TransferTransferring
	})
}

func (m *Manager) track(metadata models.FileTransferMetadata, direction models.TransferDirection) {
	record := models.TransferProgress{
		FileID:     metadata.ID,
		FileName:   metadata.Name,
		FileType:   metadata.Type,
		Direction:  direction,
		TotalBytes: metadata.Size,
		Status:     models.TransferPending,
	}

	m.mu.Lock()
	if _, exists := m.progress[metadata.ID]; !exists {
		m.order = append(m.order, metadata.ID)
	}
	m.progress[metadata.ID] = &record
	m.mu.Unlock()

	m.notify(record)
}

func (m *Manager) advance(fileID string, progress float64, bytes int64) {
	m.mu.Lock()
	record, ok := m.progress[fileID]
	if !ok || record.Status == models.TransferFailed || record.Status == models.TransferCompleted {
		m.mu.Unlock()
		return
	}
	record.Progress = progress
	record.BytesTransferred = bytes
	record.Status = models.TransferTransferring
	if progress >= 100 {
		record.Status = models.TransferCompleted
	}
	snapshot := *record
	m.mu.Unlock()

	m.notify(snapshot)
}

func (m *Manager) fail(fileID string) {
	m.mu.Lock()
	record, ok := m.progress[fileID]
	if !ok || record.Status == models.TransferCompleted {
		m.mu.Unlock()
		return
	}
	record.Status = models.TransferFailed
	snapshot := *record
	m.mu.Unlock()

	m.notify(snapshot)
}

func (m *Manager) notify(record models.TransferProgress) {
	if m.options.OnProgress != nil {
		m.options.OnProgress(record)
	}
}

func checkChunk(metadata models.FileTransferMetadata, chunk models.Chunk) error {
	if chunk.ChunkIndex < 0 || chunk.ChunkIndex >= metadata.TotalChunks {
		return fmt.Errorf("%w: index %d outside 0..%d", ErrChunkMismatch, chunk.ChunkIndex, metadata.TotalChunks-1)
	}
	if chunk.TotalChunks != metadata.TotalChunks || chunk.FileSize != metadata.Size {
		return fmt.Errorf("%w: header %d chunks/%d bytes, metadata %d chunks/%d bytes",
			ErrChunkMismatch, chunk.TotalChunks, chunk.FileSize, metadata.TotalChunks, metadata.Size)
	}
	if want := expectedChunkLen(metadata, chunk.ChunkIndex); int64(len(chunk.Data)) != want {
		return fmt.Errorf("%w: chunk %d carries %d bytes, want %d", ErrChunkMismatch, chunk.ChunkIndex, len(chunk.Data), want)
	}
	return nil
}

// expectedChunkLen is ChunkSize for every chunk but the last, which carries the rest.
func expectedChunkLen(metadata models.FileTransferMetadata, index int) int64 {
	if index < metadata.TotalChunks-1 {
		return ChunkSize
	}
	return metadata.Size - int64(metadata.TotalChunks-1)*ChunkSize
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
