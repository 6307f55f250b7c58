package transfer

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"
)

// Source is a file to send: random-access bytes plus the metadata the receiver sees.
type Source interface {
	io.ReaderAt
	Name() string
	Size() int64
	Type() string
}

// FileSource is a Source backed by a file on disk.
type FileSource struct {
	file     *os.File
	name     string
	size     int64
	mimeType string
}

// OpenFileSource opens path for sending. The MIME type is detected from content.
func OpenFileSource(path string) (*FileSource, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat source file: %w", err)
	}
	if info.IsDir() {
		return nil, errors.New("source path must be a file")
	}

	mime, err := mimetype.DetectFile(path)
	if err != nil {
		return nil, fmt.Errorf("detect mime type: %w", err)
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open source file: %w", err)
	}
	return &FileSource{
		file:     file,
		name:     filepath.Base(path),
		size:     info.Size(),
		mimeType: mime.String(),
	}, nil
}

func (s *FileSource) ReadAt(p []byte, off int64) (int, error) { return s.file.ReadAt(p, off) }
func (s *FileSource) Name() string                            { return s.name }
func (s *FileSource) Size() int64                             { return s.size }
func (s *FileSource) Type() string                            { return s.mimeType }

// Close closes the underlying file.
func (s *FileSource) Close() error {
	return s.file.Close()
}

type bytesSource struct {
	*bytes.Reader
	name     string
	mimeType string
}

// BytesSource returns an in-memory Source. An empty mimeType is detected from data.
func BytesSource(name, mimeType string, data []byte) Source {
	if mimeType == "" {
		mimeType = mimetype.Detect(data).String()
	}
	return &bytesSource{Reader: bytes.NewReader(data), name: name, mimeType: mimeType}
}

func (s *bytesSource) Name() string { return s.name }
func (s *bytesSource) Type() string { return s.mimeType }

func readChunk(src Source, index int) ([]byte, error) {
	offset := int64(index) * ChunkSize
	size := min(int64(ChunkSize), src.Size()-offset)
	if size <= 0 {
		return nil, fmt.Errorf("chunk %d is past end of %q", index, src.Name())
	}

	buffer := make([]byte, size)
	n, err := src.ReadAt(buffer, offset)
	if err != nil && !(errors.Is(err, io.EOF) && int64(n) == size) {
		return nil, fmt.Errorf("read chunk %d at offset %d: %w", index, offset, err)
	}
	return buffer, nil
}

// chunkCount returns ceil(size / ChunkSize).
func chunkCount(size int64) int {
	if size <= 0 {
		return 0
	}
	return int((size + ChunkSize - 1) / ChunkSize)
}
