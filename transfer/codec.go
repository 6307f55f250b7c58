package transfer

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"sharewave/models"
)

// Kind is the discriminant byte that prefixes every transfer-channel message.
type Kind byte

const (
	KindMetadata  Kind = 1
	KindDataChunk Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindMetadata:
		return "metadata"
	case KindDataChunk:
		return "dataChunk"
	default:
		return fmt.Sprintf("kind(%d)", byte(k))
	}
}

const (
	envelopePrefixSize = 5
	// MaxHeaderSize bounds the JSON header of one envelope.
	MaxHeaderSize = 4 * 1024
)

var (
	// ErrUnknownKind indicates an envelope with an unrecognized discriminant.
	ErrUnknownKind = errors.New("transfer: unknown message kind")
	// ErrMalformedEnvelope indicates a truncated or inconsistent envelope.
	ErrMalformedEnvelope = errors.New("transfer: malformed envelope")
)

var validate = validator.New()

// Header travels with every chunk so each one can be checked on its own.
type Header struct {
	FileID      string `json:"fileId" validate:"required"`
	ChunkIndex  int    `json:"chunkIndex" validate:"gte=-1"`
	TotalChunks int    `json:"totalChunks" validate:"gte=0"`
	FileName    string `json:"fileName"`
	FileSize    int64  `json:"fileSize" validate:"gte=0"`
	FileType    string `json:"fileType"`
}

// Envelope is a decoded transfer message: MetadataEnvelope or DataEnvelope.
type Envelope interface {
	Kind() Kind
	Chunk() models.Chunk
}

// MetadataEnvelope announces a file before its data chunks.
type MetadataEnvelope struct {
	Header   Header
	Metadata models.FileTransferMetadata
	raw      []byte
}

// DataEnvelope carries one slice of file bytes.
type DataEnvelope struct {
	Header Header
	Data   []byte
}

func (MetadataEnvelope) Kind() Kind { return KindMetadata }
func (DataEnvelope) Kind() Kind     { return KindDataChunk }

// Chunk converts the envelope back to the chunk it was encoded from.
func (e MetadataEnvelope) Chunk() models.Chunk {
	return chunkFromHeader(e.Header, e.raw)
}

// Chunk converts the envelope back to the chunk it was encoded from.
func (e DataEnvelope) Chunk() models.Chunk {
	return chunkFromHeader(e.Header, e.Data)
}

func chunkFromHeader(h Header, data []byte) models.Chunk {
	return models.Chunk{
		FileID:      h.FileID,
		ChunkIndex:  h.ChunkIndex,
		TotalChunks: h.TotalChunks,
		Data:        data,
		FileName:    h.FileName,
		FileSize:    h.FileSize,
		FileType:    h.FileType,
	}
}

// EncodeChunk frames chunk as [kind][header length, big endian uint32][JSON header][data].
// A chunk with index -1 is encoded as metadata and its data must be the JSON metadata.
func EncodeChunk(chunk models.Chunk) ([]byte, error) {
	kind := KindDataChunk
	if chunk.IsMetadata() {
		kind = KindMetadata
	}

	header, err := json.Marshal(Header{
		FileID:      chunk.FileID,
		ChunkIndex:  chunk.ChunkIndex,
		TotalChunks: chunk.TotalChunks,
		FileName:    chunk.FileName,
		FileSize:    chunk.FileSize,
		FileType:    chunk.FileType,
	})
	if err != nil {
		return nil, fmt.Errorf("encode chunk header: %w", err)
	}
	if len(header) > MaxHeaderSize {
		return nil, fmt.Errorf("%w: header is %d bytes", ErrMalformedEnvelope, len(header))
	}

	payload := make([]byte, envelopePrefixSize, envelopePrefixSize+len(header)+len(chunk.Data))
	payload[0] = byte(kind)
	binary.BigEndian.PutUint32(payload[1:envelopePrefixSize], uint32(len(header)))
	payload = append(payload, header...)
	payload = append(payload, chunk.Data...)
	return payload, nil
}

// DecodeEnvelope parses one transfer message.
func DecodeEnvelope(payload []byte) (Envelope, error) {
	if len(payload) < envelopePrefixSize {
		return nil, fmt.Errorf("%w: %d byte message", ErrMalformedEnvelope, len(payload))
	}

	kind := Kind(payload[0])
	headerLen := int(binary.BigEndian.Uint32(payload[1:envelopePrefixSize]))
	if headerLen > MaxHeaderSize || envelopePrefixSize+headerLen > len(payload) {
		return nil, fmt.Errorf("%w: header length %d", ErrMalformedEnvelope, headerLen)
	}

	var header Header
	if err := json.Unmarshal(payload[envelopePrefixSize:envelopePrefixSize+headerLen], &header); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if err := validate.Struct(header); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	data := payload[envelopePrefixSize+headerLen:]

	switch kind {
	case KindMetadata:
		if header.ChunkIndex != models.MetadataChunkIndex {
			return nil, fmt.Errorf("%w: metadata with chunk index %d", ErrMalformedEnvelope, header.ChunkIndex)
		}
		metadata, err := DecodeMetadata(data)
		if err != nil {
			return nil, err
		}
		return MetadataEnvelope{Header: header, Metadata: metadata, raw: data}, nil
	case KindDataChunk:
		if header.ChunkIndex < 0 {
			return nil, fmt.Errorf("%w: data chunk with index %d", ErrMalformedEnvelope, header.ChunkIndex)
		}
		return DataEnvelope{Header: header, Data: data}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, byte(kind))
	}
}

// DecodeChunk parses one transfer message into a chunk.
func DecodeChunk(payload []byte) (models.Chunk, error) {
	envelope, err := DecodeEnvelope(payload)
	if err != nil {
		return models.Chunk{}, err
	}
	return envelope.Chunk(), nil
}

// EncodeMetadata serializes metadata for the payload of a metadata chunk.
func EncodeMetadata(metadata models.FileTransferMetadata) ([]byte, error) {
	data, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return data, nil
}

// DecodeMetadata parses and validates the payload of a metadata chunk.
func DecodeMetadata(data []byte) (models.FileTransferMetadata, error) {
	var metadata models.FileTransferMetadata
	if err := json.Unmarshal(data, &metadata); err != nil {
		return models.FileTransferMetadata{}, fmt.Errorf("%w: metadata: %v", ErrMalformedEnvelope, err)
	}
	if err := validate.Struct(metadata); err != nil {
		return models.FileTransferMetadata{}, fmt.Errorf("%w: metadata: %v", ErrMalformedEnvelope, err)
	}
	return metadata, nil
}
