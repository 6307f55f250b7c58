package models

// FileTransferMetadata describes one file before its chunks arrive.
type FileTransferMetadata struct {
	ID          string `json:"id" validate:"required"`
	Name        string `json:"name" validate:"required"`
	Size        int64  `json:"size" validate:"gte=0"`
	Type        string `json:"type"`
	TotalChunks int    `json:"totalChunks" validate:"gte=0"`
}

// Chunk is one unit of transfer. ChunkIndex -1 marks a metadata payload.
type Chunk struct {
	FileID      string
	ChunkIndex  int
	TotalChunks int
	Data        []byte
	FileName    string
	FileSize    int64
	FileType    string
}

// IsMetadata reports whether the chunk carries metadata instead of file bytes.
func (c Chunk) IsMetadata() bool {
	return c.ChunkIndex == MetadataChunkIndex
}

// MetadataChunkIndex is the reserved chunk index of the metadata chunk.
const MetadataChunkIndex = -1

// File is a fully reassembled file handed to the receiver.
type File struct {
	ID   string
	Name string
	Type string
	Size int64
	Data []byte
}
