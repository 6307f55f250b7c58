package transfer

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"sharewave/models"
)

func TestEnvelopeDecodesIntoClosedVariants(t *testing.T) {
	req := require.New(t)

	metadata := models.FileTransferMetadata{ID: "f1", Name: "a.txt", Size: 5, Type: "text/plain", TotalChunks: 1}
	raw, err := EncodeMetadata(metadata)
	req.NoError(err)

	metaPayload, err := EncodeChunk(models.Chunk{
		FileID: "f1", ChunkIndex: models.MetadataChunkIndex, TotalChunks: 1,
		Data: raw, FileName: "a.txt", FileSize: 5, FileType: "text/plain",
	})
	req.NoError(err)
	req.Equal(byte(KindMetadata), metaPayload[0])

	dataPayload, err := EncodeChunk(models.Chunk{
		FileID: "f1", ChunkIndex: 0, TotalChunks: 1,
		Data: []byte("hello"), FileName: "a.txt", FileSize: 5, FileType: "text/plain",
	})
	req.NoError(err)
	req.Equal(byte(KindDataChunk), dataPayload[0])

	for _, payload := range [][]byte{metaPayload, dataPayload} {
		envelope, err := DecodeEnvelope(payload)
		req.NoError(err)

		switch e := envelope.(type) {
		case MetadataEnvelope:
			req.Equal(metadata, e.Metadata)
			req.True(e.Chunk().IsMetadata())
		case DataEnvelope:
			req.Equal("hello", string(e.Data))
			req.Equal(0, e.Header.ChunkIndex)
			req.Equal("a.txt", e.Chunk().FileName)
		default:
			t.Fatalf("unexpected envelope %T", envelope)
		}
	}
}

func TestDecodeRejectsMalformedEnvelopes(t *testing.T) {
	valid, err := EncodeChunk(models.Chunk{FileID: "f1", ChunkIndex: 0, TotalChunks: 1, FileSize: 1, Data: []byte{1}})
	require.NoError(t, err)

	unknown := append([]byte(nil), valid...)
	unknown[0] = 9

	wrongIndex := append([]byte(nil), valid...)
	wrongIndex[0] = byte(KindMetadata)

	overlong := append([]byte(nil), valid...)
	binary.BigEndian.PutUint32(overlong[1:5], uint32(len(valid)))

	noFileID, err := EncodeChunk(models.Chunk{ChunkIndex: 0, TotalChunks: 1, FileSize: 1, Data: []byte{1}})
	require.NoError(t, err)

	cases := map[string]struct {
		payload []byte
		want    error
	}{
		"short":           {payload: []byte{2, 0}, want: ErrMalformedEnvelope},
		"unknown kind":    {payload: unknown, want: ErrUnknownKind},
		"metadata index":  {payload: wrongIndex, want: ErrMalformedEnvelope},
		"header overflow": {payload: overlong, want: ErrMalformedEnvelope},
		"missing file id": {payload: noFileID, want: ErrMalformedEnvelope},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeChunk(tc.payload)
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestDecodeMetadataValidates(t *testing.T) {
	_, err := DecodeMetadata([]byte(`{"id":"f1","name":"","size":3,"totalChunks":1}`))
	require.ErrorIs(t, err, ErrMalformedEnvelope)

	_, err = DecodeMetadata([]byte(`{"id":"f1","name":"x","size":-1,"totalChunks":0}`))
	require.ErrorIs(t, err, ErrMalformedEnvelope)

	_, err = DecodeMetadata([]byte(`not json`))
	require.ErrorIs(t, err, ErrMalformedEnvelope)
}
