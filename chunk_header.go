package vfscrypt

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Chunk layout on disk:
//
//	┌──────────────────────────────┐
//	│ Chunk Header                 │
//	│  - Chunk index (uint32 BE)   │
//	│  - Nonce (suite nonce size)  │
//	│  - Auth tag (16 bytes)       │
//	├──────────────────────────────┤
//	│ Ciphertext (== plaintext len)│
//	└──────────────────────────────┘
//
// The index is authenticated as associated data together with the suite id
// and the file id, so a chunk only verifies at the position and in the file
// it was written for.

const (
	// DefaultChunkSize is the default chunk size (64 KB)
	DefaultChunkSize = 64 * 1024

	// MinChunkSize is the minimum allowed chunk size (64 bytes, for testing)
	MinChunkSize = 64

	// MaxChunkSize is the maximum allowed chunk size (16 MB)
	MaxChunkSize = 16 * 1024 * 1024
)

// ChunkHeader contains the per-write metadata of a single chunk
type ChunkHeader struct {
	Index uint32 // Position of the chunk in the file
	Nonce []byte // Fresh for every encryption
	Tag   []byte // AEAD authentication tag
}

// Size returns the size of the chunk header in bytes
func (h *ChunkHeader) Size() int {
	return ChunkIndexSize + len(h.Nonce) + len(h.Tag)
}

// MarshalBinary encodes the header
func (h *ChunkHeader) MarshalBinary() ([]byte, error) {
	buf := make([]byte, h.Size())
	binary.BigEndian.PutUint32(buf, h.Index)
	n := copy(buf[ChunkIndexSize:], h.Nonce)
	copy(buf[ChunkIndexSize+n:], h.Tag)
	return buf, nil
}

// WriteTo writes the chunk header to a writer
func (h *ChunkHeader) WriteTo(w io.Writer) (int64, error) {
	buf, _ := h.MarshalBinary()
	n, err := w.Write(buf)
	return int64(n), err
}

// ReadChunkHeader reads a chunk header whose nonce and tag sizes are given by params
func (h *ChunkHeader) ReadChunkHeader(r io.Reader, params SuiteParams) (int64, error) {
	buf := make([]byte, params.ChunkHeaderSize())
	n, err := io.ReadFull(r, buf)
	if err != nil {
		return int64(n), fmt.Errorf("failed to read chunk header: %w", err)
	}
	return int64(n), h.decode(buf, params)
}

// decode parses the leading ChunkHeaderSize bytes of raw. The returned
// header aliases raw.
func (h *ChunkHeader) decode(raw []byte, params SuiteParams) error {
	if len(raw) < params.ChunkHeaderSize() {
		return fmt.Errorf("%w: %d bytes, header needs %d", ErrMalformedChunk, len(raw), params.ChunkHeaderSize())
	}
	nonceEnd := ChunkIndexSize + params.NonceSize()
	h.Index = binary.BigEndian.Uint32(raw)
	h.Nonce = raw[ChunkIndexSize:nonceEnd:nonceEnd]
	h.Tag = raw[nonceEnd:params.ChunkHeaderSize():params.ChunkHeaderSize()]
	return nil
}

// ChunkIndexOf returns the index embedded in a raw chunk without decrypting it
func ChunkIndexOf(rawChunk []byte) (uint32, error) {
	if len(rawChunk) < ChunkIndexSize {
		return 0, ErrMalformedChunk
	}
	return binary.BigEndian.Uint32(rawChunk), nil
}

// CalculateChunkCount calculates how many chunks are needed for a given data size
func CalculateChunkCount(dataSize int64, chunkSize int) int64 {
	if dataSize <= 0 {
		return 0
	}
	return (dataSize + int64(chunkSize) - 1) / int64(chunkSize)
}

// CalculateRawChunkSize returns the on-disk size of a chunk holding
// plaintextSize bytes
func CalculateRawChunkSize(plaintextSize int, params SuiteParams) int {
	return params.ChunkHeaderSize() + plaintextSize
}
