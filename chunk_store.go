package vfscrypt

import (
	"errors"
	"fmt"
	"io"

	"github.com/absfs/absfs"
)

// errChunkMissing reports a chunk index at or past the end of the file
var errChunkMissing = errors.New("chunk does not exist")

// chunkStore maps chunk indices to byte ranges of the underlying file. Chunk
// i starts at dataOffset + i*(headerSize+chunkSize); every chunk but the last
// is full, so the index of a chunk is its position divided by the stride.
type chunkStore struct {
	file       absfs.File
	path       string
	dataOffset int64
	chunkSize  int
	headerSize int
}

func newChunkStore(file absfs.File, path string, dataOffset int64, chunkSize, headerSize int) *chunkStore {
	return &chunkStore{
		file:       file,
		path:       path,
		dataOffset: dataOffset,
		chunkSize:  chunkSize,
		headerSize: headerSize,
	}
}

// stride is the on-disk size of a full chunk
func (s *chunkStore) stride() int64 {
	return int64(s.headerSize + s.chunkSize)
}

func (s *chunkStore) offset(index uint32) int64 {
	return s.dataOffset + int64(index)*s.stride()
}

// readChunkBytes returns the raw bytes of chunk index, shorter than a full
// stride for the last chunk
func (s *chunkStore) readChunkBytes(index uint32) ([]byte, error) {
	off := s.offset(index)
	if _, err := s.file.Seek(off, io.SeekStart); err != nil {
		return nil, NewIOError("seek", s.path, off, err)
	}

	raw := make([]byte, s.stride())
	n, err := io.ReadFull(s.file, raw)
	switch {
	case err == nil:
	case errors.Is(err, io.EOF):
		return nil, errChunkMissing
	case errors.Is(err, io.ErrUnexpectedEOF):
		raw = raw[:n]
	default:
		return nil, NewIOError("read", s.path, off, err)
	}

	if len(raw) < s.headerSize {
		return nil, NewCorruptionError(s.path, index,
			fmt.Errorf("%w: truncated chunk of %d bytes", ErrMalformedChunk, len(raw)))
	}
	return raw, nil
}

// writeChunkBytes writes raw at the position of chunk index
func (s *chunkStore) writeChunkBytes(index uint32, raw []byte) error {
	if len(raw) > int(s.stride()) {
		return NewValidationError("raw_chunk", len(raw), "chunk larger than stride")
	}
	off := s.offset(index)
	if _, err := s.file.Seek(off, io.SeekStart); err != nil {
		return NewIOError("seek", s.path, off, err)
	}
	if _, err := s.file.Write(raw); err != nil {
		return NewIOError("write", s.path, off, err)
	}
	return nil
}

// plaintextSize derives the plaintext length from the on-disk length
func (s *chunkStore) plaintextSize() (int64, error) {
	info, err := s.file.Stat()
	if err != nil {
		return 0, NewIOError("stat", s.path, -1, err)
	}
	return plaintextSizeOf(info.Size(), s.dataOffset, s.chunkSize, s.headerSize)
}

func plaintextSizeOf(diskSize, dataOffset int64, chunkSize, headerSize int) (int64, error) {
	rem := diskSize - dataOffset
	if rem < 0 {
		return 0, fmt.Errorf("%w: file shorter than its header", ErrHeaderFormat)
	}
	stride := int64(headerSize + chunkSize)
	full := rem / stride
	tail := rem % stride
	if tail > 0 && tail < int64(headerSize) {
		return 0, NewCorruptionError("", uint32(full),
			fmt.Errorf("%w: trailing %d bytes", ErrMalformedChunk, tail))
	}

	size := full * int64(chunkSize)
	if tail > 0 {
		size += tail - int64(headerSize)
	}
	return size, nil
}

// truncateChunks drops every chunk from index on
func (s *chunkStore) truncateChunks(index uint32) error {
	off := s.offset(index)
	if err := s.file.Truncate(off); err != nil {
		return NewIOError("truncate", s.path, off, err)
	}
	return nil
}
