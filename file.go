package vfscrypt

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/absfs/absfs"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"
)

// EncryptedFile is a random-access file whose content is stored as
// independently encrypted chunks in an underlying absfs.File.
type EncryptedFile struct {
	base   absfs.File
	store  *chunkStore
	module Module
	header *ContainerHeader
	cfg    *Config
	log    zerolog.Logger
	flags  int

	chunkSize int
	size      int64 // Plaintext size, including unflushed data
	position  int64 // Current read/write position in plaintext

	// Chunk cache
	cache      *lru.Cache
	currentIdx uint32 // Index of currently loaded chunk
	currentBuf []byte // Currently loaded chunk plaintext
	currentRaw []byte // Raw bytes the current chunk was loaded from, nil if new
	chunkDirty bool   // Whether current chunk has been modified

	closed bool
	mu     sync.Mutex // Serializes every operation; Module is not concurrent-safe
}

// newEncryptedFile loads the container in base, or initializes one if base is empty
func newEncryptedFile(base absfs.File, path string, cfg *Config, flags int) (*EncryptedFile, error) {
	cache, err := lru.New(cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create chunk cache: %w", err)
	}

	f := &EncryptedFile{
		base:  base,
		cfg:   cfg,
		log:   cfg.Logger.With().Str("path", path).Logger(),
		flags: flags,
		cache: cache,
	}

	info, err := base.Stat()
	if err != nil {
		return nil, NewIOError("stat", path, -1, err)
	}

	if info.Size() > 0 {
		err = f.load(path)
	} else {
		err = f.init(path)
	}
	if err != nil {
		if f.module != nil {
			f.module.Close()
		}
		return nil, err
	}
	return f, nil
}

// init writes a fresh container header with a new file key
func (f *EncryptedFile) init(path string) error {
	if !f.writable() {
		return NewIOError("open", path, -1, errors.New("empty file opened read-only"))
	}

	m, err := NewModule(f.cfg.Suite, f.cfg.RNG)
	if err != nil {
		return err
	}
	f.module = m

	secret, err := f.cfg.KeyProvider.MasterKey()
	if err != nil {
		return fmt.Errorf("failed to get master key: %w", err)
	}
	defer wipe(secret)
	if err := m.SetSecretMaterial(secret); err != nil {
		return err
	}

	f.header, err = newContainerHeader(m, f.cfg.ChunkSize)
	if err != nil {
		return err
	}
	if _, err := f.base.Seek(0, io.SeekStart); err != nil {
		return NewIOError("seek", path, 0, err)
	}
	if _, err := f.header.WriteTo(f.base); err != nil {
		return NewIOError("write", path, 0, fmt.Errorf("failed to write header: %w", err))
	}

	f.attachStore(path)
	f.log.Debug().
		Stringer("suite", m.EncryptionSuite()).
		Int("chunk_size", f.chunkSize).
		Stringer("file_id", m.FileID()).
		Msg("created encrypted file")
	return nil
}

// load reads the container header and unwraps the file key, trying every
// candidate key provider in order
func (f *EncryptedFile) load(path string) error {
	if _, err := f.base.Seek(0, io.SeekStart); err != nil {
		return NewIOError("seek", path, 0, err)
	}
	f.header = &ContainerHeader{}
	if _, err := f.header.ReadFrom(f.base); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	var lastErr error
	for i, provider := range candidateProviders(f.cfg.KeyProvider) {
		m, err := f.unwrapWith(provider)
		if err != nil {
			lastErr = err
			if errors.Is(err, ErrKeyUnwrap) {
				f.log.Debug().Int("provider", i).Msg("key provider did not unwrap file key")
				continue
			}
			return err
		}
		if err := f.header.Verify(m); err != nil {
			m.Close()
			return fmt.Errorf("%s: %w", path, err)
		}
		f.module = m
		f.attachStore(path)

		size, err := f.store.plaintextSize()
		if err != nil {
			return err
		}
		f.size = size
		f.log.Debug().
			Stringer("suite", m.EncryptionSuite()).
			Int("chunk_size", f.chunkSize).
			Int64("size", size).
			Msg("opened encrypted file")
		return nil
	}
	return fmt.Errorf("%s: %w", path, lastErr)
}

func (f *EncryptedFile) unwrapWith(provider KeyProvider) (Module, error) {
	secret, err := provider.MasterKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get master key: %w", err)
	}
	defer wipe(secret)

	m, err := NewModule(f.header.File.Suite, f.cfg.RNG)
	if err != nil {
		return nil, err
	}
	if err := m.SetSecretMaterial(secret); err != nil {
		m.Close()
		return nil, err
	}
	if err := m.SetModuleFileHeader(f.header.File.ModuleData); err != nil {
		m.Close()
		return nil, err
	}
	return m, nil
}

func (f *EncryptedFile) attachStore(path string) {
	f.chunkSize = int(f.header.ChunkSize)
	dataOffset, _ := ContainerHeaderSize(f.header.File.Suite)
	f.store = newChunkStore(f.base, path, int64(dataOffset), f.chunkSize, f.module.ChunkHeaderSize())
}

func (f *EncryptedFile) writable() bool {
	return f.flags&(os.O_WRONLY|os.O_RDWR) != 0
}

func (f *EncryptedFile) appending() bool {
	return f.flags&os.O_APPEND != 0
}

// checkEnd rejects plaintext sizes whose last chunk index would not fit in 32 bits
func (f *EncryptedFile) checkEnd(end int64, field string) error {
	if limit := int64(f.chunkSize) << 32; end > limit {
		return &ValidationError{
			Field:   field,
			Value:   end,
			Message: fmt.Sprintf("exceeds maximum size %d for chunk size %d", limit, f.chunkSize),
			Err:     ErrOffsetTooLarge,
		}
	}
	return nil
}

// Suite returns the suite the file was created with
func (f *EncryptedFile) Suite() EncryptionSuite {
	return f.header.File.Suite
}

// FileID returns the identifier bound into every chunk of the file
func (f *EncryptedFile) FileID() uuid.UUID {
	return f.module.FileID()
}

// ChunkSize returns the plaintext chunk size of the file
func (f *EncryptedFile) ChunkSize() int {
	return f.chunkSize
}

// Size returns the plaintext size
func (f *EncryptedFile) Size() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.size
}

// Read reads up to len(p) bytes from the file
func (f *EncryptedFile) Read(p []byte) (int, error) {
	if p == nil {
		return 0, ErrNilBuffer
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return 0, os.ErrClosed
	}
	return f.readInternal(p)
}

// readInternal is an internal read that assumes lock is held
func (f *EncryptedFile) readInternal(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	totalRead := 0
	for totalRead < len(p) {
		if f.position >= f.size {
			if totalRead == 0 {
				return 0, io.EOF
			}
			return totalRead, nil
		}

		chunkIdx, offsetInChunk := f.locate(f.position)
		if err := f.ensureChunkLoaded(chunkIdx); err != nil {
			return totalRead, err
		}

		available := len(f.currentBuf) - offsetInChunk
		toRead := len(p) - totalRead
		if toRead > available {
			toRead = available
		}

		copy(p[totalRead:], f.currentBuf[offsetInChunk:offsetInChunk+toRead])
		totalRead += toRead
		f.position += int64(toRead)
	}

	return totalRead, nil
}

// Write writes len(p) bytes to the file
func (f *EncryptedFile) Write(p []byte) (int, error) {
	if p == nil {
		return 0, ErrNilBuffer
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.checkWrite(); err != nil {
		return 0, err
	}
	if f.appending() {
		f.position = f.size
	}
	return f.writeInternal(p)
}

func (f *EncryptedFile) checkWrite() error {
	if f.closed {
		return os.ErrClosed
	}
	if !f.writable() {
		return NewIOError("write", f.store.path, -1, os.ErrPermission)
	}
	return nil
}

// writeInternal is an internal write that assumes lock is held
func (f *EncryptedFile) writeInternal(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if err := f.checkEnd(f.position+int64(len(p)), "offset"); err != nil {
		return 0, err
	}
	if f.position > f.size {
		if err := f.fillZeros(f.position); err != nil {
			return 0, err
		}
	}

	totalWritten := 0
	for totalWritten < len(p) {
		chunkIdx, offsetInChunk := f.locate(f.position)
		if err := f.ensureChunkLoaded(chunkIdx); err != nil {
			return totalWritten, err
		}

		toWrite := len(p) - totalWritten
		if available := f.chunkSize - offsetInChunk; toWrite > available {
			toWrite = available
		}

		// Expand buffer if needed
		if needed := offsetInChunk + toWrite; needed > len(f.currentBuf) {
			newBuf := make([]byte, needed, f.chunkSize)
			copy(newBuf, f.currentBuf)
			f.currentBuf = newBuf
		}

		copy(f.currentBuf[offsetInChunk:], p[totalWritten:totalWritten+toWrite])
		totalWritten += toWrite
		f.position += int64(toWrite)
		f.chunkDirty = true
		if f.position > f.size {
			f.size = f.position
		}
	}

	return totalWritten, nil
}

// fillZeros extends the file with zero bytes up to end, leaving position unchanged
func (f *EncryptedFile) fillZeros(end int64) error {
	saved := f.position
	f.position = f.size
	zeros := make([]byte, f.chunkSize)
	for f.position < end {
		n := end - f.position
		if n > int64(len(zeros)) {
			n = int64(len(zeros))
		}
		if _, err := f.writeInternal(zeros[:n]); err != nil {
			f.position = saved
			return err
		}
	}
	f.position = saved
	return nil
}

// locate maps a plaintext offset to its chunk index and offset within the chunk
func (f *EncryptedFile) locate(pos int64) (uint32, int) {
	return uint32(pos / int64(f.chunkSize)), int(pos % int64(f.chunkSize))
}

// ensureChunkLoaded loads a chunk into memory if not already loaded
func (f *EncryptedFile) ensureChunkLoaded(chunkIdx uint32) error {
	if chunkIdx == f.currentIdx && f.currentBuf != nil {
		return nil
	}

	if err := f.flushCurrentChunk(); err != nil {
		return err
	}

	// Chunk doesn't exist yet
	if int64(chunkIdx)*int64(f.chunkSize) >= f.size {
		f.setCurrent(chunkIdx, make([]byte, 0, f.chunkSize), nil)
		return nil
	}

	if cached, ok := f.cache.Get(chunkIdx); ok {
		entry := cached.(cacheEntry)
		f.setCurrent(chunkIdx, append(make([]byte, 0, f.chunkSize), entry.plaintext...), entry.raw)
		return nil
	}

	raw, plaintext, err := f.readChunk(chunkIdx)
	if err != nil {
		return err
	}
	f.cache.Add(chunkIdx, cacheEntry{plaintext: append([]byte(nil), plaintext...), raw: raw})
	f.setCurrent(chunkIdx, plaintext, raw)
	return nil
}

type cacheEntry struct {
	plaintext []byte
	raw       []byte
}

func (f *EncryptedFile) setCurrent(idx uint32, buf, raw []byte) {
	f.currentIdx = idx
	f.currentBuf = buf
	f.currentRaw = raw
	f.chunkDirty = false
}

// readChunk reads and decrypts a single chunk
func (f *EncryptedFile) readChunk(chunkIdx uint32) (raw, plaintext []byte, err error) {
	raw, err = f.store.readChunkBytes(chunkIdx)
	if err != nil {
		return nil, nil, err
	}

	plaintext, err = f.module.DecryptChunkAt(chunkIdx, raw)
	if err != nil {
		if IsAuthFailure(err) {
			f.log.Warn().Uint32("chunk", chunkIdx).Msg("chunk failed authentication")
			return nil, nil, NewCorruptionError(f.store.path, chunkIdx, err)
		}
		return nil, nil, err
	}
	return raw, plaintext, nil
}

// flushCurrentChunk writes the current chunk to storage if dirty
func (f *EncryptedFile) flushCurrentChunk() error {
	if !f.chunkDirty || f.currentBuf == nil {
		return nil
	}

	var (
		raw []byte
		err error
	)
	if f.currentRaw != nil {
		raw, err = f.module.ReEncryptChunk(f.currentRaw, f.currentBuf)
	} else {
		raw, err = f.module.EncryptChunk(f.currentIdx, f.currentBuf)
	}
	if err != nil {
		return NewEncryptionError("encrypt", f.store.path, err)
	}

	if err := f.store.writeChunkBytes(f.currentIdx, raw); err != nil {
		return err
	}

	f.cache.Add(f.currentIdx, cacheEntry{plaintext: append([]byte(nil), f.currentBuf...), raw: raw})
	f.currentRaw = raw
	f.chunkDirty = false
	return nil
}

// Seek sets the offset for the next Read or Write
func (f *EncryptedFile) Seek(offset int64, whence int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var newPos int64
	switch whence {
	case io.SeekStart:
		newPos = offset
	case io.SeekCurrent:
		newPos = f.position + offset
	case io.SeekEnd:
		newPos = f.size + offset
	default:
		return 0, fmt.Errorf("invalid whence: %d", whence)
	}

	if newPos < 0 {
		return 0, ErrNegativeOffset
	}

	f.position = newPos
	return newPos, nil
}

// ReadAt reads len(b) bytes from the file starting at byte offset off
func (f *EncryptedFile) ReadAt(b []byte, off int64) (int, error) {
	if err := ValidateReadWrite(b, off); err != nil {
		return 0, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return 0, os.ErrClosed
	}

	oldPos := f.position
	f.position = off
	n, err := f.readInternal(b)
	f.position = oldPos

	if err == nil && n < len(b) {
		err = io.EOF
	}
	return n, err
}

// WriteAt writes len(b) bytes to the file starting at byte offset off
func (f *EncryptedFile) WriteAt(b []byte, off int64) (int, error) {
	if err := ValidateReadWrite(b, off); err != nil {
		return 0, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.checkWrite(); err != nil {
		return 0, err
	}
	if f.appending() {
		return 0, NewIOError("writeat", f.store.path, off, ErrAppendWriteAt)
	}

	oldPos := f.position
	f.position = off
	n, err := f.writeInternal(b)
	f.position = oldPos
	return n, err
}

// WriteString writes the contents of string s
func (f *EncryptedFile) WriteString(s string) (int, error) {
	return f.Write([]byte(s))
}

// ReadBulk reads like Read but decrypts the spanned chunks in parallel
func (f *EncryptedFile) ReadBulk(p []byte) (int, error) {
	if p == nil {
		return 0, ErrNilBuffer
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return 0, os.ErrClosed
	}
	if len(p) == 0 {
		return 0, nil
	}
	if f.position >= f.size {
		return 0, io.EOF
	}
	if err := f.flushCurrentChunk(); err != nil {
		return 0, err
	}

	end := f.position + int64(len(p))
	if end > f.size {
		end = f.size
	}
	first, offsetInFirst := f.locate(f.position)
	last, _ := f.locate(end - 1)

	raws := make([][]byte, 0, last-first+1)
	for idx := first; idx <= last; idx++ {
		raw, err := f.store.readChunkBytes(idx)
		if err != nil {
			return 0, err
		}
		raws = append(raws, raw)
	}

	plaintexts, err := DecryptChunks(f.module, first, raws, f.cfg.Parallel)
	if err != nil {
		if IsAuthFailure(err) {
			var ee *EncryptionError
			idx := first
			if errors.As(err, &ee) && ee.HasChunk {
				idx = ee.ChunkIdx
			}
			f.log.Warn().Uint32("chunk", idx).Msg("chunk failed authentication")
			return 0, NewCorruptionError(f.store.path, idx, err)
		}
		return 0, err
	}

	totalRead := 0
	for i, pt := range plaintexts {
		if i == 0 {
			pt = pt[offsetInFirst:]
		}
		totalRead += copy(p[totalRead:], pt)
		if totalRead >= len(p) {
			break
		}
	}
	if int64(totalRead) > end-f.position {
		totalRead = int(end - f.position)
	}

	f.position += int64(totalRead)
	return totalRead, nil
}

// WriteBulk writes like Write, encrypting whole chunks in parallel when the
// write appends at a chunk boundary
func (f *EncryptedFile) WriteBulk(p []byte) (int, error) {
	if p == nil {
		return 0, ErrNilBuffer
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.checkWrite(); err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}
	if f.appending() {
		f.position = f.size
	}
	if err := f.checkEnd(f.position+int64(len(p)), "offset"); err != nil {
		return 0, err
	}

	aligned := f.position == f.size && f.size%int64(f.chunkSize) == 0
	if !aligned {
		return f.writeInternal(p)
	}
	if err := f.flushCurrentChunk(); err != nil {
		return 0, err
	}

	first, _ := f.locate(f.position)
	pieces := make([][]byte, 0, CalculateChunkCount(int64(len(p)), f.chunkSize))
	for off := 0; off < len(p); off += f.chunkSize {
		end := off + f.chunkSize
		if end > len(p) {
			end = len(p)
		}
		pieces = append(pieces, p[off:end])
	}

	raws, err := EncryptChunks(f.module, first, pieces, f.cfg.Parallel)
	if err != nil {
		return 0, NewEncryptionError("encrypt", f.store.path, err)
	}

	written := 0
	for i, raw := range raws {
		idx := first + uint32(i)
		if err := f.store.writeChunkBytes(idx, raw); err != nil {
			return written, err
		}
		f.cache.Remove(idx)
		written += len(pieces[i])
		f.position += int64(len(pieces[i]))
		f.size = f.position
	}
	if f.currentBuf != nil && f.currentIdx >= first {
		f.currentBuf = nil
	}
	return written, nil
}

// Verify authenticates every stored chunk in order and reports the first
// one that fails. Unflushed writes are not checked.
func (f *EncryptedFile) Verify() (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return 0, os.ErrClosed
	}

	count := CalculateChunkCount(f.size, f.chunkSize)
	for idx := int64(0); idx < count; idx++ {
		raw, err := f.store.readChunkBytes(uint32(idx))
		if err != nil {
			return idx, err
		}
		if _, err := f.module.DecryptChunkAt(uint32(idx), raw); err != nil {
			if IsAuthFailure(err) {
				f.log.Warn().Int64("chunk", idx).Msg("chunk failed authentication")
				return idx, NewCorruptionError(f.store.path, uint32(idx), err)
			}
			return idx, err
		}
	}
	return count, nil
}

// Truncate changes the plaintext size of the file
func (f *EncryptedFile) Truncate(size int64) error {
	if err := ValidateOffset(size, "size"); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.checkWrite(); err != nil {
		return err
	}
	if err := f.checkEnd(size, "size"); err != nil {
		return err
	}

	if size > f.size {
		if err := f.fillZeros(size); err != nil {
			return err
		}
		return f.flushCurrentChunk()
	}
	if size == f.size {
		return nil
	}

	if err := f.flushCurrentChunk(); err != nil {
		return err
	}

	var keep []byte
	var keepRaw []byte
	lastIdx, tailLen := f.locate(size)
	if tailLen > 0 {
		if err := f.ensureChunkLoaded(lastIdx); err != nil {
			return err
		}
		keep = append([]byte(nil), f.currentBuf[:tailLen]...)
		keepRaw = f.currentRaw
	}

	f.cache.Purge()
	f.currentBuf = nil
	f.currentRaw = nil
	f.chunkDirty = false

	if err := f.store.truncateChunks(lastIdx); err != nil {
		return err
	}
	f.size = int64(lastIdx) * int64(f.chunkSize)

	if tailLen > 0 {
		var raw []byte
		var err error
		if keepRaw != nil {
			raw, err = f.module.ReEncryptChunk(keepRaw, keep)
		} else {
			raw, err = f.module.EncryptChunk(lastIdx, keep)
		}
		if err != nil {
			return err
		}
		if err := f.store.writeChunkBytes(lastIdx, raw); err != nil {
			return err
		}
		f.size = size
	}
	return nil
}

// Sync commits the current contents to stable storage
func (f *EncryptedFile) Sync() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return os.ErrClosed
	}
	if err := f.flushCurrentChunk(); err != nil {
		return err
	}
	return f.base.Sync()
}

// Close flushes pending data, wipes the file key and closes the base file
func (f *EncryptedFile) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return os.ErrClosed
	}
	f.closed = true

	flushErr := f.flushCurrentChunk()
	f.module.Close()
	f.cache.Purge()
	f.currentBuf = nil

	closeErr := f.base.Close()
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

// Stat returns file info reporting the plaintext size
func (f *EncryptedFile) Stat() (os.FileInfo, error) {
	info, err := f.base.Stat()
	if err != nil {
		return nil, err
	}
	return &encryptedFileInfo{FileInfo: info, size: f.Size()}, nil
}

// Name returns the name of the file
func (f *EncryptedFile) Name() string {
	return f.base.Name()
}

// Readdir reads directory entries (not applicable for files)
func (f *EncryptedFile) Readdir(n int) ([]os.FileInfo, error) {
	return nil, fmt.Errorf("not a directory")
}

// Readdirnames reads directory names (not applicable for files)
func (f *EncryptedFile) Readdirnames(n int) ([]string, error) {
	return nil, fmt.Errorf("not a directory")
}

// encryptedFileInfo wraps os.FileInfo to report the plaintext size
type encryptedFileInfo struct {
	os.FileInfo
	size int64
}

// Size returns the decrypted size of the file
func (e *encryptedFileInfo) Size() int64 {
	return e.size
}
