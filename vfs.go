package vfscrypt

import (
	"fmt"
	"os"
	"time"

	"github.com/absfs/absfs"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// VFS implements absfs.FileSystem with transparent chunk encryption. Names,
// directories and permissions are passed through to the base filesystem.
type VFS struct {
	base absfs.FileSystem
	cfg  *Config
	log  zerolog.Logger
}

// New creates an encrypting filesystem wrapping base
func New(base absfs.FileSystem, config *Config) (*VFS, error) {
	if base == nil {
		return nil, fmt.Errorf("base filesystem cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	cfg := config.withDefaults()
	return &VFS{
		base: base,
		cfg:  cfg,
		log:  *cfg.Logger,
	}, nil
}

// Base returns the wrapped filesystem
func (v *VFS) Base() absfs.FileSystem {
	return v.base
}

// Open opens a file for reading
func (v *VFS) Open(name string) (absfs.File, error) {
	return v.OpenFile(name, os.O_RDONLY, 0)
}

// Create creates or truncates a file for reading and writing
func (v *VFS) Create(name string) (absfs.File, error) {
	return v.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0666)
}

// OpenFile opens a file with the specified flags and permissions
func (v *VFS) OpenFile(name string, flag int, perm os.FileMode) (absfs.File, error) {
	return v.openEncrypted(name, flag, perm)
}

// OpenEncrypted is OpenFile returning the concrete file type
func (v *VFS) OpenEncrypted(name string, flag int, perm os.FileMode) (*EncryptedFile, error) {
	return v.openEncrypted(name, flag, perm)
}

func (v *VFS) openEncrypted(name string, flag int, perm os.FileMode) (*EncryptedFile, error) {
	// Chunks are rewritten in place, so writers need read access and the
	// base file must not force writes to its end.
	baseFlag := flag &^ os.O_APPEND
	if baseFlag&os.O_WRONLY != 0 {
		baseFlag = baseFlag&^os.O_WRONLY | os.O_RDWR
	}

	baseFile, err := v.base.OpenFile(name, baseFlag, perm)
	if err != nil {
		return nil, err
	}

	// O_APPEND stays in flag; the file itself moves each write to EOF.
	f, err := newEncryptedFile(baseFile, name, v.cfg, flag)
	if err != nil {
		baseFile.Close()
		return nil, err
	}
	return f, nil
}

// Remove removes a file or empty directory
func (v *VFS) Remove(name string) error {
	return v.base.Remove(name)
}

// RemoveAll removes a path and any children it contains
func (v *VFS) RemoveAll(path string) error {
	return v.base.RemoveAll(path)
}

// Rename renames (moves) a file. Chunks are bound to the file id, not the
// name, so a renamed file stays readable.
func (v *VFS) Rename(oldpath, newpath string) error {
	return v.base.Rename(oldpath, newpath)
}

// Mkdir creates a directory
func (v *VFS) Mkdir(name string, perm os.FileMode) error {
	return v.base.Mkdir(name, perm)
}

// MkdirAll creates a directory and all necessary parent directories
func (v *VFS) MkdirAll(name string, perm os.FileMode) error {
	return v.base.MkdirAll(name, perm)
}

// Stat returns file information with the plaintext size for regular files
func (v *VFS) Stat(name string) (os.FileInfo, error) {
	info, err := v.base.Stat(name)
	if err != nil {
		return nil, err
	}
	if info.IsDir() || info.Size() == 0 {
		return info, nil
	}

	meta, err := v.Inspect(name)
	if err != nil {
		return nil, err
	}
	return &encryptedFileInfo{FileInfo: info, size: meta.PlaintextSize}, nil
}

// Truncate changes the plaintext size of the named file
func (v *VFS) Truncate(name string, size int64) error {
	f, err := v.openEncrypted(name, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Chmod changes the mode of a file
func (v *VFS) Chmod(name string, mode os.FileMode) error {
	return v.base.Chmod(name, mode)
}

// Chtimes changes the access and modification times of a file
func (v *VFS) Chtimes(name string, atime time.Time, mtime time.Time) error {
	return v.base.Chtimes(name, atime, mtime)
}

// Chown changes the owner and group of a file
func (v *VFS) Chown(name string, uid, gid int) error {
	return v.base.Chown(name, uid, gid)
}

// Separator returns the path separator for the underlying filesystem
func (v *VFS) Separator() uint8 {
	return v.base.Separator()
}

// ListSeparator returns the list separator for the underlying filesystem
func (v *VFS) ListSeparator() uint8 {
	return v.base.ListSeparator()
}

// Chdir changes the current working directory
func (v *VFS) Chdir(dir string) error {
	return v.base.Chdir(dir)
}

// Getwd returns the current working directory
func (v *VFS) Getwd() (string, error) {
	return v.base.Getwd()
}

// TempDir returns the temporary directory path
func (v *VFS) TempDir() string {
	return v.base.TempDir()
}

// FileMetadata is the unauthenticated view of a container header. It is
// available without the master secret.
type FileMetadata struct {
	Version       uint8
	Suite         EncryptionSuite
	ChunkSize     int
	FileID        uuid.UUID
	PlaintextSize int64
	DiskSize      int64
}

// Inspect reads the container header of name without unwrapping its key
func (v *VFS) Inspect(name string) (*FileMetadata, error) {
	f, err := v.base.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, NewIOError("stat", name, -1, err)
	}

	var h ContainerHeader
	if _, err := h.ReadFrom(f); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return metadataOf(&h, info.Size())
}

func metadataOf(h *ContainerHeader, diskSize int64) (*FileMetadata, error) {
	params, err := LookupSuite(h.File.Suite)
	if err != nil {
		return nil, err
	}
	fileID, err := uuid.FromBytes(h.File.ModuleData[SaltSize : SaltSize+FileIDSize])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHeaderFormat, err)
	}
	dataOffset, err := ContainerHeaderSize(h.File.Suite)
	if err != nil {
		return nil, err
	}
	if err := ValidateChunkSize(int(h.ChunkSize)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHeaderFormat, err)
	}
	size, err := plaintextSizeOf(diskSize, int64(dataOffset), int(h.ChunkSize), params.ChunkHeaderSize())
	if err != nil {
		return nil, err
	}

	return &FileMetadata{
		Version:       h.Version,
		Suite:         h.File.Suite,
		ChunkSize:     int(h.ChunkSize),
		FileID:        fileID,
		PlaintextSize: size,
		DiskSize:      diskSize,
	}, nil
}

var _ absfs.FileSystem = (*VFS)(nil)
var _ absfs.File = (*EncryptedFile)(nil)
