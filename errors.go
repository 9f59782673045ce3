package vfscrypt

import (
	"errors"
	"fmt"
)

// Sentinel errors. Every structured error below unwraps to one of these so
// callers can branch with errors.Is.
var (
	ErrRNGFailure       = errors.New("rng failure")
	ErrRequestTooLarge  = errors.New("request too big")
	ErrKDFFailure       = errors.New("key derivation failure")
	ErrHeaderFormat     = errors.New("invalid file header format")
	ErrKeyUnwrap        = errors.New("unable to unwrap file key")
	ErrUnsupportedSuite = errors.New("unsupported encryption suite")
	ErrMalformedChunk   = errors.New("malformed chunk")
	ErrAuthFailed       = errors.New("authentication failed - data may be corrupted or tampered")

	ErrModuleClosed     = errors.New("encryption module is closed")
	ErrNoSecret         = errors.New("secret material not set")
	ErrNoFileKey        = errors.New("file key not loaded")
	ErrInvalidKey       = errors.New("invalid encryption key")
	ErrInvalidChunkSize = errors.New("invalid chunk size")
	ErrNilConfig        = errors.New("config cannot be nil")
	ErrNilKeyProvider   = errors.New("key provider cannot be nil")
	ErrNilBuffer        = errors.New("buffer cannot be nil")
	ErrNegativeOffset   = errors.New("negative offset not allowed")
	ErrOffsetTooLarge   = errors.New("offset beyond the last addressable chunk")
	ErrAppendWriteAt    = errors.New("invalid use of WriteAt on file opened with O_APPEND")
)

// PrimitiveError reports a failure inside the primitive library. Code carries
// the low-level return code or size that caused the failure, never key bytes.
type PrimitiveError struct {
	Op   string // "randomize", "hkdf", "aead-encrypt", ...
	Code int    // Return code or offending size, 0 if not applicable
	Err  error
}

func (e *PrimitiveError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s: %v (code %d)", e.Op, e.Err, e.Code)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PrimitiveError) Unwrap() error {
	return e.Err
}

// ValidationError represents a configuration or parameter validation error
type ValidationError struct {
	Field   string // The field or parameter that failed validation
	Value   any    // The invalid value
	Message string // Human-readable error message
	Err     error  // Underlying error, if any
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// EncryptionError represents an encryption or decryption failure
type EncryptionError struct {
	Operation string // "encrypt" or "decrypt"
	Path      string // File path, if applicable
	ChunkIdx  uint32 // Chunk index, if applicable
	HasChunk  bool   // ChunkIdx is meaningful
	Message   string // Human-readable error message
	Err       error  // Underlying error
}

func (e *EncryptionError) Error() string {
	if e.Path != "" && e.HasChunk {
		return fmt.Sprintf("%s error: %s (chunk %d): %s", e.Operation, e.Path, e.ChunkIdx, e.Message)
	} else if e.HasChunk {
		return fmt.Sprintf("%s error: chunk %d: %s", e.Operation, e.ChunkIdx, e.Message)
	} else if e.Path != "" {
		return fmt.Sprintf("%s error: %s: %s", e.Operation, e.Path, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Operation, e.Message)
}

func (e *EncryptionError) Unwrap() error {
	return e.Err
}

// IOError represents a storage I/O error
type IOError struct {
	Operation string // "read", "write", "truncate", "open", "close", etc.
	Path      string // File path
	Offset    int64  // File offset, -1 if not applicable
	Message   string // Human-readable error message
	Err       error  // Underlying error
}

func (e *IOError) Error() string {
	if e.Path != "" && e.Offset >= 0 {
		return fmt.Sprintf("io error: %s %s at offset %d: %s", e.Operation, e.Path, e.Offset, e.Message)
	} else if e.Path != "" {
		return fmt.Sprintf("io error: %s %s: %s", e.Operation, e.Path, e.Message)
	}
	return fmt.Sprintf("io error: %s: %s", e.Operation, e.Message)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// CorruptionError represents a chunk that failed its integrity check
type CorruptionError struct {
	Path     string // File path
	ChunkIdx uint32 // Chunk index
	Message  string // Human-readable error message
	Err      error  // Underlying error
}

func (e *CorruptionError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("corruption error: %s (chunk %d): %s", e.Path, e.ChunkIdx, e.Message)
	}
	return fmt.Sprintf("corruption error: chunk %d: %s", e.ChunkIdx, e.Message)
}

func (e *CorruptionError) Unwrap() error {
	return e.Err
}

// Helper functions for creating structured errors

// NewValidationError creates a new validation error
func NewValidationError(field string, value any, message string) error {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// NewEncryptionError creates a new encryption error
func NewEncryptionError(operation, path string, err error) error {
	return &EncryptionError{
		Operation: operation,
		Path:      path,
		Message:   err.Error(),
		Err:       err,
	}
}

// newChunkError creates an encryption error tied to a chunk index
func newChunkError(operation string, chunkIdx uint32, err error) error {
	return &EncryptionError{
		Operation: operation,
		ChunkIdx:  chunkIdx,
		HasChunk:  true,
		Message:   err.Error(),
		Err:       err,
	}
}

// NewIOError creates a new I/O error
func NewIOError(operation, path string, offset int64, err error) error {
	return &IOError{
		Operation: operation,
		Path:      path,
		Offset:    offset,
		Message:   err.Error(),
		Err:       err,
	}
}

// NewCorruptionError creates a new corruption error
func NewCorruptionError(path string, chunkIdx uint32, err error) error {
	return &CorruptionError{
		Path:     path,
		ChunkIdx: chunkIdx,
		Message:  err.Error(),
		Err:      err,
	}
}

// Error checking helpers

// IsAuthFailure reports whether err is the recoverable outcome of a chunk or
// key that did not authenticate. Callers typically map it to a read error.
func IsAuthFailure(err error) bool {
	return errors.Is(err, ErrAuthFailed)
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsEncryptionError checks if an error is an encryption error
func IsEncryptionError(err error) bool {
	var ee *EncryptionError
	return errors.As(err, &ee)
}

// IsIOError checks if an error is an I/O error
func IsIOError(err error) bool {
	var ie *IOError
	return errors.As(err, &ie)
}

// IsCorruptionError checks if an error is a corruption error
func IsCorruptionError(err error) bool {
	var ce *CorruptionError
	return errors.As(err, &ce)
}

// IsPrimitiveError checks if an error originated in the primitive library
func IsPrimitiveError(err error) bool {
	var pe *PrimitiveError
	return errors.As(err, &pe)
}
