package vfscrypt

import (
	"fmt"
)

// Input validation helpers shared by the codec and the storage layer

// ValidateOffset checks if a file offset is valid
func ValidateOffset(offset int64, name string) error {
	if offset < 0 {
		return &ValidationError{
			Field:   name,
			Value:   offset,
			Message: "offset cannot be negative",
			Err:     ErrNegativeOffset,
		}
	}
	return nil
}

// ValidateKey checks if a key has the correct size
func ValidateKey(key []byte, expectedSize int) error {
	if key == nil {
		return &ValidationError{
			Field:   "key",
			Message: "key cannot be nil",
			Err:     ErrInvalidKey,
		}
	}

	if len(key) != expectedSize {
		return &ValidationError{
			Field:   "key",
			Value:   len(key),
			Message: fmt.Sprintf("invalid key size: got %d bytes, expected %d bytes", len(key), expectedSize),
			Err:     ErrInvalidKey,
		}
	}

	return nil
}

// ValidateSecret checks that master secret material is long enough
func ValidateSecret(secret []byte) error {
	if len(secret) < MinSecretSize {
		return &ValidationError{
			Field:   "secret",
			Value:   len(secret),
			Message: fmt.Sprintf("secret material too short: got %d bytes, need at least %d bytes", len(secret), MinSecretSize),
			Err:     ErrInvalidKey,
		}
	}
	return nil
}

// ValidateChunkSize validates that a chunk size is within acceptable bounds
func ValidateChunkSize(size int) error {
	if size < MinChunkSize || size > MaxChunkSize {
		return &ValidationError{
			Field:   "chunk_size",
			Value:   size,
			Message: fmt.Sprintf("chunk size %d outside [%d, %d]", size, MinChunkSize, MaxChunkSize),
			Err:     ErrInvalidChunkSize,
		}
	}
	return nil
}

// ValidateReadWrite checks common preconditions for read/write operations
func ValidateReadWrite(buf []byte, position int64) error {
	if buf == nil {
		return ErrNilBuffer
	}
	if position < 0 {
		return ErrNegativeOffset
	}
	return nil
}
