package vfscrypt

import (
	"github.com/google/uuid"
)

// Module encrypts and decrypts the chunks of one open file. It owns the file
// key while the file is open and wipes it on Close.
//
// A Module performs no I/O: the storage layer reads raw chunk bytes, hands
// them in, and writes back what it gets out. A Module is not safe for
// concurrent use; use Clone to obtain an independent instance per goroutine.
type Module interface {
	// ChunkHeaderSize returns the size in bytes of the header prepended to every chunk
	ChunkHeaderSize() int
	// ModuleFileHeaderSize returns the size in bytes of the module data stored in the file header
	ModuleFileHeaderSize() int
	// EncryptionSuite returns the suite implemented by the module
	EncryptionSuite() EncryptionSuite

	// SecretMaterialSize returns the recommended master secret size
	SecretMaterialSize() int
	// SetSecretMaterial sets the master secret used to wrap and unwrap the file key
	SetSecretMaterial(secret []byte) error

	// SetModuleFileHeader parses the module data read from the file header
	// and unwraps the file key with the master secret
	SetModuleFileHeader(header []byte) error
	// ModuleFileHeader returns the module data to store in the file header.
	// A file key is generated on first use; salt and wrapping nonce are fresh
	// on every call.
	ModuleFileHeader() ([]byte, error)

	// EncryptChunk encrypts a new chunk at chunkIndex
	EncryptChunk(chunkIndex uint32, plaintext []byte) ([]byte, error)
	// ReEncryptChunk encrypts plaintext in place of an existing raw chunk,
	// keeping its index and drawing a fresh nonce. The result is a new
	// buffer the caller writes back.
	ReEncryptChunk(rawChunk, plaintext []byte) ([]byte, error)
	// DecryptChunk decrypts a raw chunk read from storage
	DecryptChunk(rawChunk []byte) ([]byte, error)
	// DecryptChunkAt decrypts a raw chunk and requires it to belong at chunkIndex
	DecryptChunkAt(chunkIndex uint32, rawChunk []byte) ([]byte, error)

	// SignatureSize returns the size of tags produced by Sign
	SignatureSize() int
	// Sign authenticates caller data, typically a storage container header
	Sign(data []byte) ([]byte, error)
	// CheckIntegrity verifies a tag produced by Sign
	CheckIntegrity(data, tag []byte) error

	// FileID returns the random identifier bound into every chunk
	FileID() uuid.UUID
	// Clone returns an independent module sharing the secret and file key
	Clone() (Module, error)
	// Close wipes key material
	Close() error
}

// NewModule returns the Module implementing suite. It performs no I/O and
// draws randomness only from rng.
func NewModule(suite EncryptionSuite, rng *RNG) (Module, error) {
	if rng == nil {
		return nil, NewValidationError("rng", nil, "random generator cannot be nil")
	}

	switch suite {
	case SuiteAES256GCM128SHA256, SuiteChaCha20Poly1305SHA256, SuiteXChaCha20Poly1305SHA512:
		params, err := LookupSuite(suite)
		if err != nil {
			return nil, err
		}
		return newAEADModule(params, rng), nil
	default:
		return nil, &ValidationError{
			Field:   "suite",
			Value:   uint16(suite),
			Message: "unsupported encryption suite " + suite.String(),
			Err:     ErrUnsupportedSuite,
		}
	}
}
