package vfscrypt

// EncryptionSuite identifies a cipher/KDF/tag combination. It is chosen when
// a file is created, persisted in the file header and never changes for the
// lifetime of that file.
type EncryptionSuite uint16

const (
	// SuiteUndefined is the zero value and is never a valid suite
	SuiteUndefined EncryptionSuite = iota
	// SuiteAES256GCM128SHA256 uses AES-256-GCM with 128-bit tags, HKDF/HMAC-SHA256
	SuiteAES256GCM128SHA256
	// SuiteChaCha20Poly1305SHA256 uses ChaCha20-Poly1305, HKDF/HMAC-SHA256
	SuiteChaCha20Poly1305SHA256
	// SuiteXChaCha20Poly1305SHA512 uses XChaCha20-Poly1305 (24-byte nonces), HKDF/HMAC-SHA512
	SuiteXChaCha20Poly1305SHA512
)

// DefaultSuite is used when a Config leaves the suite unset
const DefaultSuite = SuiteAES256GCM128SHA256

// String returns the string representation of the suite
func (s EncryptionSuite) String() string {
	switch s {
	case SuiteUndefined:
		return "undefined"
	case SuiteAES256GCM128SHA256:
		return "aes256gcm128-sha256"
	case SuiteChaCha20Poly1305SHA256:
		return "chacha20poly1305-sha256"
	case SuiteXChaCha20Poly1305SHA512:
		return "xchacha20poly1305-sha512"
	default:
		return "unknown"
	}
}

// ParseEncryptionSuite maps a suite name back to its identifier
func ParseEncryptionSuite(name string) (EncryptionSuite, error) {
	for _, s := range Suites() {
		if s.String() == name {
			return s, nil
		}
	}
	return SuiteUndefined, NewValidationError("suite", name, ErrUnsupportedSuite.Error())
}

// Suites lists every supported suite in identifier order
func Suites() []EncryptionSuite {
	return []EncryptionSuite{
		SuiteAES256GCM128SHA256,
		SuiteChaCha20Poly1305SHA256,
		SuiteXChaCha20Poly1305SHA512,
	}
}

const (
	// FileKeySize is the size of every per-file key
	FileKeySize = 32
	// SaltSize is the size of the HKDF salt stored in the file header
	SaltSize = 16
	// FileIDSize is the size of the per-file identifier stored in the file header
	FileIDSize = 16
	// SuiteIDSize is the width of the suite identifier on disk
	SuiteIDSize = 2
	// ChunkIndexSize is the width of the chunk index embedded in every chunk header
	ChunkIndexSize = 4
	// MinSecretSize is the shortest master secret a module accepts
	MinSecretSize = 16
)

// SuiteParams holds the constants fixed by a suite
type SuiteParams struct {
	Suite EncryptionSuite
	AEAD  AEADAlgorithm
	Hash  HashFunc
}

// KeySize returns the file key size in bytes
func (p SuiteParams) KeySize() int { return p.AEAD.KeySize() }

// NonceSize returns the per-chunk nonce size in bytes
func (p SuiteParams) NonceSize() int { return p.AEAD.NonceSize() }

// TagSize returns the authentication tag size in bytes
func (p SuiteParams) TagSize() int { return p.AEAD.TagSize() }

// ChunkHeaderSize returns index + nonce + tag
func (p SuiteParams) ChunkHeaderSize() int {
	return ChunkIndexSize + p.NonceSize() + p.TagSize()
}

// ModuleFileHeaderSize returns salt + file id + wrap nonce + wrapped key + wrap tag
func (p SuiteParams) ModuleFileHeaderSize() int {
	return SaltSize + FileIDSize + p.NonceSize() + p.KeySize() + p.TagSize()
}

// SignatureSize returns the size of the header integrity tag
func (p SuiteParams) SignatureSize() int {
	return p.Hash.Size()
}

var suiteRegistry = map[EncryptionSuite]SuiteParams{
	SuiteAES256GCM128SHA256: {
		Suite: SuiteAES256GCM128SHA256,
		AEAD:  AES256GCM128,
		Hash:  SHA256,
	},
	SuiteChaCha20Poly1305SHA256: {
		Suite: SuiteChaCha20Poly1305SHA256,
		AEAD:  ChaCha20Poly1305,
		Hash:  SHA256,
	},
	SuiteXChaCha20Poly1305SHA512: {
		Suite: SuiteXChaCha20Poly1305SHA512,
		AEAD:  XChaCha20Poly1305,
		Hash:  SHA512,
	},
}

// LookupSuite returns the parameters of a suite, or ErrUnsupportedSuite
func LookupSuite(s EncryptionSuite) (SuiteParams, error) {
	p, ok := suiteRegistry[s]
	if !ok {
		return SuiteParams{}, ErrUnsupportedSuite
	}
	return p, nil
}
