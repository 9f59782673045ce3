package vfscrypt

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/pbkdf2"
)

// KeyProvider supplies the master secret used to wrap per-file keys. The
// returned slice is owned by the caller, which may wipe it.
type KeyProvider interface {
	MasterKey() ([]byte, error)
}

// PBKDF2Params contains parameters for PBKDF2 key derivation
type PBKDF2Params struct {
	Iterations int      // Number of iterations (minimum 100,000 recommended)
	HashFunc   HashFunc // Hash function to use
	KeySize    int      // Derived key size in bytes (default 32)
}

// Argon2idParams contains parameters for Argon2id key derivation
type Argon2idParams struct {
	Memory      uint32 // Memory in KiB (e.g., 64*1024 for 64MB)
	Iterations  uint32 // Number of iterations (time parameter)
	Parallelism uint8  // Degree of parallelism
	KeySize     int    // Derived key size in bytes (default 32)
}

// PasswordKeyProvider derives the master secret from a password. The salt
// is per deployment, not per file; per-file separation comes from the salt
// in every file header.
type PasswordKeyProvider struct {
	password     []byte
	salt         []byte
	useArgon2id  bool
	pbkdf2Params PBKDF2Params
	argon2Params Argon2idParams
}

// NewPasswordKeyProviderPBKDF2 creates a new password-based key provider using PBKDF2
func NewPasswordKeyProviderPBKDF2(password, salt []byte, params PBKDF2Params) *PasswordKeyProvider {
	// Set defaults
	if params.Iterations == 0 {
		params.Iterations = 100000
	}
	if params.KeySize == 0 {
		params.KeySize = 32
	}

	return &PasswordKeyProvider{
		password:     password,
		salt:         salt,
		useArgon2id:  false,
		pbkdf2Params: params,
	}
}

// NewPasswordKeyProvider creates a new password-based key provider using Argon2id (recommended)
func NewPasswordKeyProvider(password, salt []byte, params Argon2idParams) *PasswordKeyProvider {
	// Set defaults
	if params.Memory == 0 {
		params.Memory = 64 * 1024 // 64 MB
	}
	if params.Iterations == 0 {
		params.Iterations = 3
	}
	if params.Parallelism == 0 {
		params.Parallelism = 4
	}
	if params.KeySize == 0 {
		params.KeySize = 32
	}

	return &PasswordKeyProvider{
		password:     password,
		salt:         salt,
		useArgon2id:  true,
		argon2Params: params,
	}
}

// MasterKey derives the master secret from the password and salt
func (p *PasswordKeyProvider) MasterKey() ([]byte, error) {
	if len(p.password) == 0 {
		return nil, errors.New("password cannot be empty")
	}
	if len(p.salt) == 0 {
		return nil, errors.New("salt cannot be empty")
	}

	if p.useArgon2id {
		return argon2.IDKey(
			p.password,
			p.salt,
			p.argon2Params.Iterations,
			p.argon2Params.Memory,
			p.argon2Params.Parallelism,
			uint32(p.argon2Params.KeySize),
		), nil
	}

	hashFunc := p.pbkdf2Params.HashFunc.New()
	if hashFunc == nil {
		return nil, fmt.Errorf("unsupported hash function: %v", p.pbkdf2Params.HashFunc)
	}
	return pbkdf2.Key(
		p.password,
		p.salt,
		p.pbkdf2Params.Iterations,
		p.pbkdf2Params.KeySize,
		hashFunc,
	), nil
}

// EnvKeyProvider reads a hex-encoded master secret from an environment variable
type EnvKeyProvider struct {
	envVar string
}

// NewEnvKeyProvider creates a new environment variable key provider
func NewEnvKeyProvider(envVar string) *EnvKeyProvider {
	return &EnvKeyProvider{envVar: envVar}
}

// MasterKey returns the decoded key from the environment variable
func (e *EnvKeyProvider) MasterKey() ([]byte, error) {
	keyHex := strings.TrimSpace(os.Getenv(e.envVar))
	if keyHex == "" {
		return nil, fmt.Errorf("environment variable %s not set", e.envVar)
	}

	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("environment variable %s: decoding key: %w", e.envVar, err)
	}
	if err := ValidateSecret(key); err != nil {
		return nil, err
	}
	return key, nil
}

// StaticKeyProvider returns a fixed master secret
type StaticKeyProvider struct {
	key []byte
}

// NewStaticKeyProvider copies key into a new provider
func NewStaticKeyProvider(key []byte) *StaticKeyProvider {
	return &StaticKeyProvider{key: append([]byte(nil), key...)}
}

// MasterKey returns a copy of the key
func (s *StaticKeyProvider) MasterKey() ([]byte, error) {
	if err := ValidateSecret(s.key); err != nil {
		return nil, err
	}
	return append([]byte(nil), s.key...), nil
}

// MultiKeyProvider tries multiple key providers in order when opening files.
// This is useful during key rotation/migration.
type MultiKeyProvider struct {
	providers []KeyProvider
}

// NewMultiKeyProvider creates a new multi-key provider. The first provider is
// used for new files, the others only as fallbacks when opening.
func NewMultiKeyProvider(providers ...KeyProvider) (*MultiKeyProvider, error) {
	if len(providers) == 0 {
		return nil, fmt.Errorf("at least one key provider required")
	}
	return &MultiKeyProvider{providers: providers}, nil
}

// MasterKey uses the primary provider
func (m *MultiKeyProvider) MasterKey() ([]byte, error) {
	return m.providers[0].MasterKey()
}

// Candidates returns every provider in priority order
func (m *MultiKeyProvider) Candidates() []KeyProvider {
	return append([]KeyProvider(nil), m.providers...)
}

// candidateProviders expands a MultiKeyProvider, or wraps a single provider
func candidateProviders(p KeyProvider) []KeyProvider {
	if multi, ok := p.(*MultiKeyProvider); ok {
		return multi.Candidates()
	}
	return []KeyProvider{p}
}
