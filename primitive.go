package vfscrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// HashFunc represents hash function types for HMAC, HKDF and PBKDF2
type HashFunc uint8

const (
	// SHA256 hash function
	SHA256 HashFunc = iota
	// SHA512 hash function
	SHA512
	// SHA384 hash function
	SHA384
)

// String returns the string representation of the hash
func (h HashFunc) String() string {
	switch h {
	case SHA256:
		return "sha256"
	case SHA384:
		return "sha384"
	case SHA512:
		return "sha512"
	default:
		return "unknown"
	}
}

// New returns the hash constructor, or nil for an unknown hash
func (h HashFunc) New() func() hash.Hash {
	switch h {
	case SHA256:
		return sha256.New
	case SHA384:
		return sha512.New384
	case SHA512:
		return sha512.New
	default:
		return nil
	}
}

// Size returns the digest size in bytes, 0 for an unknown hash
func (h HashFunc) Size() int {
	switch h {
	case SHA256:
		return sha256.Size
	case SHA384:
		return sha512.Size384
	case SHA512:
		return sha512.Size
	default:
		return 0
	}
}

// HMAC computes the keyed hash of input. The output is h.Size() bytes.
// An unknown hash panics, as it is a programming error.
func HMAC(h HashFunc, key, input []byte) []byte {
	newHash := h.New()
	if newHash == nil {
		panic(fmt.Sprintf("vfscrypt: HMAC with unsupported hash %d", h))
	}
	mac := hmac.New(newHash, key)
	mac.Write(input)
	return mac.Sum(nil)
}

// HKDF runs extract-and-expand and returns outputLen bytes. info may be a
// string or a byte slice; equal bytes give equal output.
func HKDF[I ~string | ~[]byte](h HashFunc, salt, ikm []byte, info I, outputLen int) ([]byte, error) {
	newHash := h.New()
	if newHash == nil {
		return nil, &PrimitiveError{Op: "hkdf", Code: int(h), Err: fmt.Errorf("%w: unsupported hash", ErrKDFFailure)}
	}
	if outputLen <= 0 || outputLen > 255*h.Size() {
		return nil, &PrimitiveError{Op: "hkdf-" + h.String(), Code: outputLen, Err: fmt.Errorf("%w: invalid output length", ErrKDFFailure)}
	}

	okm := make([]byte, outputLen)
	if _, err := io.ReadFull(hkdf.New(newHash, ikm, salt, []byte(info)), okm); err != nil {
		return nil, &PrimitiveError{Op: "hkdf-" + h.String(), Err: fmt.Errorf("%w: %w", ErrKDFFailure, err)}
	}
	return okm, nil
}

// AEADAlgorithm names an authenticated cipher with fixed key, nonce and tag sizes
type AEADAlgorithm uint8

const (
	// AES256GCM128 is AES-256 in Galois/Counter Mode with a 128-bit tag
	AES256GCM128 AEADAlgorithm = iota + 1
	// ChaCha20Poly1305 is the IETF ChaCha20-Poly1305 construction
	ChaCha20Poly1305
	// XChaCha20Poly1305 is ChaCha20-Poly1305 with extended 24-byte nonces
	XChaCha20Poly1305
)

// String returns the string representation of the algorithm
func (a AEADAlgorithm) String() string {
	switch a {
	case AES256GCM128:
		return "aes-256-gcm"
	case ChaCha20Poly1305:
		return "chacha20-poly1305"
	case XChaCha20Poly1305:
		return "xchacha20-poly1305"
	default:
		return "unknown"
	}
}

// KeySize returns the key size in bytes
func (a AEADAlgorithm) KeySize() int {
	switch a {
	case AES256GCM128:
		return 32
	case ChaCha20Poly1305, XChaCha20Poly1305:
		return chacha20poly1305.KeySize
	default:
		return 0
	}
}

// NonceSize returns the nonce size in bytes
func (a AEADAlgorithm) NonceSize() int {
	switch a {
	case AES256GCM128:
		return 12 // GCM standard nonce size
	case ChaCha20Poly1305:
		return chacha20poly1305.NonceSize
	case XChaCha20Poly1305:
		return chacha20poly1305.NonceSizeX
	default:
		return 0
	}
}

// TagSize returns the authentication tag size in bytes
func (a AEADAlgorithm) TagSize() int {
	switch a {
	case AES256GCM128:
		return 16
	case ChaCha20Poly1305, XChaCha20Poly1305:
		return chacha20poly1305.Overhead
	default:
		return 0
	}
}

// NewAEAD builds a cipher.AEAD for the algorithm
func (a AEADAlgorithm) NewAEAD(key []byte) (cipher.AEAD, error) {
	if a.KeySize() == 0 {
		return nil, &PrimitiveError{Op: "aead-init", Code: int(a), Err: ErrUnsupportedSuite}
	}
	if err := ValidateKey(key, a.KeySize()); err != nil {
		return nil, err
	}

	switch a {
	case AES256GCM128:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, &PrimitiveError{Op: "aead-init", Err: fmt.Errorf("failed to create AES cipher: %w", err)}
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, &PrimitiveError{Op: "aead-init", Err: fmt.Errorf("failed to create GCM: %w", err)}
		}
		return aead, nil
	case ChaCha20Poly1305:
		aead, err := chacha20poly1305.New(key)
		if err != nil {
			return nil, &PrimitiveError{Op: "aead-init", Err: fmt.Errorf("failed to create ChaCha20-Poly1305 cipher: %w", err)}
		}
		return aead, nil
	default:
		aead, err := chacha20poly1305.NewX(key)
		if err != nil {
			return nil, &PrimitiveError{Op: "aead-init", Err: fmt.Errorf("failed to create XChaCha20-Poly1305 cipher: %w", err)}
		}
		return aead, nil
	}
}

// AEADEncrypt encrypts plaintext and returns the ciphertext (same length as
// plaintext) and the detached tag.
func AEADEncrypt(alg AEADAlgorithm, key, nonce, plaintext, ad []byte) (ciphertext, tag []byte, err error) {
	aead, err := alg.NewAEAD(key)
	if err != nil {
		return nil, nil, err
	}
	return sealDetached(aead, nonce, plaintext, ad)
}

// AEADDecrypt verifies tag and decrypts ciphertext. ok is false when the tag
// does not verify; err is reserved for malformed arguments.
func AEADDecrypt(alg AEADAlgorithm, key, nonce, ciphertext, ad, tag []byte) (plaintext []byte, ok bool, err error) {
	aead, err := alg.NewAEAD(key)
	if err != nil {
		return nil, false, err
	}
	return openDetached(aead, nonce, ciphertext, ad, tag)
}

func sealDetached(aead cipher.AEAD, nonce, plaintext, ad []byte) ([]byte, []byte, error) {
	if len(nonce) != aead.NonceSize() {
		return nil, nil, &PrimitiveError{Op: "aead-encrypt", Code: len(nonce),
			Err: fmt.Errorf("nonce must be %d bytes", aead.NonceSize())}
	}

	sealed := aead.Seal(nil, nonce, plaintext, ad)
	split := len(sealed) - aead.Overhead()
	return sealed[:split:split], sealed[split:], nil
}

func openDetached(aead cipher.AEAD, nonce, ciphertext, ad, tag []byte) ([]byte, bool, error) {
	if len(nonce) != aead.NonceSize() {
		return nil, false, &PrimitiveError{Op: "aead-decrypt", Code: len(nonce),
			Err: fmt.Errorf("nonce must be %d bytes", aead.NonceSize())}
	}
	if len(tag) != aead.Overhead() {
		return nil, false, &PrimitiveError{Op: "aead-decrypt", Code: len(tag),
			Err: fmt.Errorf("tag must be %d bytes", aead.Overhead())}
	}

	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := aead.Open(sealed[:0], nonce, sealed, ad)
	if err != nil {
		return nil, false, nil
	}
	return plaintext, true, nil
}
