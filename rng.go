package vfscrypt

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
)

// MaxRandomRequest is the largest number of bytes a single Randomize call may
// return. It matches the per-request limit of a CTR-DRBG.
const MaxRandomRequest = 1024

// RNG is a cryptographically secure random source. Create one per process (or
// per subsystem) and pass it to every module that needs randomness; there is
// no package-level generator. An RNG is safe for concurrent use.
type RNG struct {
	mu     sync.Mutex
	reader io.Reader
}

// NewRNG returns an RNG backed by the operating system's CSPRNG.
func NewRNG() *RNG {
	return &RNG{reader: rand.Reader}
}

// NewRNGFromReader returns an RNG drawing from r. It exists for tests and for
// callers plugging in a hardware or DRBG source; r must be cryptographically
// secure for production use.
func NewRNGFromReader(r io.Reader) *RNG {
	return &RNG{reader: r}
}

// Fill overwrites buf with random bytes.
func (g *RNG) Fill(buf []byte) error {
	if len(buf) > MaxRandomRequest {
		return &PrimitiveError{Op: "randomize", Code: len(buf), Err: fmt.Errorf("%w: %w", ErrRNGFailure, ErrRequestTooLarge)}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, err := io.ReadFull(g.reader, buf); err != nil {
		return &PrimitiveError{Op: "randomize", Err: fmt.Errorf("%w: %w", ErrRNGFailure, err)}
	}
	return nil
}

// Randomize returns n fresh random bytes.
func (g *RNG) Randomize(n int) ([]byte, error) {
	if n < 0 {
		return nil, NewValidationError("size", n, "random request size cannot be negative")
	}
	buf := make([]byte, n)
	if err := g.Fill(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Uint32 returns a random big-endian uint32.
func (g *RNG) Uint32() (uint32, error) {
	var buf [4]byte
	if err := g.Fill(buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

// Read implements io.Reader so the RNG can feed libraries such as uuid.
// Requests over MaxRandomRequest are served in several draws.
func (g *RNG) Read(p []byte) (int, error) {
	n := 0
	for n < len(p) {
		end := n + MaxRandomRequest
		if end > len(p) {
			end = len(p)
		}
		if err := g.Fill(p[n:end]); err != nil {
			return n, err
		}
		n = end
	}
	return n, nil
}
