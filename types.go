package vfscrypt

import (
	"errors"
	"runtime"

	"github.com/rs/zerolog"
)

const (
	// DefaultCacheSize is the number of decrypted chunks kept per open file
	DefaultCacheSize = 16
)

// Config contains configuration for the encrypted store
type Config struct {
	// Suite used for new files; existing files keep the suite in their header
	Suite EncryptionSuite

	// KeyProvider supplies the master secret
	KeyProvider KeyProvider

	// ChunkSize is the plaintext size of every chunk except the last one
	ChunkSize int

	// CacheSize is the number of decrypted chunks cached per open file
	CacheSize int

	// Parallel controls bulk chunk processing
	Parallel ParallelConfig

	// RNG is the random source shared by every module; NewRNG() if nil
	RNG *RNG

	// Logger receives structured events; disabled if nil
	Logger *zerolog.Logger
}

// DefaultConfig returns a config with every field but the key provider set
func DefaultConfig(provider KeyProvider) *Config {
	return &Config{
		Suite:       DefaultSuite,
		KeyProvider: provider,
		ChunkSize:   DefaultChunkSize,
		CacheSize:   DefaultCacheSize,
		Parallel:    DefaultParallelConfig(),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c == nil {
		return ErrNilConfig
	}
	if c.KeyProvider == nil {
		return ErrNilKeyProvider
	}
	if c.Suite != SuiteUndefined {
		if _, err := LookupSuite(c.Suite); err != nil {
			return errors.Join(NewValidationError("suite", uint16(c.Suite), "unsupported cipher suite"), err)
		}
	}
	if c.ChunkSize != 0 {
		if err := ValidateChunkSize(c.ChunkSize); err != nil {
			return err
		}
	}
	if c.CacheSize < 0 {
		return NewValidationError("cache_size", c.CacheSize, "cache size cannot be negative")
	}
	return c.Parallel.Validate()
}

// withDefaults returns a copy with zero fields replaced by defaults
func (c *Config) withDefaults() *Config {
	out := *c
	if out.Suite == SuiteUndefined {
		out.Suite = DefaultSuite
	}
	if out.ChunkSize == 0 {
		out.ChunkSize = DefaultChunkSize
	}
	if out.CacheSize == 0 {
		out.CacheSize = DefaultCacheSize
	}
	if out.Parallel.MaxWorkers == 0 {
		out.Parallel.MaxWorkers = runtime.NumCPU()
	}
	if out.Parallel.MinChunksForParallel == 0 {
		out.Parallel.MinChunksForParallel = 4
	}
	if out.RNG == nil {
		out.RNG = NewRNG()
	}
	if out.Logger == nil {
		nop := zerolog.Nop()
		out.Logger = &nop
	}
	return &out
}
