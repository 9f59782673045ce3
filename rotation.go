package vfscrypt

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// KeyRotationOptions contains options for re-encrypting files
type KeyRotationOptions struct {
	// NewKeyProvider supplies the master secret for the rewritten file.
	// The current provider is kept if nil.
	NewKeyProvider KeyProvider

	// NewSuite replaces the suite if not SuiteUndefined
	NewSuite EncryptionSuite

	// NewChunkSize replaces the chunk size if not zero
	NewChunkSize int

	// DryRun opens and authenticates the file without rewriting it
	DryRun bool
}

// rekeySuffix names the temporary file written next to the original
const rekeySuffix = ".vfscrypt-rekey"

// ReEncrypt rewrites name under a fresh file key, optionally with a new
// master secret, suite or chunk size. The new content is written to a
// temporary file that replaces the original only once complete.
func (v *VFS) ReEncrypt(name string, opts KeyRotationOptions) error {
	src, err := v.OpenEncrypted(name, os.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer src.Close()

	target, err := v.rotated(src, opts)
	if err != nil {
		return err
	}

	log := v.log.With().Str("path", name).Logger()
	if opts.DryRun {
		if _, err := src.Verify(); err != nil {
			return err
		}
		log.Info().
			Int64("size", src.Size()).
			Stringer("from", src.Suite()).
			Stringer("to", target.cfg.Suite).
			Msg("dry run: would re-encrypt")
		return nil
	}

	tmp := name + rekeySuffix
	dst, err := target.OpenEncrypted(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create new file: %w", err)
	}

	copied, err := copyBulk(dst, src, target.cfg.ChunkSize*target.cfg.Parallel.MinChunksForParallel*4)
	if err == nil {
		err = dst.Sync()
	}
	if closeErr := dst.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		v.base.Remove(tmp)
		return fmt.Errorf("failed to write re-encrypted content: %w", err)
	}

	src.Close()
	if err := v.replace(tmp, name); err != nil {
		v.base.Remove(tmp)
		return fmt.Errorf("failed to replace file: %w", err)
	}

	log.Info().
		Int64("size", copied).
		Stringer("suite", target.cfg.Suite).
		Int("chunk_size", target.cfg.ChunkSize).
		Msg("re-encrypted file")
	return nil
}

// replace renames tmp over name, removing name first on base filesystems
// that refuse to rename onto an existing file
func (v *VFS) replace(tmp, name string) error {
	if err := v.base.Rename(tmp, name); err == nil {
		return nil
	}
	if err := v.base.Remove(name); err != nil {
		return err
	}
	return v.base.Rename(tmp, name)
}

// rotated returns a VFS over the same base configured for the new key.
// Suite and chunk size default to those of src.
func (v *VFS) rotated(src *EncryptedFile, opts KeyRotationOptions) (*VFS, error) {
	cfg := *v.cfg
	cfg.Suite = src.Suite()
	cfg.ChunkSize = src.ChunkSize()
	if opts.NewKeyProvider != nil {
		cfg.KeyProvider = opts.NewKeyProvider
	}
	if opts.NewSuite != SuiteUndefined {
		cfg.Suite = opts.NewSuite
	}
	if opts.NewChunkSize != 0 {
		cfg.ChunkSize = opts.NewChunkSize
	}
	return New(v.base, &cfg)
}

// copyBulk streams src into dst in buffers of bufSize, a multiple of the
// destination chunk size so whole chunks are encrypted in parallel
func copyBulk(dst, src *EncryptedFile, bufSize int) (int64, error) {
	buf := make([]byte, bufSize)
	var total int64
	for {
		n, err := src.ReadBulk(buf)
		if n > 0 {
			if _, werr := dst.WriteBulk(buf[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
		}
		if errors.Is(err, io.EOF) {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}

// RotateAll re-encrypts every named file, continuing past failures
func (v *VFS) RotateAll(names []string, opts KeyRotationOptions) error {
	var errs []error
	rotated := 0
	for _, name := range names {
		if err := v.ReEncrypt(name, opts); err != nil {
			errs = append(errs, fmt.Errorf("failed to re-encrypt %s: %w", name, err))
			continue
		}
		rotated++
	}

	if len(errs) > 0 {
		return fmt.Errorf("key rotation completed with %d errors (rotated %d files): %w",
			len(errs), rotated, errors.Join(errs...))
	}
	v.log.Info().Int("files", rotated).Msg("rotated keys")
	return nil
}

// VerifyEncryption checks that the header and every chunk of name
// authenticate. A *CorruptionError names the first failing chunk.
func (v *VFS) VerifyEncryption(name string) error {
	f, err := v.OpenEncrypted(name, os.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("failed to open: %w", err)
	}
	defer f.Close()

	chunks, err := f.Verify()
	if err != nil {
		return err
	}
	v.log.Debug().Str("path", name).Int64("chunks", chunks).Msg("verified file")
	return nil
}

// VerifyAll verifies every named file and returns the ones that failed
func (v *VFS) VerifyAll(names []string) ([]string, error) {
	var failed []string
	for _, name := range names {
		if err := v.VerifyEncryption(name); err != nil {
			v.log.Warn().Err(err).Str("path", name).Msg("verification failed")
			failed = append(failed, name)
		}
	}

	if len(failed) > 0 {
		return failed, fmt.Errorf("%d files failed verification", len(failed))
	}
	v.log.Info().Int("files", len(names)).Msg("verified files")
	return nil, nil
}
