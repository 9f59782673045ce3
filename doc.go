// Package vfscrypt encrypts files at rest as a sequence of fixed-size,
// independently authenticated chunks, so that random-access reads and writes
// never re-encrypt the whole file.
//
// # Layers
//
// The codec layer never performs storage I/O:
//
//   - Primitives: RNG, HMAC, HKDF and detached-tag AEAD encryption.
//   - Suites: an EncryptionSuite picks the AEAD and hash. It is chosen when a
//     file is created and stored in the file header.
//   - Module: the chunk codec for one file. NewModule builds it for a suite.
//     It wraps a random per-file key under a secret supplied by the caller
//     and encrypts or decrypts single chunks.
//   - FileHeader: suite id followed by the module's header blob.
//
// The storage layer (VFS, EncryptedFile) wraps any absfs.FileSystem and does
// all reads and writes itself.
//
// # Supported Suites
//
//   - aes256gcm128-sha256: AES-256-GCM, HKDF/HMAC-SHA256
//   - chacha20poly1305-sha256: ChaCha20-Poly1305, HKDF/HMAC-SHA256
//   - xchacha20poly1305-sha512: XChaCha20-Poly1305 with 24-byte nonces,
//     HKDF/HMAC-SHA512
//
// # Chunk Format
//
//	index (uint32 BE) || nonce || tag (16) || ciphertext
//
// The associated data of every chunk is the suite id, the file id and the
// chunk index, so a chunk cannot be moved to another position or another
// file without failing authentication. Every rewrite draws a fresh nonce.
//
// # Basic Usage
//
//	base, _ := memfs.NewFS()
//
//	provider := vfscrypt.NewPasswordKeyProvider(
//	    []byte("my-secure-password"),
//	    []byte("per-deployment-salt"),
//	    vfscrypt.Argon2idParams{},
//	)
//
//	fs, err := vfscrypt.New(base, vfscrypt.DefaultConfig(provider))
//	if err != nil {
//	    panic(err)
//	}
//
//	file, _ := fs.Create("/secret.txt")
//	file.WriteString("This will be encrypted on disk")
//	file.Close()
//
// Using the codec directly:
//
//	m, _ := vfscrypt.NewModule(vfscrypt.SuiteAES256GCM128SHA256, vfscrypt.NewRNG())
//	m.SetSecretMaterial(secret)
//	header, _ := m.ModuleFileHeader()
//	raw, _ := m.EncryptChunk(0, []byte("hello world"))
//
//	r, _ := vfscrypt.NewModule(vfscrypt.SuiteAES256GCM128SHA256, vfscrypt.NewRNG())
//	r.SetSecretMaterial(secret)
//	r.SetModuleFileHeader(header)
//	plain, _ := r.DecryptChunk(raw)
//
// # Security Considerations
//
// File size and access patterns are observable. File names are not
// encrypted. A Module is not safe for concurrent use; Clone it per goroutine.
package vfscrypt
