package vfscrypt

import (
	"crypto/cipher"
	"crypto/hmac"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

const (
	keyWrapInfo   = "vfscrypt key wrap"
	integrityInfo = "vfscrypt header integrity"
)

// aeadModule implements Module for every AEAD suite in the registry.
//
// Module file header:
//
//	salt (16) || file id (16) || wrap nonce || wrapped file key (32) || wrap tag (16)
//
// The file key is wrapped under HKDF(salt, secret, "vfscrypt key wrap") with
// suite id, salt and file id as associated data.
type aeadModule struct {
	params SuiteParams
	rng    *RNG

	secret  []byte
	fileKey []byte
	fileID  uuid.UUID
	signKey []byte
	aead    cipher.AEAD
	closed  bool
}

func newAEADModule(params SuiteParams, rng *RNG) *aeadModule {
	return &aeadModule{params: params, rng: rng}
}

func (m *aeadModule) ChunkHeaderSize() int             { return m.params.ChunkHeaderSize() }
func (m *aeadModule) ModuleFileHeaderSize() int        { return m.params.ModuleFileHeaderSize() }
func (m *aeadModule) EncryptionSuite() EncryptionSuite { return m.params.Suite }
func (m *aeadModule) SecretMaterialSize() int          { return m.params.KeySize() }
func (m *aeadModule) SignatureSize() int               { return m.params.SignatureSize() }
func (m *aeadModule) FileID() uuid.UUID                { return m.fileID }

func (m *aeadModule) SetSecretMaterial(secret []byte) error {
	if m.closed {
		return ErrModuleClosed
	}
	if err := ValidateSecret(secret); err != nil {
		return err
	}
	wipe(m.secret)
	m.secret = append([]byte(nil), secret...)
	return nil
}

func (m *aeadModule) SetModuleFileHeader(header []byte) error {
	if m.closed {
		return ErrModuleClosed
	}
	if len(header) != m.params.ModuleFileHeaderSize() {
		return fmt.Errorf("%w: module header is %d bytes, %s expects %d",
			ErrHeaderFormat, len(header), m.params.Suite, m.params.ModuleFileHeaderSize())
	}
	if m.secret == nil {
		return ErrNoSecret
	}

	salt, fileIDBytes, wrapNonce, wrappedKey, wrapTag := m.splitHeader(header)
	fileID, err := uuid.FromBytes(fileIDBytes)
	if err != nil || fileID == uuid.Nil {
		return fmt.Errorf("%w: invalid file id", ErrHeaderFormat)
	}

	kek, err := HKDF(m.params.Hash, salt, m.secret, keyWrapInfo, m.params.KeySize())
	if err != nil {
		return err
	}
	defer wipe(kek)

	fileKey, ok, err := AEADDecrypt(m.params.AEAD, kek, wrapNonce, wrappedKey, m.wrapAD(salt, fileID), wrapTag)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrKeyUnwrap, err)
	}
	if !ok {
		return ErrKeyUnwrap
	}

	return m.loadKey(fileKey, fileID)
}

func (m *aeadModule) ModuleFileHeader() ([]byte, error) {
	if m.closed {
		return nil, ErrModuleClosed
	}
	if m.secret == nil {
		return nil, ErrNoSecret
	}
	if err := m.ensureKey(); err != nil {
		return nil, err
	}

	header := make([]byte, 0, m.params.ModuleFileHeaderSize())
	salt, err := m.rng.Randomize(SaltSize)
	if err != nil {
		return nil, err
	}
	wrapNonce, err := m.rng.Randomize(m.params.NonceSize())
	if err != nil {
		return nil, err
	}

	kek, err := HKDF(m.params.Hash, salt, m.secret, keyWrapInfo, m.params.KeySize())
	if err != nil {
		return nil, err
	}
	defer wipe(kek)

	wrappedKey, wrapTag, err := AEADEncrypt(m.params.AEAD, kek, wrapNonce, m.fileKey, m.wrapAD(salt, m.fileID))
	if err != nil {
		return nil, err
	}

	header = append(header, salt...)
	header = append(header, m.fileID[:]...)
	header = append(header, wrapNonce...)
	header = append(header, wrappedKey...)
	header = append(header, wrapTag...)
	return header, nil
}

func (m *aeadModule) EncryptChunk(chunkIndex uint32, plaintext []byte) ([]byte, error) {
	if m.closed {
		return nil, ErrModuleClosed
	}
	if len(plaintext) > MaxChunkSize {
		return nil, NewValidationError("plaintext", len(plaintext), "chunk larger than maximum chunk size")
	}
	if err := m.ensureKey(); err != nil {
		return nil, err
	}

	headerSize := m.params.ChunkHeaderSize()
	raw := make([]byte, headerSize+len(plaintext))
	binary.BigEndian.PutUint32(raw, chunkIndex)

	nonce := raw[ChunkIndexSize : ChunkIndexSize+m.params.NonceSize()]
	if err := m.rng.Fill(nonce); err != nil {
		return nil, newChunkError("encrypt", chunkIndex, err)
	}

	ciphertext, tag, err := sealDetached(m.aead, nonce, plaintext, m.chunkAD(chunkIndex))
	if err != nil {
		return nil, newChunkError("encrypt", chunkIndex, err)
	}
	copy(raw[ChunkIndexSize+len(nonce):headerSize], tag)
	copy(raw[headerSize:], ciphertext)
	return raw, nil
}

func (m *aeadModule) ReEncryptChunk(rawChunk, plaintext []byte) ([]byte, error) {
	if len(rawChunk) < m.params.ChunkHeaderSize() {
		return nil, fmt.Errorf("%w: %d bytes, header needs %d", ErrMalformedChunk, len(rawChunk), m.params.ChunkHeaderSize())
	}
	index, err := ChunkIndexOf(rawChunk)
	if err != nil {
		return nil, err
	}
	return m.EncryptChunk(index, plaintext)
}

func (m *aeadModule) DecryptChunk(rawChunk []byte) ([]byte, error) {
	if m.closed {
		return nil, ErrModuleClosed
	}
	if m.aead == nil {
		return nil, ErrNoFileKey
	}

	var header ChunkHeader
	if err := header.decode(rawChunk, m.params); err != nil {
		return nil, err
	}
	ciphertext := rawChunk[m.params.ChunkHeaderSize():]

	plaintext, ok, err := openDetached(m.aead, header.Nonce, ciphertext, m.chunkAD(header.Index), header.Tag)
	if err != nil {
		return nil, newChunkError("decrypt", header.Index, err)
	}
	if !ok {
		return nil, newChunkError("decrypt", header.Index, ErrAuthFailed)
	}
	return plaintext, nil
}

func (m *aeadModule) DecryptChunkAt(chunkIndex uint32, rawChunk []byte) ([]byte, error) {
	if len(rawChunk) < m.params.ChunkHeaderSize() {
		return nil, fmt.Errorf("%w: %d bytes, header needs %d", ErrMalformedChunk, len(rawChunk), m.params.ChunkHeaderSize())
	}
	embedded, err := ChunkIndexOf(rawChunk)
	if err != nil {
		return nil, err
	}
	if embedded != chunkIndex {
		return nil, &EncryptionError{
			Operation: "decrypt",
			ChunkIdx:  chunkIndex,
			HasChunk:  true,
			Message:   fmt.Sprintf("chunk was written at index %d", embedded),
			Err:       ErrAuthFailed,
		}
	}
	return m.DecryptChunk(rawChunk)
}

func (m *aeadModule) Sign(data []byte) ([]byte, error) {
	if m.closed {
		return nil, ErrModuleClosed
	}
	if err := m.ensureKey(); err != nil {
		return nil, err
	}
	return HMAC(m.params.Hash, m.signKey, data), nil
}

func (m *aeadModule) CheckIntegrity(data, tag []byte) error {
	if m.closed {
		return ErrModuleClosed
	}
	if m.signKey == nil {
		return ErrNoFileKey
	}
	if !hmac.Equal(HMAC(m.params.Hash, m.signKey, data), tag) {
		return fmt.Errorf("header integrity: %w", ErrAuthFailed)
	}
	return nil
}

func (m *aeadModule) Clone() (Module, error) {
	if m.closed {
		return nil, ErrModuleClosed
	}
	// Clones must share the file key, so it is created here if needed.
	if err := m.ensureKey(); err != nil {
		return nil, err
	}
	c := newAEADModule(m.params, m.rng)
	if m.secret != nil {
		c.secret = append([]byte(nil), m.secret...)
	}
	if err := c.loadKey(append([]byte(nil), m.fileKey...), m.fileID); err != nil {
		return nil, err
	}
	return c, nil
}

func (m *aeadModule) Close() error {
	wipe(m.secret)
	wipe(m.fileKey)
	wipe(m.signKey)
	m.secret, m.fileKey, m.signKey = nil, nil, nil
	m.aead = nil
	m.closed = true
	return nil
}

// ensureKey generates a file key and id if none was loaded
func (m *aeadModule) ensureKey() error {
	if m.fileKey != nil {
		return nil
	}
	key, err := m.rng.Randomize(m.params.KeySize())
	if err != nil {
		return err
	}
	fileID, err := uuid.NewRandomFromReader(m.rng)
	if err != nil {
		return &PrimitiveError{Op: "file-id", Err: err}
	}
	return m.loadKey(key, fileID)
}

// loadKey takes ownership of key and derives the chunk cipher and signing key
func (m *aeadModule) loadKey(key []byte, fileID uuid.UUID) error {
	aead, err := m.params.AEAD.NewAEAD(key)
	if err != nil {
		wipe(key)
		return err
	}
	signKey, err := HKDF(m.params.Hash, fileID[:], key, integrityInfo, m.params.Hash.Size())
	if err != nil {
		wipe(key)
		return err
	}

	wipe(m.fileKey)
	wipe(m.signKey)
	m.fileKey = key
	m.fileID = fileID
	m.signKey = signKey
	m.aead = aead
	return nil
}

func (m *aeadModule) splitHeader(h []byte) (salt, fileID, nonce, wrapped, tag []byte) {
	off := 0
	next := func(n int) []byte {
		b := h[off : off+n]
		off += n
		return b
	}
	salt = next(SaltSize)
	fileID = next(FileIDSize)
	nonce = next(m.params.NonceSize())
	wrapped = next(m.params.KeySize())
	tag = next(m.params.TagSize())
	return
}

func (m *aeadModule) wrapAD(salt []byte, fileID uuid.UUID) []byte {
	ad := make([]byte, SuiteIDSize, SuiteIDSize+SaltSize+FileIDSize)
	binary.BigEndian.PutUint16(ad, uint16(m.params.Suite))
	ad = append(ad, salt...)
	return append(ad, fileID[:]...)
}

// chunkAD binds a chunk to its suite, file and position
func (m *aeadModule) chunkAD(chunkIndex uint32) []byte {
	ad := make([]byte, SuiteIDSize+FileIDSize+ChunkIndexSize)
	binary.BigEndian.PutUint16(ad, uint16(m.params.Suite))
	copy(ad[SuiteIDSize:], m.fileID[:])
	binary.BigEndian.PutUint32(ad[SuiteIDSize+FileIDSize:], chunkIndex)
	return ad
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
