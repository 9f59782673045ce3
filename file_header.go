package vfscrypt

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// FileHeader is the per-file encryption metadata: the suite and the module
// data holding the wrapped file key.
//
//	suite id (uint16 BE) || module data (suite fixed size)
type FileHeader struct {
	Suite      EncryptionSuite
	ModuleData []byte
}

// FileHeaderSize returns the encoded size of a FileHeader for suite
func FileHeaderSize(suite EncryptionSuite) (int, error) {
	params, err := LookupSuite(suite)
	if err != nil {
		return 0, err
	}
	return SuiteIDSize + params.ModuleFileHeaderSize(), nil
}

// NewFileHeader serializes the current key of m into a new header
func NewFileHeader(m Module) (*FileHeader, error) {
	data, err := m.ModuleFileHeader()
	if err != nil {
		return nil, fmt.Errorf("failed to build module header: %w", err)
	}
	return &FileHeader{Suite: m.EncryptionSuite(), ModuleData: data}, nil
}

// MarshalBinary encodes the header
func (h *FileHeader) MarshalBinary() ([]byte, error) {
	size, err := FileHeaderSize(h.Suite)
	if err != nil {
		return nil, err
	}
	if len(h.ModuleData) != size-SuiteIDSize {
		return nil, fmt.Errorf("%w: module data is %d bytes, %s expects %d",
			ErrHeaderFormat, len(h.ModuleData), h.Suite, size-SuiteIDSize)
	}

	buf := make([]byte, SuiteIDSize, size)
	binary.BigEndian.PutUint16(buf, uint16(h.Suite))
	return append(buf, h.ModuleData...), nil
}

// UnmarshalBinary decodes and validates a header. data must be exactly the
// size fixed by the suite it names.
func (h *FileHeader) UnmarshalBinary(data []byte) error {
	if len(data) < SuiteIDSize {
		return fmt.Errorf("%w: %d bytes", ErrHeaderFormat, len(data))
	}
	suite := EncryptionSuite(binary.BigEndian.Uint16(data))
	size, err := FileHeaderSize(suite)
	if err != nil {
		return fmt.Errorf("suite %d: %w", uint16(suite), err)
	}
	if len(data) != size {
		return fmt.Errorf("%w: %d bytes, %s expects %d", ErrHeaderFormat, len(data), suite, size)
	}

	h.Suite = suite
	h.ModuleData = append([]byte(nil), data[SuiteIDSize:]...)
	return nil
}

// OpenModule parses a header, builds the matching module and loads the file
// key from it using secret.
func OpenModule(header, secret []byte, rng *RNG) (Module, error) {
	var fh FileHeader
	if err := fh.UnmarshalBinary(header); err != nil {
		return nil, err
	}
	m, err := NewModule(fh.Suite, rng)
	if err != nil {
		return nil, err
	}
	if err := m.SetSecretMaterial(secret); err != nil {
		m.Close()
		return nil, err
	}
	if err := m.SetModuleFileHeader(fh.ModuleData); err != nil {
		m.Close()
		return nil, err
	}
	return m, nil
}

const (
	// MagicBytes identifies encrypted container files (ASCII: "VFSC")
	MagicBytes = uint32(0x56465343)

	// CurrentVersion is the current container format version
	CurrentVersion = uint8(1)

	// containerPrefixSize is magic + version + chunk size + suite id
	containerPrefixSize = 4 + 1 + 4 + SuiteIDSize
)

// ContainerHeader is written at the start of every file managed by the
// storage layer:
//
//	magic (4) || version (1) || chunk size (uint32 BE) || FileHeader || signature
//
// The signature is Module.Sign over everything before it, binding the chunk
// size to the file key.
type ContainerHeader struct {
	Version   uint8
	ChunkSize uint32
	File      FileHeader
	Signature []byte
}

// ContainerHeaderSize returns the encoded size of a container header for suite
func ContainerHeaderSize(suite EncryptionSuite) (int, error) {
	params, err := LookupSuite(suite)
	if err != nil {
		return 0, err
	}
	return containerPrefixSize + params.ModuleFileHeaderSize() + params.SignatureSize(), nil
}

// newContainerHeader builds and signs a header for m
func newContainerHeader(m Module, chunkSize int) (*ContainerHeader, error) {
	fh, err := NewFileHeader(m)
	if err != nil {
		return nil, err
	}
	h := &ContainerHeader{
		Version:   CurrentVersion,
		ChunkSize: uint32(chunkSize),
		File:      *fh,
	}
	signed, err := h.signedBytes()
	if err != nil {
		return nil, err
	}
	h.Signature, err = m.Sign(signed)
	if err != nil {
		return nil, err
	}
	return h, nil
}

func (h *ContainerHeader) signedBytes() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.BigEndian, MagicBytes); err != nil {
		return nil, fmt.Errorf("failed to write magic bytes: %w", err)
	}
	if err := binary.Write(buf, binary.BigEndian, h.Version); err != nil {
		return nil, fmt.Errorf("failed to write version: %w", err)
	}
	if err := binary.Write(buf, binary.BigEndian, h.ChunkSize); err != nil {
		return nil, fmt.Errorf("failed to write chunk size: %w", err)
	}
	fh, err := h.File.MarshalBinary()
	if err != nil {
		return nil, err
	}
	buf.Write(fh)
	return buf.Bytes(), nil
}

// Verify checks the chunk size and the signature against m
func (h *ContainerHeader) Verify(m Module) error {
	if err := ValidateChunkSize(int(h.ChunkSize)); err != nil {
		return fmt.Errorf("%w: %w", ErrHeaderFormat, err)
	}
	signed, err := h.signedBytes()
	if err != nil {
		return err
	}
	return m.CheckIntegrity(signed, h.Signature)
}

// WriteTo writes the header to the given writer
func (h *ContainerHeader) WriteTo(w io.Writer) (int64, error) {
	signed, err := h.signedBytes()
	if err != nil {
		return 0, err
	}
	n, err := w.Write(append(signed, h.Signature...))
	return int64(n), err
}

// ReadFrom reads the header from the given reader
func (h *ContainerHeader) ReadFrom(r io.Reader) (int64, error) {
	prefix := make([]byte, containerPrefixSize)
	n, err := io.ReadFull(r, prefix)
	totalRead := int64(n)
	if err != nil {
		return totalRead, fmt.Errorf("%w: failed to read container prefix: %w", ErrHeaderFormat, err)
	}

	if binary.BigEndian.Uint32(prefix) != MagicBytes {
		return totalRead, fmt.Errorf("%w: bad magic", ErrHeaderFormat)
	}
	h.Version = prefix[4]
	if h.Version == 0 || h.Version > CurrentVersion {
		return totalRead, fmt.Errorf("%w: unsupported version %d", ErrHeaderFormat, h.Version)
	}
	h.ChunkSize = binary.BigEndian.Uint32(prefix[5:9])

	suite := EncryptionSuite(binary.BigEndian.Uint16(prefix[9:]))
	params, err := LookupSuite(suite)
	if err != nil {
		return totalRead, fmt.Errorf("suite %d: %w", uint16(suite), err)
	}

	rest := make([]byte, params.ModuleFileHeaderSize()+params.SignatureSize())
	n, err = io.ReadFull(r, rest)
	totalRead += int64(n)
	if err != nil {
		return totalRead, fmt.Errorf("%w: failed to read module header: %w", ErrHeaderFormat, err)
	}

	h.File = FileHeader{
		Suite:      suite,
		ModuleData: rest[:params.ModuleFileHeaderSize()],
	}
	h.Signature = rest[params.ModuleFileHeaderSize():]
	return totalRead, nil
}
