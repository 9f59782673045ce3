package vfscrypt

import (
	"bytes"
	"errors"
	"testing"
)

func TestChunkHeader_WriteRead(t *testing.T) {
	params, _ := LookupSuite(SuiteXChaCha20Poly1305SHA512)
	header := ChunkHeader{
		Index: 0xdeadbeef,
		Nonce: bytes.Repeat([]byte{0xaa}, params.NonceSize()),
		Tag:   bytes.Repeat([]byte{0xbb}, params.TagSize()),
	}

	buf := new(bytes.Buffer)
	written, err := header.WriteTo(buf)
	if err != nil {
		t.Fatalf("WriteTo failed: %v", err)
	}
	if written != int64(params.ChunkHeaderSize()) {
		t.Errorf("Written size mismatch: got %d, want %d", written, params.ChunkHeaderSize())
	}

	var got ChunkHeader
	read, err := got.ReadChunkHeader(buf, params)
	if err != nil {
		t.Fatalf("ReadChunkHeader failed: %v", err)
	}
	if read != written {
		t.Errorf("Read size mismatch: got %d, want %d", read, written)
	}
	if got.Index != header.Index {
		t.Errorf("Index mismatch: got %#x, want %#x", got.Index, header.Index)
	}
	if !bytes.Equal(got.Nonce, header.Nonce) || !bytes.Equal(got.Tag, header.Tag) {
		t.Error("Nonce or tag mismatch")
	}
}

func TestChunkHeader_Layout(t *testing.T) {
	m := newTestModule(t, SuiteAES256GCM128SHA256)
	params, _ := LookupSuite(SuiteAES256GCM128SHA256)

	raw, err := m.EncryptChunk(258, []byte("payload"))
	if err != nil {
		t.Fatalf("EncryptChunk failed: %v", err)
	}

	// index (BE) || nonce (12) || tag (16) || ciphertext
	if !bytes.Equal(raw[:4], []byte{0, 0, 1, 2}) {
		t.Errorf("index bytes = %x, want 00000102", raw[:4])
	}
	var h ChunkHeader
	if err := h.decode(raw, params); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(h.Nonce) != 12 || len(h.Tag) != 16 {
		t.Errorf("nonce/tag sizes = %d/%d, want 12/16", len(h.Nonce), len(h.Tag))
	}
	if len(raw) != CalculateRawChunkSize(len("payload"), params) {
		t.Errorf("raw size = %d, want %d", len(raw), CalculateRawChunkSize(len("payload"), params))
	}
}

func TestChunkHeader_ShortInput(t *testing.T) {
	params, _ := LookupSuite(SuiteAES256GCM128SHA256)

	var h ChunkHeader
	if err := h.decode(make([]byte, params.ChunkHeaderSize()-1), params); !errors.Is(err, ErrMalformedChunk) {
		t.Errorf("expected ErrMalformedChunk, got %v", err)
	}
	if _, err := h.ReadChunkHeader(bytes.NewReader(make([]byte, 10)), params); err == nil {
		t.Error("ReadChunkHeader of a short stream succeeded")
	}
	if _, err := ChunkIndexOf([]byte{1, 2}); !errors.Is(err, ErrMalformedChunk) {
		t.Errorf("ChunkIndexOf: expected ErrMalformedChunk, got %v", err)
	}
}

func TestCalculateChunkCount(t *testing.T) {
	tests := []struct {
		size      int64
		chunkSize int
		want      int64
	}{
		{0, 1024, 0},
		{-5, 1024, 0},
		{1, 1024, 1},
		{1024, 1024, 1},
		{1025, 1024, 2},
		{10 * 1024, 1024, 10},
	}

	for _, tt := range tests {
		if got := CalculateChunkCount(tt.size, tt.chunkSize); got != tt.want {
			t.Errorf("CalculateChunkCount(%d, %d) = %d, want %d", tt.size, tt.chunkSize, got, tt.want)
		}
	}
}

func TestPlaintextSizeOf(t *testing.T) {
	const (
		offset    = 100
		chunkSize = 64
		header    = 32
		stride    = chunkSize + header
	)

	tests := []struct {
		name     string
		diskSize int64
		want     int64
		wantErr  bool
	}{
		{"header only", offset, 0, false},
		{"one full chunk", offset + stride, 64, false},
		{"partial chunk", offset + stride + header + 10, 74, false},
		{"empty last chunk", offset + header, 0, false},
		{"truncated chunk header", offset + stride + 5, 0, true},
		{"shorter than header", offset - 1, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := plaintextSizeOf(tt.diskSize, offset, chunkSize, header)
			if (err != nil) != tt.wantErr {
				t.Fatalf("plaintextSizeOf error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("plaintextSizeOf = %d, want %d", got, tt.want)
			}
		})
	}
}
