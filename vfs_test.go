package vfscrypt

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/absfs/absfs"
	"github.com/absfs/memfs"
)

// setupTestFS returns a filesystem rooted in a temporary directory
func setupTestFS(t *testing.T) *osTestFS {
	t.Helper()
	return &osTestFS{root: t.TempDir()}
}

// osTestFS is a minimal absfs.FileSystem over the os package. Tests use it
// to reach the raw container bytes and to exercise real truncation.
type osTestFS struct {
	root string
	cwd  string
}

// path returns the host path of name
func (fs *osTestFS) path(name string) string {
	return filepath.Join(fs.root, name)
}

func (fs *osTestFS) OpenFile(name string, flag int, perm os.FileMode) (absfs.File, error) {
	path := fs.path(name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, flag, perm)
}

func (fs *osTestFS) Open(name string) (absfs.File, error) {
	return fs.OpenFile(name, os.O_RDONLY, 0)
}

func (fs *osTestFS) Create(name string) (absfs.File, error) {
	return fs.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0666)
}

func (fs *osTestFS) Mkdir(name string, perm os.FileMode) error {
	return os.Mkdir(fs.path(name), perm)
}

func (fs *osTestFS) MkdirAll(name string, perm os.FileMode) error {
	return os.MkdirAll(fs.path(name), perm)
}

func (fs *osTestFS) Remove(name string) error {
	return os.Remove(fs.path(name))
}

func (fs *osTestFS) RemoveAll(path string) error {
	return os.RemoveAll(fs.path(path))
}

func (fs *osTestFS) Rename(oldpath, newpath string) error {
	return os.Rename(fs.path(oldpath), fs.path(newpath))
}

func (fs *osTestFS) Stat(name string) (os.FileInfo, error) {
	return os.Stat(fs.path(name))
}

func (fs *osTestFS) Chmod(name string, mode os.FileMode) error {
	return os.Chmod(fs.path(name), mode)
}

func (fs *osTestFS) Chtimes(name string, atime, mtime time.Time) error {
	return os.Chtimes(fs.path(name), atime, mtime)
}

func (fs *osTestFS) Chown(name string, uid, gid int) error {
	return os.Chown(fs.path(name), uid, gid)
}

func (fs *osTestFS) Truncate(name string, size int64) error {
	return os.Truncate(fs.path(name), size)
}

func (fs *osTestFS) Separator() uint8     { return os.PathSeparator }
func (fs *osTestFS) ListSeparator() uint8 { return os.PathListSeparator }
func (fs *osTestFS) TempDir() string      { return os.TempDir() }

func (fs *osTestFS) Chdir(dir string) error {
	fs.cwd = dir
	return nil
}

func (fs *osTestFS) Getwd() (string, error) {
	if fs.cwd == "" {
		return "/", nil
	}
	return fs.cwd, nil
}

// newTestVFS wraps base with a small chunk size so tests span many chunks
func newTestVFS(t *testing.T, base absfs.FileSystem, suite EncryptionSuite, provider KeyProvider) *VFS {
	t.Helper()
	v, err := New(base, &Config{
		Suite:       suite,
		KeyProvider: provider,
		ChunkSize:   MinChunkSize,
		Parallel:    ParallelConfig{Enabled: true, MaxWorkers: 4, MinChunksForParallel: 2},
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return v
}

func writeTestFile(t *testing.T, fs absfs.FileSystem, name string, data []byte) {
	t.Helper()
	f, err := fs.Create(name)
	if err != nil {
		t.Fatalf("Create(%q) failed: %v", name, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		t.Fatalf("Write(%q) failed: %v", name, err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close(%q) failed: %v", name, err)
	}
}

func readTestFile(t *testing.T, fs absfs.FileSystem, name string) []byte {
	t.Helper()
	f, err := fs.Open(name)
	if err != nil {
		t.Fatalf("Open(%q) failed: %v", name, err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		t.Fatalf("ReadAll(%q) failed: %v", name, err)
	}
	return data
}

// patternData returns n bytes that differ between neighbouring chunks
func patternData(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i*7 + i/MinChunkSize)
	}
	return data
}

func TestNew(t *testing.T) {
	if _, err := New(nil, DefaultConfig(testKeyProvider())); err == nil {
		t.Error("nil base accepted")
	}
	if _, err := New(setupTestFS(t), &Config{}); !errors.Is(err, ErrNilKeyProvider) {
		t.Errorf("expected ErrNilKeyProvider, got %v", err)
	}

	v, err := New(setupTestFS(t), DefaultConfig(testKeyProvider()))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if v.Base() == nil {
		t.Error("Base() returned nil")
	}
}

func TestVFS_MemFS(t *testing.T) {
	base, err := memfs.NewFS()
	if err != nil {
		t.Fatalf("memfs.NewFS failed: %v", err)
	}
	v := newTestVFS(t, base, SuiteChaCha20Poly1305SHA256, testKeyProvider())

	if err := v.MkdirAll("/docs/notes", 0755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}

	files := map[string][]byte{
		"/docs/empty.txt":       {},
		"/docs/hello.txt":       []byte("hello world"),
		"/docs/notes/chunk.bin": patternData(MinChunkSize),
		"/docs/notes/large.bin": patternData(10*MinChunkSize + 17),
	}
	for name, data := range files {
		writeTestFile(t, v, name, data)
	}
	for name, want := range files {
		if got := readTestFile(t, v, name); !bytes.Equal(got, want) {
			t.Errorf("%s: read %d bytes, want %d", name, len(got), len(want))
		}
	}

	// Stored bytes are not the plaintext
	raw := readTestFile(t, base, "/docs/hello.txt")
	if bytes.Contains(raw, []byte("hello world")) {
		t.Error("plaintext visible in base filesystem")
	}
}

func TestVFS_AllSuites(t *testing.T) {
	for _, suite := range Suites() {
		t.Run(suite.String(), func(t *testing.T) {
			base := setupTestFS(t)
			v := newTestVFS(t, base, suite, testKeyProvider())
			data := patternData(3*MinChunkSize + 5)

			writeTestFile(t, v, "/data.bin", data)
			if got := readTestFile(t, v, "/data.bin"); !bytes.Equal(got, data) {
				t.Error("content mismatch")
			}

			meta, err := v.Inspect("/data.bin")
			if err != nil {
				t.Fatalf("Inspect failed: %v", err)
			}
			if meta.Suite != suite {
				t.Errorf("Suite = %s, want %s", meta.Suite, suite)
			}

			params, _ := LookupSuite(suite)
			hdr, _ := ContainerHeaderSize(suite)
			stride := int64(params.ChunkHeaderSize() + MinChunkSize)
			wantDisk := int64(hdr) + 3*stride + int64(params.ChunkHeaderSize()+5)
			if meta.DiskSize != wantDisk {
				t.Errorf("DiskSize = %d, want %d", meta.DiskSize, wantDisk)
			}
		})
	}
}

func TestVFS_Stat(t *testing.T) {
	base := setupTestFS(t)
	v := newTestVFS(t, base, SuiteAES256GCM128SHA256, testKeyProvider())
	data := patternData(200)
	writeTestFile(t, v, "/file.bin", data)

	info, err := v.Stat("/file.bin")
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if info.Size() != int64(len(data)) {
		t.Errorf("Stat size = %d, want %d", info.Size(), len(data))
	}

	baseInfo, _ := base.Stat("/file.bin")
	if baseInfo.Size() <= info.Size() {
		t.Errorf("disk size %d not larger than plaintext size %d", baseInfo.Size(), info.Size())
	}

	if err := v.Mkdir("/dir", 0755); err != nil {
		t.Fatalf("Mkdir failed: %v", err)
	}
	if info, err := v.Stat("/dir"); err != nil || !info.IsDir() {
		t.Errorf("Stat(dir) = %v, %v", info, err)
	}

	if _, err := v.Stat("/missing"); !os.IsNotExist(err) {
		t.Errorf("Stat(missing): expected not-exist, got %v", err)
	}
}

func TestVFS_Inspect(t *testing.T) {
	base := setupTestFS(t)
	v := newTestVFS(t, base, SuiteXChaCha20Poly1305SHA512, testKeyProvider())

	f, err := v.OpenEncrypted("/file.bin", os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		t.Fatalf("OpenEncrypted failed: %v", err)
	}
	fileID := f.FileID()
	f.Write(patternData(150))
	f.Close()

	// No key is needed to read the header
	stranger := newTestVFS(t, base, SuiteAES256GCM128SHA256, NewStaticKeyProvider([]byte("somebody else's secret")))
	meta, err := stranger.Inspect("/file.bin")
	if err != nil {
		t.Fatalf("Inspect failed: %v", err)
	}

	if meta.Version != CurrentVersion {
		t.Errorf("Version = %d, want %d", meta.Version, CurrentVersion)
	}
	if meta.Suite != SuiteXChaCha20Poly1305SHA512 {
		t.Errorf("Suite = %s", meta.Suite)
	}
	if meta.ChunkSize != MinChunkSize {
		t.Errorf("ChunkSize = %d, want %d", meta.ChunkSize, MinChunkSize)
	}
	if meta.FileID != fileID {
		t.Errorf("FileID = %s, want %s", meta.FileID, fileID)
	}
	if meta.PlaintextSize != 150 {
		t.Errorf("PlaintextSize = %d, want 150", meta.PlaintextSize)
	}

	writeRaw(t, base, "/plain.txt", []byte("not a container"))
	if _, err := v.Inspect("/plain.txt"); !errors.Is(err, ErrHeaderFormat) {
		t.Errorf("Inspect(plain): expected ErrHeaderFormat, got %v", err)
	}
}

func TestVFS_RenameKeepsContent(t *testing.T) {
	base := setupTestFS(t)
	v := newTestVFS(t, base, SuiteChaCha20Poly1305SHA256, testKeyProvider())
	data := patternData(300)
	writeTestFile(t, v, "/a.bin", data)

	if err := v.MkdirAll("/moved", 0755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	if err := v.Rename("/a.bin", "/moved/b.bin"); err != nil {
		t.Fatalf("Rename failed: %v", err)
	}

	if got := readTestFile(t, v, "/moved/b.bin"); !bytes.Equal(got, data) {
		t.Error("content changed after rename")
	}
}

func TestVFS_Remove(t *testing.T) {
	base := setupTestFS(t)
	v := newTestVFS(t, base, SuiteAES256GCM128SHA256, testKeyProvider())
	writeTestFile(t, v, "/dir/file.bin", []byte("x"))

	if err := v.Remove("/dir/file.bin"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, err := v.Stat("/dir/file.bin"); !os.IsNotExist(err) {
		t.Errorf("file still exists: %v", err)
	}
	if err := v.RemoveAll("/dir"); err != nil {
		t.Fatalf("RemoveAll failed: %v", err)
	}
}

func TestVFS_Truncate(t *testing.T) {
	base := setupTestFS(t)
	v := newTestVFS(t, base, SuiteAES256GCM128SHA256, testKeyProvider())
	data := patternData(500)
	writeTestFile(t, v, "/file.bin", data)

	if err := v.Truncate("/file.bin", 100); err != nil {
		t.Fatalf("Truncate failed: %v", err)
	}
	if got := readTestFile(t, v, "/file.bin"); !bytes.Equal(got, data[:100]) {
		t.Errorf("after truncate read %d bytes, want first 100", len(got))
	}
}

func TestVFS_OpenFlags(t *testing.T) {
	base := setupTestFS(t)
	v := newTestVFS(t, base, SuiteAES256GCM128SHA256, testKeyProvider())
	writeTestFile(t, v, "/log.txt", []byte("first line\n"))

	t.Run("append", func(t *testing.T) {
		f, err := v.OpenFile("/log.txt", os.O_WRONLY|os.O_APPEND, 0)
		if err != nil {
			t.Fatalf("OpenFile failed: %v", err)
		}
		if _, err := f.WriteString("second line\n"); err != nil {
			t.Fatalf("WriteString failed: %v", err)
		}
		f.Close()

		if got := string(readTestFile(t, v, "/log.txt")); got != "first line\nsecond line\n" {
			t.Errorf("content = %q", got)
		}
	})

	t.Run("write only", func(t *testing.T) {
		f, err := v.OpenFile("/log.txt", os.O_WRONLY, 0)
		if err != nil {
			t.Fatalf("OpenFile failed: %v", err)
		}
		defer f.Close()
		if _, err := f.Write([]byte("F")); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	})

	t.Run("read only empty", func(t *testing.T) {
		writeRaw(t, base, "/empty", nil)
		if _, err := v.Open("/empty"); !IsIOError(err) {
			t.Errorf("expected io error opening empty file read-only, got %v", err)
		}
	})

	t.Run("missing", func(t *testing.T) {
		if _, err := v.Open("/missing"); !os.IsNotExist(err) {
			t.Errorf("expected not-exist, got %v", err)
		}
	})

	t.Run("truncate existing", func(t *testing.T) {
		writeTestFile(t, v, "/log.txt", []byte("new"))
		if got := string(readTestFile(t, v, "/log.txt")); got != "new" {
			t.Errorf("content = %q, want %q", got, "new")
		}
	})
}

func TestVFS_Passthrough(t *testing.T) {
	base := setupTestFS(t)
	v := newTestVFS(t, base, SuiteAES256GCM128SHA256, testKeyProvider())
	writeTestFile(t, v, "/file.bin", []byte("x"))

	if err := v.Chmod("/file.bin", 0600); err != nil {
		t.Errorf("Chmod failed: %v", err)
	}
	mtime := time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)
	if err := v.Chtimes("/file.bin", mtime, mtime); err != nil {
		t.Errorf("Chtimes failed: %v", err)
	}
	if info, _ := base.Stat("/file.bin"); !info.ModTime().Equal(mtime) {
		t.Errorf("ModTime = %v, want %v", info.ModTime(), mtime)
	}

	if v.Separator() != base.Separator() || v.ListSeparator() != base.ListSeparator() {
		t.Error("separators not passed through")
	}
	if err := v.Chdir("/sub"); err != nil {
		t.Fatalf("Chdir failed: %v", err)
	}
	if wd, _ := v.Getwd(); wd != "/sub" {
		t.Errorf("Getwd = %q", wd)
	}
	if v.TempDir() == "" {
		t.Error("TempDir empty")
	}
}

func writeRaw(t *testing.T, fs absfs.FileSystem, name string, data []byte) {
	t.Helper()
	f, err := fs.Create(name)
	if err != nil {
		t.Fatalf("Create(%q) failed: %v", name, err)
	}
	defer f.Close()
	if len(data) == 0 {
		return
	}
	if _, err := f.Write(data); err != nil {
		t.Fatalf("Write(%q) failed: %v", name, err)
	}
}
