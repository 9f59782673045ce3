package cli

import (
	"bytes"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

var (
	oldKeyHex = hex.EncodeToString([]byte("cli test master secret, 32 bytes"))
	newKeyHex = hex.EncodeToString([]byte("cli replacement secret, 32 bytes"))
)

// run executes the root command and returns what it wrote to stdout
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	root := NewRootCommand("test")
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(args)
	err := root.Execute()
	return stdout.String(), err
}

func testPayload() []byte {
	return bytes.Repeat([]byte("vfscrypt cli payload\n"), 500)
}

// encryptFixture writes plain.txt and encrypts it to data.vfsc in a temp dir
func encryptFixture(t *testing.T, extra ...string) (dir, plain, enc string) {
	t.Helper()
	dir = t.TempDir()
	plain = filepath.Join(dir, "plain.txt")
	enc = filepath.Join(dir, "data.vfsc")
	if err := os.WriteFile(plain, testPayload(), 0600); err != nil {
		t.Fatal(err)
	}

	args := append([]string{"encrypt", "-c", "64"}, extra...)
	if _, err := run(t, append(args, plain, enc)...); err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	return dir, plain, enc
}

func TestEncryptDecrypt(t *testing.T) {
	for _, suite := range []string{"aes256gcm128-sha256", "chacha20poly1305-sha256", "xchacha20poly1305-sha512"} {
		t.Run(suite, func(t *testing.T) {
			t.Setenv(KeyEnvVar, oldKeyHex)
			dir, _, enc := encryptFixture(t, "--suite", suite)

			raw, err := os.ReadFile(enc)
			if err != nil {
				t.Fatal(err)
			}
			if bytes.Contains(raw, []byte("vfscrypt cli payload")) {
				t.Error("plaintext visible in container")
			}

			out := filepath.Join(dir, "out.txt")
			if _, err := run(t, "decrypt", enc, out); err != nil {
				t.Fatalf("decrypt failed: %v", err)
			}
			got, _ := os.ReadFile(out)
			if !bytes.Equal(got, testPayload()) {
				t.Error("decrypted file mismatch")
			}

			stdout, err := run(t, "decrypt", enc, "-")
			if err != nil {
				t.Fatalf("decrypt to stdout failed: %v", err)
			}
			if stdout != string(testPayload()) {
				t.Error("decrypted stdout mismatch")
			}
		})
	}
}

func TestEncryptRefusesOverwrite(t *testing.T) {
	t.Setenv(KeyEnvVar, oldKeyHex)
	_, plain, enc := encryptFixture(t)

	if _, err := run(t, "encrypt", plain, enc); err == nil || !strings.Contains(err.Error(), "--force") {
		t.Errorf("expected overwrite refusal, got %v", err)
	}
	if _, err := run(t, "encrypt", "--force", plain, enc); err != nil {
		t.Errorf("encrypt --force failed: %v", err)
	}
}

func TestDecryptWrongKey(t *testing.T) {
	t.Setenv(KeyEnvVar, oldKeyHex)
	dir, _, enc := encryptFixture(t)

	t.Setenv(KeyEnvVar, newKeyHex)
	out := filepath.Join(dir, "out.txt")
	if _, err := run(t, "decrypt", enc, out); err == nil {
		t.Fatal("decrypt with the wrong key succeeded")
	}
	if _, err := os.Stat(out); err == nil {
		t.Error("output written despite failure")
	}
}

func TestPassphrase(t *testing.T) {
	t.Setenv(KeyEnvVar, "")
	t.Setenv(PasswordEnvVar, "correct horse battery staple")
	dir, _, enc := encryptFixture(t, "--kdf", "pbkdf2")

	out := filepath.Join(dir, "out.txt")
	if _, err := run(t, "--kdf", "pbkdf2", "decrypt", enc, out); err != nil {
		t.Fatalf("decrypt failed: %v", err)
	}

	// A different salt derives a different master secret
	if _, err := run(t, "--kdf", "pbkdf2", "--kdf-salt", "other", "decrypt", enc, out); err == nil {
		t.Error("decrypt with a different salt succeeded")
	}
	if _, err := run(t, "--kdf", "scrypt", "decrypt", enc, out); err == nil {
		t.Error("unknown kdf accepted")
	}
}

func TestVerify(t *testing.T) {
	t.Setenv(KeyEnvVar, oldKeyHex)
	dir, _, enc := encryptFixture(t)

	stdout, err := run(t, "verify", enc)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if !strings.HasPrefix(stdout, "OK") {
		t.Errorf("stdout = %q", stdout)
	}

	bad := filepath.Join(dir, "bad.vfsc")
	raw, _ := os.ReadFile(enc)
	raw[len(raw)-1] ^= 0x01
	if err := os.WriteFile(bad, raw, 0600); err != nil {
		t.Fatal(err)
	}

	stdout, err = run(t, "verify", enc, bad)
	if err == nil {
		t.Fatal("verify of corrupt file succeeded")
	}
	if !strings.Contains(stdout, "OK     "+enc) || !strings.Contains(stdout, "FAILED "+bad) {
		t.Errorf("stdout = %q", stdout)
	}
}

func TestInfo(t *testing.T) {
	t.Setenv(KeyEnvVar, oldKeyHex)
	_, _, enc := encryptFixture(t, "-s", "chacha20poly1305-sha256")

	// No secret is needed
	t.Setenv(KeyEnvVar, "")
	stdout, err := run(t, "info", enc)
	if err != nil {
		t.Fatalf("info failed: %v", err)
	}
	for _, want := range []string{
		"suite:      chacha20poly1305-sha256",
		"chunk size: 64",
		"size:       10500 (",
	} {
		if !strings.Contains(stdout, want) {
			t.Errorf("info output missing %q:\n%s", want, stdout)
		}
	}

	if _, err := run(t, "info", filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("info of missing file succeeded")
	}
}

func TestRekey(t *testing.T) {
	t.Setenv(KeyEnvVar, oldKeyHex)
	dir, _, enc := encryptFixture(t)
	out := filepath.Join(dir, "out.txt")

	t.Setenv(NewKeyEnvVar, newKeyHex)
	if _, err := run(t, "rekey", "--dry-run", enc); err != nil {
		t.Fatalf("rekey --dry-run failed: %v", err)
	}
	if _, err := run(t, "decrypt", enc, out); err != nil {
		t.Fatalf("dry run changed the key: %v", err)
	}

	if _, err := run(t, "rekey", "--suite", "xchacha20poly1305-sha512", enc); err != nil {
		t.Fatalf("rekey failed: %v", err)
	}
	if _, err := run(t, "decrypt", enc, out); err == nil {
		t.Error("old key still decrypts after rekey")
	}

	t.Setenv(KeyEnvVar, newKeyHex)
	if _, err := run(t, "decrypt", enc, out); err != nil {
		t.Fatalf("decrypt with new key failed: %v", err)
	}
	got, _ := os.ReadFile(out)
	if !bytes.Equal(got, testPayload()) {
		t.Error("content changed by rekey")
	}

	stdout, _ := run(t, "info", enc)
	if !strings.Contains(stdout, "xchacha20poly1305-sha512") || !strings.Contains(stdout, "chunk size: 64") {
		t.Errorf("rekeyed header:\n%s", stdout)
	}
}

func TestInvalidFlags(t *testing.T) {
	t.Setenv(KeyEnvVar, oldKeyHex)
	dir := t.TempDir()
	plain := filepath.Join(dir, "plain.txt")
	os.WriteFile(plain, []byte("x"), 0600)

	tests := [][]string{
		{"encrypt", "--suite", "rot13", plain, filepath.Join(dir, "a")},
		{"encrypt", "-c", "1", plain, filepath.Join(dir, "b")},
		{"encrypt", plain},
		{"verify"},
	}
	for _, args := range tests {
		if _, err := run(t, args...); err == nil {
			t.Errorf("%v: expected error", args)
		}
	}
}

func TestRelativePaths(t *testing.T) {
	t.Setenv(KeyEnvVar, oldKeyHex)
	t.Chdir(t.TempDir())
	if err := os.WriteFile("plain.txt", testPayload(), 0600); err != nil {
		t.Fatal(err)
	}

	if _, err := run(t, "encrypt", "plain.txt", "data.vfsc"); err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	if _, err := run(t, "decrypt", "data.vfsc", "out.txt"); err != nil {
		t.Fatalf("decrypt failed: %v", err)
	}
	got, err := os.ReadFile("out.txt")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, testPayload()) {
		t.Error("decrypted file mismatch")
	}
}
