package cli

import (
	"bytes"
	"fmt"
	"os"
	"runtime"

	"golang.org/x/term"
)

const (
	// PasswordEnvVar holds the passphrase for non-interactive use
	PasswordEnvVar = "VFSCRYPT_PASSWORD"

	// NewPasswordEnvVar holds the replacement passphrase for rekey
	NewPasswordEnvVar = "VFSCRYPT_NEW_PASSWORD"

	// KeyEnvVar holds a hex-encoded master key, used instead of a passphrase
	KeyEnvVar = "VFSCRYPT_KEY"

	// NewKeyEnvVar holds the replacement hex-encoded master key for rekey
	NewKeyEnvVar = "VFSCRYPT_NEW_KEY"
)

// zeroBytes overwrites a byte slice with zeros
func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}

func getPassphrase(envVar, prompt string) ([]byte, error) {
	if envPass := os.Getenv(envVar); envPass != "" {
		return []byte(envPass), nil
	}
	return readPassword(prompt, envVar)
}

func getPassphraseWithConfirm(envVar, prompt, confirmPrompt string) ([]byte, error) {
	if envPass := os.Getenv(envVar); envPass != "" {
		return []byte(envPass), nil
	}

	passphrase, err := readPassword(prompt, envVar)
	if err != nil {
		return nil, err
	}

	confirm, err := readPassword(confirmPrompt, envVar)
	if err != nil {
		zeroBytes(passphrase)
		return nil, err
	}
	defer zeroBytes(confirm)

	if !bytes.Equal(passphrase, confirm) {
		zeroBytes(passphrase)
		return nil, fmt.Errorf("passphrases do not match")
	}
	return passphrase, nil
}

func readPassword(prompt, envVar string) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)

	var passphrase []byte
	var err error

	if fd := int(os.Stdin.Fd()); term.IsTerminal(fd) {
		passphrase, err = term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
	} else {
		// STDIN is piped, fall back to the controlling terminal
		tty, ttyErr := os.Open("/dev/tty")
		if ttyErr != nil {
			return nil, fmt.Errorf("cannot read passphrase: STDIN is piped and no terminal is available, set %s", envVar)
		}
		defer tty.Close()

		passphrase, err = term.ReadPassword(int(tty.Fd()))
		fmt.Fprintln(os.Stderr)
	}

	if err != nil {
		return nil, err
	}
	if len(passphrase) == 0 {
		return nil, fmt.Errorf("passphrase cannot be empty")
	}
	return passphrase, nil
}
