// Package cli implements the vfscrypt command line tool.
package cli

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/absfs/osfs"
	"github.com/absfs/vfscrypt"
)

// options holds the flags shared by every subcommand
type options struct {
	verbose   bool
	kdf       string
	kdfSalt   string
	suite     string
	chunkSize int
	workers   int

	log zerolog.Logger
}

// NewRootCommand creates the root command with the shared flags and every
// subcommand attached.
func NewRootCommand(version string) *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:     "vfscrypt [flags] command [flags]",
		Short:   "Chunked file encryption utility",
		Version: version,
		Long: `Encrypts files as independently authenticated chunks so they can be read
and written at random offsets. The master secret is a passphrase (` + PasswordEnvVar + `)
or a hex-encoded key (` + KeyEnvVar + `).`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			opts.log = newLogger(cmd.ErrOrStderr(), opts.verbose)
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "Enable debug logging")
	flags.StringVar(&opts.kdf, "kdf", "argon2id", "Passphrase key derivation (argon2id, pbkdf2)")
	flags.StringVar(&opts.kdfSalt, "kdf-salt", "vfscrypt", "Salt for passphrase key derivation")
	flags.StringVarP(&opts.suite, "suite", "s", vfscrypt.DefaultSuite.String(),
		"Encryption suite for new files ("+suiteNames()+")")
	flags.IntVarP(&opts.chunkSize, "chunk-size", "c", vfscrypt.DefaultChunkSize, "Plaintext chunk size in bytes for new files")
	flags.IntVarP(&opts.workers, "parallel", "j", runtime.NumCPU(), "Number of parallel workers")

	root.AddCommand(
		newEncryptCommand(opts),
		newDecryptCommand(opts),
		newVerifyCommand(opts),
		newRekeyCommand(opts),
		newInfoCommand(opts),
	)
	return root
}

func newLogger(w io.Writer, verbose bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}).
		Level(level).
		With().
		Timestamp().
		Logger()
}

func suiteNames() string {
	names := make([]string, 0, len(vfscrypt.Suites()))
	for _, s := range vfscrypt.Suites() {
		names = append(names, s.String())
	}
	return strings.Join(names, ", ")
}

// config builds the library configuration for provider from the flags
func (o *options) config(provider vfscrypt.KeyProvider) (*vfscrypt.Config, error) {
	suite, err := vfscrypt.ParseEncryptionSuite(o.suite)
	if err != nil {
		return nil, err
	}

	cfg := vfscrypt.DefaultConfig(provider)
	cfg.Suite = suite
	cfg.ChunkSize = o.chunkSize
	cfg.Parallel.MaxWorkers = o.workers
	cfg.Logger = &o.log
	return cfg, nil
}

func (o *options) newVFS(provider vfscrypt.KeyProvider) (*vfscrypt.VFS, error) {
	cfg, err := o.config(provider)
	if err != nil {
		return nil, err
	}
	base, err := osfs.NewFS()
	if err != nil {
		return nil, fmt.Errorf("failed to open host filesystem: %w", err)
	}
	return vfscrypt.New(base, cfg)
}

// keyProvider resolves the master secret from keyEnv, passEnv or a prompt.
// Passphrases are stretched once and the result reused for every file.
func (o *options) keyProvider(keyEnv, passEnv, prompt string, confirm bool) (vfscrypt.KeyProvider, error) {
	if os.Getenv(keyEnv) != "" {
		p := vfscrypt.NewEnvKeyProvider(keyEnv)
		if _, err := p.MasterKey(); err != nil {
			return nil, err
		}
		return p, nil
	}

	var (
		pass []byte
		err  error
	)
	if confirm {
		pass, err = getPassphraseWithConfirm(passEnv, prompt, "Confirm passphrase: ")
	} else {
		pass, err = getPassphrase(passEnv, prompt)
	}
	if err != nil {
		return nil, err
	}
	defer zeroBytes(pass)

	var derived vfscrypt.KeyProvider
	switch o.kdf {
	case "argon2id":
		derived = vfscrypt.NewPasswordKeyProvider(pass, []byte(o.kdfSalt), vfscrypt.Argon2idParams{})
	case "pbkdf2":
		derived = vfscrypt.NewPasswordKeyProviderPBKDF2(pass, []byte(o.kdfSalt),
			vfscrypt.PBKDF2Params{HashFunc: vfscrypt.SHA256})
	default:
		return nil, fmt.Errorf("unknown key derivation %q", o.kdf)
	}

	o.log.Debug().Str("kdf", o.kdf).Msg("deriving master key")
	key, err := derived.MasterKey()
	if err != nil {
		return nil, err
	}
	defer zeroBytes(key)
	return vfscrypt.NewStaticKeyProvider(key), nil
}

// currentKey resolves the secret existing files are encrypted under
func (o *options) currentKey(confirm bool) (vfscrypt.KeyProvider, error) {
	return o.keyProvider(KeyEnvVar, PasswordEnvVar, "Passphrase: ", confirm)
}
