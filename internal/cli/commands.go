package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/absfs/vfscrypt"
)

// bulkBuffer is the plaintext moved per bulk read or write
const bulkBuffer = 1 << 20

func newEncryptCommand(opts *options) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:     "encrypt [flags] source destination",
		Aliases: []string{"enc"},
		Short:   "Encrypt a file into a chunked container",
		Args:    cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			src, dst := args[0], args[1]
			if !force {
				if _, err := os.Stat(dst); err == nil {
					return fmt.Errorf("%s already exists, use --force to overwrite", dst)
				}
			}

			provider, err := opts.currentKey(true)
			if err != nil {
				return err
			}
			v, err := opts.newVFS(provider)
			if err != nil {
				return err
			}

			in, err := os.Open(src)
			if err != nil {
				return err
			}
			defer in.Close()

			out, err := v.OpenEncrypted(dst, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
			if err != nil {
				return err
			}

			n, err := copyIn(out, in)
			if closeErr := out.Close(); err == nil {
				err = closeErr
			}
			if err != nil {
				return fmt.Errorf("encrypting %s: %w", src, err)
			}

			opts.log.Info().Str("source", src).Str("destination", dst).Int64("bytes", n).Msg("encrypted")
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite the destination if it exists")
	return cmd
}

func newDecryptCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:     "decrypt [flags] source destination",
		Aliases: []string{"dec"},
		Short:   "Decrypt a container, use - as destination for stdout",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, dst := args[0], args[1]

			provider, err := opts.currentKey(false)
			if err != nil {
				return err
			}
			v, err := opts.newVFS(provider)
			if err != nil {
				return err
			}

			in, err := v.OpenEncrypted(src, os.O_RDONLY, 0)
			if err != nil {
				return err
			}
			defer in.Close()

			var out io.Writer = cmd.OutOrStdout()
			if dst != "-" {
				f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
				if err != nil {
					return err
				}
				defer f.Close()
				out = f
			}

			n, err := copyOut(out, in)
			if err != nil {
				if dst != "-" {
					os.Remove(dst)
				}
				return fmt.Errorf("decrypting %s: %w", src, err)
			}

			opts.log.Debug().Str("source", src).Int64("bytes", n).Msg("decrypted")
			return nil
		},
	}
}

func newVerifyCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "verify [flags] files...",
		Short: "Authenticate the header and every chunk of each file",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			provider, err := opts.currentKey(false)
			if err != nil {
				return err
			}
			v, err := opts.newVFS(provider)
			if err != nil {
				return err
			}

			failed := 0
			for _, name := range args {
				if err := v.VerifyEncryption(name); err != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "FAILED %s: %v\n", name, err)
					failed++
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "OK     %s\n", name)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d files failed verification", failed, len(args))
			}
			return nil
		},
	}
}

func newRekeyCommand(opts *options) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "rekey [flags] files...",
		Short: "Re-encrypt files under a new master secret, suite or chunk size",
		Long: `Re-encrypt files with a fresh file key. The new secret is read from
` + NewKeyEnvVar + ` or ` + NewPasswordEnvVar + `, or prompted for. The --suite and
--chunk-size flags apply to the rewritten files only when given explicitly.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			current, err := opts.currentKey(false)
			if err != nil {
				return err
			}
			v, err := opts.newVFS(current)
			if err != nil {
				return err
			}

			next, err := opts.keyProvider(NewKeyEnvVar, NewPasswordEnvVar, "New passphrase: ", true)
			if err != nil {
				return err
			}

			rotation := vfscrypt.KeyRotationOptions{
				NewKeyProvider: next,
				DryRun:         dryRun,
			}
			if cmd.Flags().Changed("suite") {
				if rotation.NewSuite, err = vfscrypt.ParseEncryptionSuite(opts.suite); err != nil {
					return err
				}
			}
			if cmd.Flags().Changed("chunk-size") {
				rotation.NewChunkSize = opts.chunkSize
			}

			return v.RotateAll(args, rotation)
		},
	}

	cmd.Flags().BoolVarP(&dryRun, "dry-run", "n", false, "Authenticate files without rewriting them")
	return cmd
}

func newInfoCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "info [flags] files...",
		Short: "Show the header of each file, no secret required",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			// Inspect never touches the key provider
			v, err := opts.newVFS(vfscrypt.NewStaticKeyProvider(nil))
			if err != nil {
				return err
			}

			var errs []error
			w := cmd.OutOrStdout()
			for _, name := range args {
				meta, err := v.Inspect(name)
				if err != nil {
					errs = append(errs, err)
					continue
				}
				fmt.Fprintf(w, "%s:\n", name)
				fmt.Fprintf(w, "  version:    %d\n", meta.Version)
				fmt.Fprintf(w, "  suite:      %s\n", meta.Suite)
				fmt.Fprintf(w, "  chunk size: %d\n", meta.ChunkSize)
				fmt.Fprintf(w, "  file id:    %s\n", meta.FileID)
				fmt.Fprintf(w, "  size:       %d (%d on disk)\n", meta.PlaintextSize, meta.DiskSize)
			}
			return errors.Join(errs...)
		},
	}
}

// copyIn streams r into f with bulk writes
func copyIn(f *vfscrypt.EncryptedFile, r io.Reader) (int64, error) {
	buf := make([]byte, bulkBuffer)
	var total int64
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			if _, werr := f.WriteBulk(buf[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}

// copyOut streams f into w with bulk reads
func copyOut(w io.Writer, f *vfscrypt.EncryptedFile) (int64, error) {
	buf := make([]byte, bulkBuffer)
	var total int64
	for {
		n, err := f.ReadBulk(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
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
