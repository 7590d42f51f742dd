package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"studentvc/internal/app"
	"studentvc/internal/identity"
)

type keygenResult struct {
	Identifier string `json:"identifier"`
	SeedFile   string `json:"seed_file"`
	Encrypted  bool   `json:"encrypted"`
	Restored   bool   `json:"restored"`
	Mnemonic   string `json:"mnemonic,omitempty"`
}

func newKeygenCommand(o *rootOptions) *cobra.Command {
	var (
		out          string
		encrypt      bool
		showMnemonic bool
		restore      bool
	)
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Create the issuer seed file",
		Long: `Keygen writes a new random issuer seed, or with --restore the seed encoded
by a recovery phrase read from stdin. An existing seed file is never
overwritten. With --encrypt the seed is sealed under a passphrase taken from
issuer.seed_passphrase or prompted for.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := out
			if path == "" {
				path = o.cfg.Issuer.SeedFile
			}
			if path == "" {
				return usageError(errors.New("issuer.seed is set in configuration; pass --out to write a seed file"))
			}

			var seed []byte
			var err error
			if restore {
				phrase, err := o.readSecret("Recovery phrase: ")
				if err != nil {
					return err
				}
				if seed, err = identity.SeedFromMnemonic(phrase); err != nil {
					return err
				}
			} else if seed, err = identity.NewRandomSeed(); err != nil {
				return err
			}

			var src identity.SeedSource = identity.SeedFile{Path: path}
			if encrypt {
				passphrase := o.cfg.Issuer.SeedPassphrase
				if passphrase == "" {
					if passphrase, err = o.newPassphrase(); err != nil {
						return err
					}
				}
				src = identity.EncryptedSeedFile{Path: path, Passphrase: []byte(passphrase)}
			}
			if err := src.Store(cmd.Context(), seed); err != nil {
				if errors.Is(err, identity.ErrSeedExists) {
					return fmt.Errorf("%s already holds an issuer seed; refusing to overwrite it", path)
				}
				return err
			}

			key, err := identity.Generate(seed)
			if err != nil {
				return err
			}
			res := keygenResult{Identifier: key.Identifier(), SeedFile: path, Encrypted: encrypt, Restored: restore}
			if showMnemonic {
				if res.Mnemonic, err = identity.SeedToMnemonic(seed); err != nil {
					return err
				}
			}

			p := o.printer()
			return p.emit(res, func() error {
				fmt.Fprintln(p.w, p.accepted.Render("KEY WRITTEN"))
				p.field("issuer", res.Identifier)
				p.field("seed file", res.SeedFile)
				p.field("encrypted", res.Encrypted)
				if res.Mnemonic != "" {
					fmt.Fprintln(p.w)
					fmt.Fprintln(p.w, p.warning.Render("Recovery phrase, store it offline:"))
					fmt.Fprintln(p.w, res.Mnemonic)
				}
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&out, "out", "", "seed file to create (default issuer.seed_file)")
	f.BoolVar(&encrypt, "encrypt", false, "seal the seed under a passphrase")
	f.BoolVar(&showMnemonic, "mnemonic", false, "print a 24 word recovery phrase for the seed")
	f.BoolVar(&restore, "restore", false, "read a recovery phrase from stdin instead of generating a seed")
	return cmd
}

func newDIDCommand(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "did",
		Short: "Print the issuer's DID document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			src := app.SeedSource(o.cfg.Issuer)
			seed, err := src.Load(cmd.Context())
			if errors.Is(err, identity.ErrSeedNotFound) {
				return fmt.Errorf("no issuer seed at %s; run vcctl keygen first", o.cfg.Issuer.SeedFile)
			}
			if err != nil {
				return err
			}
			key, err := identity.Generate(seed)
			if err != nil {
				return err
			}

			doc := identity.NewDocument(key)
			p := o.printer()
			return p.emit(doc, func() error {
				fmt.Fprintln(p.w, doc.ID)
				for _, vm := range doc.VerificationMethod {
					p.field("method", vm.ID)
					p.field("type", vm.Type)
				}
				return nil
			})
		},
	}
}

// readSecret reads one line without echo when stdin is a terminal.
func (o *rootOptions) readSecret(prompt string) (string, error) {
	if f, ok := o.stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(o.stderr, prompt)
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(o.stderr)
		if err != nil {
			return "", fmt.Errorf("read %s: %w", strings.TrimSuffix(strings.ToLower(prompt), ": "), err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	return o.readLine()
}

func (o *rootOptions) readLine() (string, error) {
	if o.lines == nil {
		o.lines = bufio.NewReader(o.stdin)
	}
	line, err := o.lines.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		if errors.Is(err, io.EOF) {
			return "", errors.New("unexpected end of input")
		}
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func (o *rootOptions) newPassphrase() (string, error) {
	first, err := o.readSecret("Passphrase: ")
	if err != nil {
		return "", err
	}
	if first == "" {
		return "", errors.New("passphrase must not be empty")
	}
	second, err := o.readSecret("Repeat passphrase: ")
	if err != nil {
		return "", err
	}
	if first != second {
		return "", errors.New("passphrases do not match")
	}
	return first, nil
}
