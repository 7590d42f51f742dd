// Package cli implements vcctl, the operator command line for the credential
// issuer. Commands run against the same store and issuer key as the server,
// configured from ./vcctl.yaml or STUDENTVC_ environment variables.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"studentvc/internal/app"
	"studentvc/internal/issuance"
	"studentvc/internal/platform/config"
	"studentvc/internal/platform/logger"
)

const (
	configName      = "vcctl"
	defaultSeedFile = "issuer.seed"
	defaultStoreDir = "credentials"
)

// rootOptions is the state shared by every subcommand of one root command.
type rootOptions struct {
	cfgFile string
	output  string
	verbose bool

	cfg *config.Config

	stdin  io.Reader
	lines  *bufio.Reader
	stdout io.Writer
	stderr io.Writer
}

// NewRootCommand builds the vcctl command tree writing to the given streams.
func NewRootCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	o := &rootOptions{stdin: stdin, stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:   "vcctl",
		Short: "Issue, verify and manage student credentials",
		Long: `vcctl signs student credentials as Ed25519 JWTs under the issuer's
did:key identity and manages their status in the credential store.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return o.initConfig(cmd)
		},
	}
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)

	flags := root.PersistentFlags()
	flags.StringVar(&o.cfgFile, "config", "", "config file (default is ./vcctl.yaml)")
	flags.StringVarP(&o.output, "output", "o", formatText, "output format: text, json or yaml")
	flags.BoolVarP(&o.verbose, "verbose", "v", false, "log debug output to stderr")
	flags.String("backend", "", "credential store backend: memory, file, sqlite, redis or postgres")
	flags.String("dir", "", "directory for the file backend")
	flags.String("db", "", "database file for the sqlite backend")
	flags.String("seed-file", "", "issuer seed file")

	root.AddCommand(
		newIssueCommand(o),
		newVerifyCommand(o),
		newListCommand(o),
		newRevokeCommand(o),
		newReactivateCommand(o),
		newKeygenCommand(o),
		newDIDCommand(o),
	)
	return root
}

// Execute runs vcctl with the process streams and returns the exit code.
func Execute(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) int {
	root := NewRootCommand(stdin, stdout, stderr)
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		return exitCode(err, stderr)
	}
	return 0
}

// initConfig reads the config file and environment. vcctl defaults to the
// file backend and a seed file in the working directory so that separate
// invocations share state.
func (o *rootOptions) initConfig(cmd *cobra.Command) error {
	if !validFormat(o.output) {
		return usageError(fmt.Errorf("unknown output format %q", o.output))
	}

	v := viper.New()
	config.SetDefaults(v)
	v.SetDefault("store.backend", config.BackendFile)
	v.SetDefault("store.dir", defaultStoreDir)
	v.SetDefault("log.level", "warn")
	v.SetDefault("log.format", "text")

	flags := cmd.Root().PersistentFlags()
	for key, flag := range map[string]string{
		"store.backend":    "backend",
		"store.dir":        "dir",
		"store.path":       "db",
		"issuer.seed_file": "seed-file",
	} {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			return err
		}
	}

	cfg, err := config.Read(v, o.cfgFile, configName)
	if err != nil {
		return err
	}
	if cfg.Issuer.Seed == "" && cfg.Issuer.SeedFile == "" {
		cfg.Issuer.SeedFile = defaultSeedFile
	}
	if o.verbose {
		cfg.Log.Level = "debug"
	}
	o.cfg = cfg
	return nil
}

func (o *rootOptions) logger() *slog.Logger {
	return logger.New(o.cfg.Log.Level, o.cfg.Log.Format, o.stderr)
}

// withService builds the application for a single command and tears it down
// afterwards.
func (o *rootOptions) withService(ctx context.Context, fn func(*issuance.Service) error) error {
	a, err := app.Build(ctx, o.cfg, o.logger())
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil {
			o.logger().WarnContext(ctx, "closing resources", "error", cerr)
		}
	}()
	return fn(a.Service)
}

func (o *rootOptions) printer() *printer {
	return newPrinter(o.stdout, o.output)
}
