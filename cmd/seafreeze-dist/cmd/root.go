package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oshokin/seafreeze-dist/internal/config"
	"github.com/oshokin/seafreeze-dist/internal/logger"
	"github.com/oshokin/seafreeze-dist/internal/service/builder"
	"github.com/oshokin/seafreeze-dist/internal/service/packager"
	"github.com/oshokin/seafreeze-dist/internal/version"
)

// flags holds command-line values; they override the config file and environment when set.
type flags struct {
	configPath  string
	workDir     string
	outputDir   string
	python      string
	manifest    string
	logLevel    string
	skipUpgrade bool
}

var (
	opts flags

	// rootCmd stages auxiliary files, builds the distributions and cleans up.
	rootCmd = &cobra.Command{
		Use:   "seafreeze-dist",
		Short: "Build the SeaFreeze Python sdist and wheel",
		Long: `Builds the source and wheel distributions of the SeaFreeze Python package.

LICENSE.txt and seafreeze/SeaFreeze_Gibbs.mat are copied in from the parent
directory when missing, the output directory is wiped, the build front end is
upgraded and run, and every copied file is removed again, also when the build fails.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Setup graceful shutdown handling.
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			cfg, err := resolveConfig(cmd, &opts)
			if err != nil {
				return err
			}

			if err = logger.SetLevelFromString(cfg.LogLevel); err != nil {
				return err
			}

			options := &packager.Options{
				WorkDir: opts.workDir,
				Config:  cfg,
			}

			return packager.Run(ctx, options)
		},
	}

	// initCmd writes the default settings so they can be edited.
	initCmd = &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := configFilePath(&opts)

			force, err := cmd.Flags().GetBool("force")
			if err != nil {
				return err
			}

			if _, err = os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists, use --force to overwrite", path)
			}

			if err = config.Save(path, config.Default()); err != nil {
				return err
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)

			return nil
		},
	}
)

// Execute runs the seafreeze-dist CLI and exits with non-zero status on error.
func Execute() {
	version.AttachCobraVersionCommand(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		logger.ErrorKV(context.Background(), "seafreeze-dist failed", "error", err)
		os.Exit(exitCode(err))
	}
}

// exitCode passes through the status of a failed pip or build command, 1 for anything else.
func exitCode(err error) int {
	if err == nil {
		return 0
	}

	var cmdErr *builder.CommandError
	if errors.As(err, &cmdErr) && cmdErr.Ran && cmdErr.ExitStatus > 0 {
		return cmdErr.ExitStatus
	}

	return 1
}

// resolveConfig merges defaults, the config file, the environment and changed flags.
func resolveConfig(cmd *cobra.Command, f *flags) (*config.Config, error) {
	cfg, err := config.Load(configFilePath(f))

	switch {
	case err == nil:
	case errors.Is(err, config.ErrNotFound) && !cmd.Flags().Changed("config"):
		cfg = config.Default()
	default:
		return nil, err
	}

	if err = config.ApplyEnv(cfg, f.workDir); err != nil {
		return nil, err
	}

	changed := cmd.Flags().Changed

	if changed("output") {
		cfg.OutputDir = f.outputDir
	}

	if changed("python") {
		cfg.Python = f.python
	}

	if changed("manifest") {
		cfg.Manifest = f.manifest
	}

	if changed("log-level") {
		cfg.LogLevel = f.logLevel
	}

	if changed("skip-upgrade") {
		cfg.SkipUpgrade = f.skipUpgrade
	}

	if err = config.Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// configFilePath resolves a relative config path against the working directory.
func configFilePath(f *flags) string {
	if filepath.IsAbs(f.configPath) {
		return f.configPath
	}

	return filepath.Join(f.workDir, f.configPath)
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	// Setup command flags with consistent naming and descriptions.
	persistent := rootCmd.PersistentFlags()
	persistent.StringVarP(&opts.configPath, "config", "c", config.DefaultConfigFilename, "path to configuration file, relative to the working directory")
	persistent.StringVarP(&opts.workDir, "workdir", "C", ".", "directory holding the Python package sources")

	local := rootCmd.Flags()
	local.StringVarP(&opts.outputDir, "output", "o", config.DefaultOutputDir, "output directory for distributions (wiped before the build)")
	local.StringVar(&opts.python, "python", config.DefaultPython, "python interpreter running pip and build")
	local.BoolVar(&opts.skipUpgrade, "skip-upgrade", false, "do not upgrade the build front end")
	local.StringVar(&opts.manifest, "manifest", "", "write a YAML artifact manifest to this path")
	local.StringVar(&opts.logLevel, "log-level", "info", "log level: debug, info, warn, error")

	initCmd.Flags().BoolP("force", "f", false, "overwrite an existing configuration file")
	rootCmd.AddCommand(initCmd)
}
