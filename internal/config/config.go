package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the settings of a packaging run.
type Config struct {
	// Python is the interpreter used to run pip and the build front end.
	Python string `yaml:"python"`
	// OutputDir receives the distribution artifacts. It is wiped before every build.
	OutputDir string `yaml:"output_dir"`
	// SkipUpgrade disables the packaging tooling upgrade (offline runs).
	SkipUpgrade bool `yaml:"skip_upgrade"`
	// Manifest is an optional path of the YAML artifact manifest.
	Manifest string `yaml:"manifest,omitempty"`
	// LogLevel is the minimum level of the application log.
	LogLevel string `yaml:"log_level"`
	// CommandLogLevel is the minimum level at which subprocess output is forwarded.
	CommandLogLevel string `yaml:"command_log_level"`
	// Timeout bounds each external command. Zero disables the limit.
	Timeout time.Duration `yaml:"timeout"`
	// Files lists the auxiliary files staged for the build.
	Files []File `yaml:"files"`
}

// File describes one auxiliary file: where the build expects it and where
// to copy it from when it is absent. Both paths are relative to the working directory.
type File struct {
	// Target is the location the build expects.
	Target string `yaml:"target"`
	// Source is the location the file is copied from.
	Source string `yaml:"source"`
}

const (
	// DefaultConfigFilename is the default filename for run settings.
	DefaultConfigFilename = "seafreeze-dist.yaml"

	// DotEnvFilename is read from the working directory before the process environment.
	DotEnvFilename = ".env"

	// DefaultPython is the interpreter used when none is configured.
	DefaultPython = "python3"

	// DefaultOutputDir is where the build front end writes artifacts.
	DefaultOutputDir = "dist"

	// DefaultTimeout bounds each external command.
	DefaultTimeout = 15 * time.Minute

	// DefaultFilePermissions is the default file permission for written files.
	DefaultFilePermissions = 0o644

	// Environment overrides.
	EnvPython      = "SEAFREEZE_DIST_PYTHON"
	EnvOutputDir   = "SEAFREEZE_DIST_OUTPUT"
	EnvLogLevel    = "SEAFREEZE_DIST_LOG_LEVEL"
	EnvSkipUpgrade = "SEAFREEZE_DIST_SKIP_UPGRADE"
)

var (
	// ErrNotFound is returned by Load when the settings file does not exist.
	ErrNotFound = errors.New("settings file not found")

	errConfigIsNotSet     = errors.New("configuration is not set")
	errPythonRequired     = errors.New("python interpreter must be provided")
	errUnsafeOutputDir    = errors.New("output directory must be a subdirectory of the working directory")
	errNoFiles            = errors.New("at least one auxiliary file must be configured")
	errInvalidFile        = errors.New("invalid auxiliary file")
	errDuplicateTarget    = errors.New("duplicate auxiliary file target")
	errTargetInOutputDir  = errors.New("auxiliary file target lies inside the output directory")
	errNegativeTimeout    = errors.New("timeout must not be negative")
	errInvalidSkipUpgrade = errors.New("invalid skip upgrade value")
)

// DefaultFiles returns the auxiliary files of the SeaFreeze Python package:
// the license text and the Gibbs spline library, both kept at the repository root.
func DefaultFiles() []File {
	return []File{
		{
			Target: "LICENSE.txt",
			Source: filepath.Join("..", "LICENSE.txt"),
		},
		{
			Target: filepath.Join("seafreeze", "SeaFreeze_Gibbs.mat"),
			Source: filepath.Join("..", "SeaFreeze_Gibbs.mat"),
		},
	}
}

// Default returns a configuration reproducing the plain packaging script.
func Default() *Config {
	return &Config{
		Python:          DefaultPython,
		OutputDir:       DefaultOutputDir,
		LogLevel:        "info",
		CommandLogLevel: "info",
		Timeout:         DefaultTimeout,
		Files:           DefaultFiles(),
	}
}

// Load reads configuration from the provided path on top of the defaults and validates it.
// A missing file yields an error wrapping ErrNotFound.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigFilename
	}

	contents, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
		}

		return nil, fmt.Errorf("read settings: %w", err)
	}

	cfg := Default()
	if err = yaml.Unmarshal(contents, cfg); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}

	if err = Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save writes cfg to the provided path.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if path == "" {
		path = DefaultConfigFilename
	}

	if err := Validate(cfg); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	if err := os.WriteFile(filepath.Clean(path), data, DefaultFilePermissions); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}

	return nil
}

// ApplyEnv overrides cfg with values from the .env file in workDir and the process
// environment, the latter taking precedence. A missing .env file is ignored.
func ApplyEnv(cfg *Config, workDir string) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	values := make(map[string]string)

	dotEnv, err := godotenv.Read(filepath.Join(workDir, DotEnvFilename))
	switch {
	case err == nil:
		values = dotEnv
	case errors.Is(err, os.ErrNotExist):
	default:
		return fmt.Errorf("read %s: %w", DotEnvFilename, err)
	}

	for _, key := range []string{EnvPython, EnvOutputDir, EnvLogLevel, EnvSkipUpgrade} {
		if v, ok := os.LookupEnv(key); ok {
			values[key] = v
		}
	}

	if v := strings.TrimSpace(values[EnvPython]); v != "" {
		cfg.Python = v
	}

	if v := strings.TrimSpace(values[EnvOutputDir]); v != "" {
		cfg.OutputDir = v
	}

	if v := strings.TrimSpace(values[EnvLogLevel]); v != "" {
		cfg.LogLevel = v
	}

	if v := strings.TrimSpace(values[EnvSkipUpgrade]); v != "" {
		skip, parseErr := strconv.ParseBool(v)
		if parseErr != nil {
			return fmt.Errorf("%s=%q: %w", EnvSkipUpgrade, v, errInvalidSkipUpgrade)
		}

		cfg.SkipUpgrade = skip
	}

	return nil
}

// Validate checks the provided settings for required fields and fills defaults.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if strings.TrimSpace(cfg.Python) == "" {
		return errPythonRequired
	}

	if cfg.OutputDir == "" {
		cfg.OutputDir = DefaultOutputDir
	}

	if !isSubdirectory(cfg.OutputDir) {
		return fmt.Errorf("%q: %w", cfg.OutputDir, errUnsafeOutputDir)
	}

	if cfg.Timeout < 0 {
		return errNegativeTimeout
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	if cfg.CommandLogLevel == "" {
		cfg.CommandLogLevel = "info"
	}

	return validateFiles(cfg.Files, filepath.Clean(cfg.OutputDir))
}

func validateFiles(files []File, outputDir string) error {
	if len(files) == 0 {
		return errNoFiles
	}

	targets := make([]string, 0, len(files))

	for _, f := range files {
		if !isSubdirectory(f.Target) || strings.TrimSpace(f.Source) == "" {
			return fmt.Errorf("%+v: %w", f, errInvalidFile)
		}

		target := filepath.Clean(f.Target)
		if slices.Contains(targets, target) {
			return fmt.Errorf("%s: %w", target, errDuplicateTarget)
		}

		if target == outputDir || strings.HasPrefix(target, outputDir+string(filepath.Separator)) {
			return fmt.Errorf("%s: %w", target, errTargetInOutputDir)
		}

		targets = append(targets, target)
	}

	return nil
}

// isSubdirectory reports whether p is a relative path strictly below the working directory.
func isSubdirectory(p string) bool {
	if strings.TrimSpace(p) == "" || filepath.IsAbs(p) {
		return false
	}

	cleaned := filepath.Clean(p)
	if cleaned == "." || cleaned == ".." {
		return false
	}

	return !strings.HasPrefix(cleaned, ".."+string(filepath.Separator))
}
