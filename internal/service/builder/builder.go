package builder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/magefile/mage/sh"
	"go.uber.org/zap/zapcore"

	"github.com/oshokin/seafreeze-dist/internal/logger"
	"github.com/oshokin/seafreeze-dist/internal/service/common"
)

// ErrNoArtifacts is returned when the build succeeded but left nothing in the output directory.
var ErrNoArtifacts = errors.New("build produced no artifacts")

// Options configures a Builder.
type Options struct {
	// WorkDir is where the package's pyproject.toml / setup.py lives.
	WorkDir string
	// OutputDir is relative to WorkDir.
	OutputDir string
	// Python is the interpreter running pip and build.
	Python string
	// Timeout bounds each command. Zero disables the limit.
	Timeout time.Duration
	// CommandLogLevel is the minimum level at which command output is forwarded.
	CommandLogLevel zapcore.Level
	// Runner executes commands. Defaults to an ExecRunner.
	Runner Runner
}

// Artifact is a file produced by the build front end.
type Artifact struct {
	// Name is the file name inside the output directory.
	Name string `yaml:"name"`
	// Size is the file size in bytes.
	Size int64 `yaml:"size"`
	// Checksum is the base64 SHA-512 of the file.
	Checksum string `yaml:"checksum"`
}

// Builder runs the packaging commands for one working directory.
type Builder struct {
	opts Options
}

// New creates a Builder. Missing options fall back to an ExecRunner.
func New(opts Options) *Builder {
	if opts.Runner == nil {
		opts.Runner = &ExecRunner{
			Env: []string{"PIP_DISABLE_PIP_VERSION_CHECK=1"},
		}
	}

	return &Builder{opts: opts}
}

// OutputPath returns the output directory joined to the working directory.
func (b *Builder) OutputPath() string {
	return filepath.Join(b.opts.WorkDir, b.opts.OutputDir)
}

// ResetOutput removes the output directory and everything in it. Absence is not an error.
func (b *Builder) ResetOutput(ctx context.Context) error {
	path := b.OutputPath()

	if err := sh.Rm(path); err != nil {
		return fmt.Errorf("reset output directory: %w", err)
	}

	logger.InfoKV(ctx, "Output directory reset", "path", path)

	return nil
}

// Upgrade installs the latest packaging front end with pip.
func (b *Builder) Upgrade(ctx context.Context) error {
	logger.Info(ctx, "Upgrading packaging tooling")

	return b.run(ctx, "pip", "-m", "pip", "install", "--upgrade", "build")
}

// Build produces the sdist and wheel in the output directory.
func (b *Builder) Build(ctx context.Context) error {
	logger.InfoKV(ctx, "Building distributions", "output", b.opts.OutputDir)

	return b.run(ctx, "build", "-m", "build", "--sdist", "--wheel", "--outdir", b.opts.OutputDir)
}

// Artifacts lists regular files in the output directory, sorted by name.
func (b *Builder) Artifacts(ctx context.Context) ([]Artifact, error) {
	entries, err := os.ReadDir(b.OutputPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoArtifacts
		}

		return nil, fmt.Errorf("list artifacts: %w", err)
	}

	artifacts := make([]Artifact, 0, len(entries))

	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}

		var info os.FileInfo

		info, err = entry.Info()
		if err != nil {
			return nil, fmt.Errorf("stat artifact %s: %w", entry.Name(), err)
		}

		var sum []byte

		sum, err = common.FileChecksum(filepath.Join(b.OutputPath(), entry.Name()))
		if err != nil {
			return nil, err
		}

		artifacts = append(artifacts, Artifact{
			Name:     entry.Name(),
			Size:     info.Size(),
			Checksum: common.EncodeChecksum(sum),
		})

		logger.InfoKV(ctx, "Artifact", "name", entry.Name(), "bytes", info.Size())
	}

	if len(artifacts) == 0 {
		return nil, ErrNoArtifacts
	}

	sort.Slice(artifacts, func(i, j int) bool {
		return artifacts[i].Name < artifacts[j].Name
	})

	return artifacts, nil
}

// run executes the interpreter with args under the configured timeout and a
// logger named after the step, pinned to the command log level.
func (b *Builder) run(ctx context.Context, step string, args ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if b.opts.Timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, b.opts.Timeout)
		defer cancel()
	}

	cmdLogger := logger.FromContext(ctx).
		Desugar().
		Named(step).
		WithOptions(logger.WithLevel(b.opts.CommandLogLevel)).
		Sugar()

	started := time.Now()

	err := b.opts.Runner.Run(logger.ToContext(ctx, cmdLogger), b.opts.WorkDir, b.opts.Python, args...)
	if err != nil {
		return fmt.Errorf("%s step: %w", step, err)
	}

	logger.DebugKV(ctx, "Command finished", "step", step, "elapsed", time.Since(started))

	return nil
}
