package packager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/magefile/mage/sh"
	"gopkg.in/yaml.v3"

	"github.com/oshokin/seafreeze-dist/internal/config"
	domain "github.com/oshokin/seafreeze-dist/internal/domain/staging"
	"github.com/oshokin/seafreeze-dist/internal/logger"
	"github.com/oshokin/seafreeze-dist/internal/repository/journal"
	"github.com/oshokin/seafreeze-dist/internal/service/builder"
	"github.com/oshokin/seafreeze-dist/internal/service/common"
	"github.com/oshokin/seafreeze-dist/internal/service/stager"
	"github.com/oshokin/seafreeze-dist/internal/version"
)

// Options contains inputs for the packager entry point.
type Options struct {
	// WorkDir is the directory holding the Python package sources. Defaults to ".".
	WorkDir string
	// Config holds the run settings. Defaults to config.Default().
	Config *config.Config
	// Runner executes external commands. Defaults to builder.ExecRunner.
	Runner builder.Runner
	// Journal stores the run journal. Defaults to a file in WorkDir.
	Journal journal.Repository
}

// Manifest is the YAML summary written after a successful build.
type Manifest struct {
	// Tool is the seafreeze-dist version that produced the build.
	Tool string `yaml:"tool"`
	// BuiltAt is the UTC completion time.
	BuiltAt time.Time `yaml:"built_at"`
	// Python is the interpreter used.
	Python string `yaml:"python"`
	// OutputDir is where the artifacts are.
	OutputDir string `yaml:"output_dir"`
	// Artifacts lists the produced files.
	Artifacts []builder.Artifact `yaml:"artifacts"`
	// Staged lists the auxiliary files copied in for the build.
	Staged []string `yaml:"staged,omitempty"`
}

// placeholderWindow bounds how long after a run starts its empty staging
// placeholders can appear. Older empty files are recovered, newer ones are kept.
const placeholderWindow = 10 * time.Minute

var (
	// ErrAlreadyRunning indicates that another run holds the journal of the working directory.
	ErrAlreadyRunning = errors.New("another packaging run is in progress")

	errWorkDirNotDirectory = errors.New("working directory is not a directory")
)

// packager holds the state of a single run.
// It is unexported, callers should use Run.
type packager struct {
	workDir string
	cfg     *config.Config
	journal journal.Repository
	builder *builder.Builder

	// startedAt is recorded in the journal.
	startedAt time.Time
	// keepJournal is set when staged files could not be released.
	keepJournal bool
}

// Run executes the packaging workflow.
func Run(ctx context.Context, opts *Options) error {
	// Set context with logger name for tracking.
	ctx = logger.WithName(ctx, "seafreeze-dist")

	pkg, err := newPackager(ctx, opts)
	if err != nil {
		return fmt.Errorf("initialize packager: %w", err)
	}

	defer pkg.finish(ctx)

	if err = pkg.Run(ctx); err != nil {
		return fmt.Errorf("packager failed: %w", err)
	}

	logger.Info(ctx, "Packaging completed successfully")

	return nil
}

// newPackager validates inputs, recovers a stale journal and claims the working directory.
func newPackager(ctx context.Context, opts *Options) (*packager, error) {
	if opts == nil {
		opts = new(Options)
	}

	workDir := opts.WorkDir
	if workDir == "" {
		workDir = "."
	}

	info, err := os.Stat(workDir)
	if err != nil {
		return nil, fmt.Errorf("working directory: %w", err)
	}

	if !info.IsDir() {
		return nil, fmt.Errorf("%s: %w", workDir, errWorkDirNotDirectory)
	}

	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}

	if err = config.Validate(cfg); err != nil {
		return nil, err
	}

	commandLevel, ok := logger.ParseLogLevel(cfg.CommandLogLevel)
	if !ok {
		return nil, fmt.Errorf("unknown command log level %q", cfg.CommandLogLevel)
	}

	repo := opts.Journal
	if repo == nil {
		repo = journal.NewFileRepository(filepath.Join(workDir, journal.DefaultFilename))
	}

	pkg := &packager{
		workDir: workDir,
		cfg:     cfg,
		journal: repo,
		builder: builder.New(builder.Options{
			WorkDir:         workDir,
			OutputDir:       cfg.OutputDir,
			Python:          cfg.Python,
			Timeout:         cfg.Timeout,
			CommandLogLevel: commandLevel,
			Runner:          opts.Runner,
		}),
		startedAt: time.Now().UTC(),
	}

	if err = pkg.claim(ctx); err != nil {
		return nil, err
	}

	return pkg, nil
}

// Run performs the build with staged files released on every exit path.
func (p *packager) Run(ctx context.Context) (err error) {
	if err = p.builder.ResetOutput(ctx); err != nil {
		return err
	}

	logger.Info(ctx, "Staging auxiliary files")

	staging, err := stager.Stage(ctx, p.workDir, p.entries(), stager.WithObserver(p.record))
	if err != nil {
		return fmt.Errorf("stage auxiliary files: %w", err)
	}

	defer func() {
		if releaseErr := staging.Release(ctx); releaseErr != nil {
			p.keepJournal = true
			err = errors.Join(err, fmt.Errorf("release staged files: %w", releaseErr))
		}
	}()

	if p.cfg.SkipUpgrade {
		logger.Info(ctx, "Skipping packaging tooling upgrade")
	} else if err = p.builder.Upgrade(ctx); err != nil {
		return err
	}

	if err = p.builder.Build(ctx); err != nil {
		return err
	}

	artifacts, err := p.builder.Artifacts(ctx)
	if err != nil {
		return err
	}

	if p.cfg.Manifest == "" {
		return nil
	}

	return p.writeManifest(ctx, artifacts, domain.Synthetic(staging.Files()))
}

// claim refuses to run next to a live run, cleans up after a dead one and writes a fresh journal.
func (p *packager) claim(ctx context.Context) error {
	previous, err := p.journal.Load(ctx)

	switch {
	case errors.Is(err, journal.ErrNotFound):
	case err != nil:
		return fmt.Errorf("inspect run journal: %w", err)
	default:
		running, runningErr := common.IsRunning(previous.PID, previous.Executable)
		if runningErr != nil {
			return fmt.Errorf("inspect process %d: %w", previous.PID, runningErr)
		}

		if running {
			return fmt.Errorf("pid %d (%s) since %s: %w",
				previous.PID, previous.Executable, previous.StartedAt.Format(time.RFC3339), ErrAlreadyRunning)
		}

		logger.WarnKV(ctx, "Found journal of an interrupted run, recovering",
			"pid", previous.PID, "executable", previous.Executable, "started_at", previous.StartedAt)

		if err = p.recover(ctx, previous); err != nil {
			return err
		}
	}

	return p.record(ctx, nil)
}

// recover removes synthetic copies left by an interrupted run, together with the
// temporary siblings of an interrupted atomic copy. A copy is only removed when it
// still carries the recorded content, or when it is an empty placeholder created
// while that run was staging.
func (p *packager) recover(ctx context.Context, previous *domain.Journal) error {
	for _, f := range previous.Files {
		path := filepath.Join(p.workDir, f.Target)

		for _, sibling := range stager.TemporarySiblings(path) {
			if err := p.removeLeftover(ctx, sibling); err != nil {
				return err
			}
		}

		info, err := os.Stat(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}

		if err != nil {
			return fmt.Errorf("stat %s: %w", f.Target, err)
		}

		leftover, err := isLeftover(path, info, f, previous.StartedAt)
		if err != nil {
			return err
		}

		if !leftover {
			logger.WarnKV(ctx, "Leaving modified file in place", "file", f.Target)
			continue
		}

		if err = p.removeLeftover(ctx, path); err != nil {
			return err
		}
	}

	return nil
}

// isLeftover reports whether the file at path is still what the interrupted run put there.
func isLeftover(path string, info os.FileInfo, f domain.File, startedAt time.Time) (bool, error) {
	if info.Size() == 0 {
		return !info.ModTime().After(startedAt.Add(placeholderWindow)), nil
	}

	sum, err := common.FileChecksum(path)
	if err != nil {
		return false, err
	}

	return common.EncodeChecksum(sum) == f.Checksum, nil
}

func (p *packager) removeLeftover(ctx context.Context, path string) error {
	if _, err := os.Lstat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}

	if err := sh.Rm(path); err != nil {
		return fmt.Errorf("remove %s: %w", path, err)
	}

	logger.InfoKV(ctx, "Removed file left by interrupted run", "file", path)

	return nil
}

// record persists the journal with the synthetic copies known so far.
func (p *packager) record(ctx context.Context, synthetic []domain.File) error {
	return p.journal.Save(ctx, &domain.Journal{
		PID:        os.Getpid(),
		Executable: common.CurrentExecutable(),
		StartedAt:  p.startedAt,
		Files:      synthetic,
	})
}

// finish drops the journal unless staged files could not be released.
func (p *packager) finish(ctx context.Context) {
	if p.keepJournal {
		logger.Warn(ctx, "Keeping run journal so the next run can remove leftover staged files")
		return
	}

	if err := p.journal.Delete(ctx); err != nil {
		logger.ErrorKV(ctx, "Remove run journal", "error", err)
	}
}

func (p *packager) entries() []domain.Entry {
	entries := make([]domain.Entry, 0, len(p.cfg.Files))
	for _, f := range p.cfg.Files {
		entries = append(entries, domain.Entry{
			Target: f.Target,
			Source: f.Source,
		})
	}

	return entries
}

// writeManifest stores the artifact list as YAML at the configured path.
func (p *packager) writeManifest(ctx context.Context, artifacts []builder.Artifact, staged []domain.File) error {
	manifest := &Manifest{
		Tool:      version.Short(),
		BuiltAt:   time.Now().UTC(),
		Python:    p.cfg.Python,
		OutputDir: p.cfg.OutputDir,
		Artifacts: artifacts,
	}

	for _, f := range staged {
		manifest.Staged = append(manifest.Staged, f.Target)
	}

	contents, err := yaml.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}

	path := p.cfg.Manifest
	if !filepath.IsAbs(path) {
		path = filepath.Join(p.workDir, path)
	}

	if err = os.WriteFile(path, contents, config.DefaultFilePermissions); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}

	logger.InfoKV(ctx, "Saved manifest", "path", path, "artifacts", len(artifacts))

	return nil
}
