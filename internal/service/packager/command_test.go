package packager

import (
	"context"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/oshokin/seafreeze-dist/internal/config"
	domain "github.com/oshokin/seafreeze-dist/internal/domain/staging"
	"github.com/oshokin/seafreeze-dist/internal/repository/journal"
	"github.com/oshokin/seafreeze-dist/internal/service/builder"
	"github.com/oshokin/seafreeze-dist/internal/service/common"
)

// fakeFrontend imitates pip and `python -m build` inside a working directory.
type fakeFrontend struct {
	t       *testing.T
	workDir string
	// failBuild makes the build step exit with status 1.
	failBuild bool
	// steps records the module invoked with -m for every call.
	steps []string
}

func (f *fakeFrontend) Run(_ context.Context, dir, _ string, args ...string) error {
	f.t.Helper()

	require.Equal(f.t, f.workDir, dir)
	require.GreaterOrEqual(f.t, len(args), 2)

	f.steps = append(f.steps, args[1])

	if args[1] != "build" {
		return nil
	}

	// Everything the build needs has to be staged by now.
	for _, file := range config.DefaultFiles() {
		require.FileExists(f.t, filepath.Join(dir, file.Target))
	}

	if f.failBuild {
		return &builder.CommandError{Command: "python3 -m build", ExitStatus: 1, Ran: true, Err: os.ErrInvalid}
	}

	out := filepath.Join(dir, args[len(args)-1])
	require.NoError(f.t, os.MkdirAll(out, 0o755))
	require.NoError(f.t, os.WriteFile(filepath.Join(out, "SeaFreeze-0.8.0.tar.gz"), []byte("sdist"), 0o644))
	require.NoError(f.t, os.WriteFile(filepath.Join(out, "SeaFreeze-0.8.0-py3-none-any.whl"), []byte("wheel"), 0o644))

	return nil
}

// newRepoLayout creates a SeaFreeze-like checkout and returns its Python directory.
func newRepoLayout(t *testing.T) string {
	t.Helper()

	root := t.TempDir()
	workDir := filepath.Join(root, "Python")

	require.NoError(t, os.MkdirAll(filepath.Join(workDir, "seafreeze"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(workDir, "setup.py"), []byte("import setuptools\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "LICENSE.txt"), []byte("GPLv3\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "SeaFreeze_Gibbs.mat"), []byte("MATLAB 5.0 MAT-file"), 0o644))

	return workDir
}

func auxPaths(workDir string) []string {
	files := config.DefaultFiles()
	paths := make([]string, 0, len(files))

	for _, f := range files {
		paths = append(paths, filepath.Join(workDir, f.Target))
	}

	return paths
}

// TestRun_StagesBuildsAndCleansUp covers staging, build, manifest and cleanup for absent files.
func TestRun_StagesBuildsAndCleansUp(t *testing.T) {
	t.Parallel()

	workDir := newRepoLayout(t)
	frontend := &fakeFrontend{t: t, workDir: workDir}

	cfg := config.Default()
	cfg.Manifest = "dist-manifest.yaml"

	err := Run(context.Background(), &Options{WorkDir: workDir, Config: cfg, Runner: frontend})
	require.NoError(t, err)

	require.Equal(t, []string{"pip", "build"}, frontend.steps)

	for _, path := range auxPaths(workDir) {
		require.NoFileExists(t, path)
	}

	require.FileExists(t, filepath.Join(workDir, "dist", "SeaFreeze-0.8.0.tar.gz"))
	require.NoFileExists(t, filepath.Join(workDir, journal.DefaultFilename))

	contents, err := os.ReadFile(filepath.Join(workDir, "dist-manifest.yaml"))
	require.NoError(t, err)

	var manifest Manifest
	require.NoError(t, yaml.Unmarshal(contents, &manifest))
	require.Len(t, manifest.Artifacts, 2)
	require.Equal(t, "python3", manifest.Python)
	require.ElementsMatch(t, []string{
		"LICENSE.txt",
		filepath.Join("seafreeze", "SeaFreeze_Gibbs.mat"),
	}, manifest.Staged)
}

// TestRun_KeepsPreexistingFiles never deletes files that were there before.
func TestRun_KeepsPreexistingFiles(t *testing.T) {
	t.Parallel()

	workDir := newRepoLayout(t)
	paths := auxPaths(workDir)

	for _, path := range paths {
		require.NoError(t, os.WriteFile(path, []byte("local"), 0o644))
	}

	err := Run(context.Background(), &Options{WorkDir: workDir, Runner: &fakeFrontend{t: t, workDir: workDir}})
	require.NoError(t, err)

	for _, path := range paths {
		got, readErr := os.ReadFile(path)
		require.NoError(t, readErr)
		require.Equal(t, "local", string(got))
	}
}

// TestRun_BuildFailureStillCleansUp checks that a failing build does not leave staged copies behind.
func TestRun_BuildFailureStillCleansUp(t *testing.T) {
	t.Parallel()

	workDir := newRepoLayout(t)
	frontend := &fakeFrontend{t: t, workDir: workDir, failBuild: true}

	err := Run(context.Background(), &Options{WorkDir: workDir, Runner: frontend})

	var cmdErr *builder.CommandError
	require.ErrorAs(t, err, &cmdErr)

	for _, path := range auxPaths(workDir) {
		require.NoFileExists(t, path)
	}

	require.NoFileExists(t, filepath.Join(workDir, journal.DefaultFilename))
}

// TestRun_ResetsOutputDirectory drops pre-run contents of the output directory.
func TestRun_ResetsOutputDirectory(t *testing.T) {
	t.Parallel()

	workDir := newRepoLayout(t)
	stale := filepath.Join(workDir, "dist", "SeaFreeze-0.7.0.tar.gz")
	require.NoError(t, os.MkdirAll(filepath.Dir(stale), 0o755))
	require.NoError(t, os.WriteFile(stale, []byte("old"), 0o644))

	err := Run(context.Background(), &Options{WorkDir: workDir, Runner: &fakeFrontend{t: t, workDir: workDir}})
	require.NoError(t, err)

	require.NoFileExists(t, stale)
}

// TestRun_TwiceIsIdempotent leaves the auxiliary files as they were before the first run.
func TestRun_TwiceIsIdempotent(t *testing.T) {
	t.Parallel()

	workDir := newRepoLayout(t)
	license := auxPaths(workDir)[0]
	require.NoError(t, os.WriteFile(license, []byte("local"), 0o644))

	cfg := config.Default()
	cfg.SkipUpgrade = true

	for i := 0; i < 2; i++ {
		frontend := &fakeFrontend{t: t, workDir: workDir}
		require.NoError(t, Run(context.Background(), &Options{WorkDir: workDir, Config: cfg, Runner: frontend}))
		require.Equal(t, []string{"build"}, frontend.steps)
	}

	require.FileExists(t, license)
	require.NoFileExists(t, auxPaths(workDir)[1])
}

// TestRun_MissingSource reports the missing source and builds nothing.
func TestRun_MissingSource(t *testing.T) {
	t.Parallel()

	workDir := newRepoLayout(t)
	require.NoError(t, os.Remove(filepath.Join(workDir, "..", "SeaFreeze_Gibbs.mat")))

	frontend := &fakeFrontend{t: t, workDir: workDir}

	err := Run(context.Background(), &Options{WorkDir: workDir, Runner: frontend})
	require.Error(t, err)
	require.Empty(t, frontend.steps)

	for _, path := range auxPaths(workDir) {
		require.NoFileExists(t, path)
	}
}

// TestRun_RecoversStaleJournal removes unmodified leftovers of a dead run and keeps edited ones.
func TestRun_RecoversStaleJournal(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	workDir := newRepoLayout(t)
	paths := auxPaths(workDir)

	// Leftover copy identical to its source.
	require.NoError(t, os.WriteFile(paths[0], []byte("GPLv3\n"), 0o644))
	sum, err := common.FileChecksum(paths[0])
	require.NoError(t, err)

	// Leftover copy edited after the crash.
	require.NoError(t, os.WriteFile(paths[1], []byte("edited"), 0o644))

	repo := journal.NewFileRepository(filepath.Join(workDir, journal.DefaultFilename))
	require.NoError(t, repo.Save(ctx, &domain.Journal{
		PID:       math.MaxInt32,
		StartedAt: time.Now().Add(-time.Hour).UTC(),
		Files: []domain.File{
			{Entry: domain.Entry{Target: "LICENSE.txt"}, Copied: true, Checksum: common.EncodeChecksum(sum)},
			{Entry: domain.Entry{Target: filepath.Join("seafreeze", "SeaFreeze_Gibbs.mat")}, Copied: true, Checksum: "bm90IGl0"},
		},
	}))

	err = Run(ctx, &Options{WorkDir: workDir, Journal: repo, Runner: &fakeFrontend{t: t, workDir: workDir}})
	require.NoError(t, err)

	require.NoFileExists(t, paths[0])

	got, err := os.ReadFile(paths[1])
	require.NoError(t, err)
	require.Equal(t, "edited", string(got))

	_, err = repo.Load(ctx)
	require.ErrorIs(t, err, journal.ErrNotFound)
}

// sleeperEnv makes TestSleeperProcess block so it can stand in for a concurrent run.
const sleeperEnv = "SEAFREEZE_DIST_TEST_SLEEPER"

// TestSleeperProcess is not a real test: it is started by startConcurrentRun as
// a second copy of this binary and returns immediately otherwise.
func TestSleeperProcess(t *testing.T) {
	t.Parallel()

	if os.Getenv(sleeperEnv) != "1" {
		return
	}

	time.Sleep(time.Minute)
}

// startConcurrentRun launches another process of the current executable and returns its pid.
func startConcurrentRun(t *testing.T) int {
	t.Helper()

	cmd := exec.Command(os.Args[0], "-test.run=^TestSleeperProcess$") //nolint:gosec // Re-executes the test binary.
	cmd.Env = append(os.Environ(), sleeperEnv+"=1")
	require.NoError(t, cmd.Start())

	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	})

	return cmd.Process.Pid
}

// TestRun_LiveJournalBlocks refuses to run while another process of this binary owns the journal.
func TestRun_LiveJournalBlocks(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	workDir := newRepoLayout(t)
	pid := startConcurrentRun(t)

	repo := journal.NewFileRepository(filepath.Join(workDir, journal.DefaultFilename))
	require.NoError(t, repo.Save(ctx, &domain.Journal{
		PID:        pid,
		Executable: common.CurrentExecutable(),
		StartedAt:  time.Now().UTC(),
	}))

	frontend := &fakeFrontend{t: t, workDir: workDir}

	err := Run(ctx, &Options{WorkDir: workDir, Journal: repo, Runner: frontend})
	require.ErrorIs(t, err, ErrAlreadyRunning)
	require.Empty(t, frontend.steps)

	// The other run's journal stays.
	j, err := repo.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, pid, j.PID)
}

// TestRun_ReusedPIDIsStale recovers a journal whose pid now belongs to an unrelated live process.
func TestRun_ReusedPIDIsStale(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	workDir := newRepoLayout(t)
	license := auxPaths(workDir)[0]

	require.NoError(t, os.WriteFile(license, []byte("GPLv3\n"), 0o644))
	sum, err := common.FileChecksum(license)
	require.NoError(t, err)

	repo := journal.NewFileRepository(filepath.Join(workDir, journal.DefaultFilename))
	require.NoError(t, repo.Save(ctx, &domain.Journal{
		// The parent is alive but it is the test driver, not this binary.
		PID:        os.Getppid(),
		Executable: common.CurrentExecutable(),
		StartedAt:  time.Now().Add(-24 * time.Hour).UTC(),
		Files: []domain.File{
			{Entry: domain.Entry{Target: "LICENSE.txt"}, Copied: true, Checksum: common.EncodeChecksum(sum)},
		},
	}))

	frontend := &fakeFrontend{t: t, workDir: workDir}

	require.NoError(t, Run(ctx, &Options{WorkDir: workDir, Journal: repo, Runner: frontend}))
	require.Equal(t, []string{"pip", "build"}, frontend.steps)
	require.NoFileExists(t, license)

	_, err = repo.Load(ctx)
	require.ErrorIs(t, err, journal.ErrNotFound)
}

// TestRun_RecoversInterruptedCopy removes an old empty placeholder and the temporary
// siblings of the copy, while a fresh empty file is left alone.
func TestRun_RecoversInterruptedCopy(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	workDir := newRepoLayout(t)
	paths := auxPaths(workDir)
	startedAt := time.Now().Add(-time.Hour).UTC()

	// Placeholder created while the dead run was staging.
	require.NoError(t, os.WriteFile(paths[1], nil, 0o644))
	require.NoError(t, os.Chtimes(paths[1], startedAt.Add(time.Second), startedAt.Add(time.Second)))

	splineDir, splineName := filepath.Split(paths[1])
	newSibling := filepath.Join(splineDir, "."+splineName+".new")
	oldSibling := filepath.Join(splineDir, "."+splineName+".old")
	require.NoError(t, os.WriteFile(newSibling, []byte("MATLAB"), 0o644))
	require.NoError(t, os.WriteFile(oldSibling, nil, 0o644))

	// Empty file created by someone else long after that run.
	require.NoError(t, os.WriteFile(paths[0], nil, 0o644))

	repo := journal.NewFileRepository(filepath.Join(workDir, journal.DefaultFilename))
	require.NoError(t, repo.Save(ctx, &domain.Journal{
		PID:       math.MaxInt32,
		StartedAt: startedAt,
		Files: []domain.File{
			{Entry: domain.Entry{Target: "LICENSE.txt"}, Copied: true, Checksum: "R1BMdjMK"},
			{Entry: domain.Entry{Target: filepath.Join("seafreeze", "SeaFreeze_Gibbs.mat")}, Copied: true, Checksum: "TUFUTEFC"},
		},
	}))

	require.NoError(t, Run(ctx, &Options{WorkDir: workDir, Journal: repo, Runner: &fakeFrontend{t: t, workDir: workDir}}))

	require.NoFileExists(t, newSibling)
	require.NoFileExists(t, oldSibling)
	// Recovered, then staged and released again by this run.
	require.NoFileExists(t, paths[1])

	info, err := os.Stat(paths[0])
	require.NoError(t, err)
	require.Zero(t, info.Size())
}

// TestRun_InvalidWorkDir fails before touching anything.
func TestRun_InvalidWorkDir(t *testing.T) {
	t.Parallel()

	file := filepath.Join(t.TempDir(), "setup.py")
	require.NoError(t, os.WriteFile(file, nil, 0o644))

	err := Run(context.Background(), &Options{WorkDir: file, Runner: new(fakeFrontend)})
	require.ErrorIs(t, err, errWorkDirNotDirectory)

	err = Run(context.Background(), &Options{WorkDir: filepath.Join(t.TempDir(), "missing")})
	require.ErrorIs(t, err, os.ErrNotExist)
}
