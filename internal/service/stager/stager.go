package stager

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	goupdate "github.com/doitdistributed/go-update"
	"github.com/magefile/mage/sh"

	domain "github.com/oshokin/seafreeze-dist/internal/domain/staging"
	"github.com/oshokin/seafreeze-dist/internal/logger"
	"github.com/oshokin/seafreeze-dist/internal/service/common"
)

var (
	// ErrSourceMissing is returned when a file is absent and so is its copy source.
	ErrSourceMissing = errors.New("auxiliary file source not found")
	// ErrTargetDirMissing is returned when the directory expected to hold a file does not exist.
	ErrTargetDirMissing = errors.New("target directory not found")

	errNotRegular = errors.New("not a regular file")
)

// Observer is notified with the synthetic copies planned so far, before each copy starts.
type Observer func(ctx context.Context, synthetic []domain.File) error

// Option configures Stage.
type Option func(*Staging)

// WithObserver registers an Observer, typically persisting the run journal.
func WithObserver(observer Observer) Option {
	return func(s *Staging) {
		s.observer = observer
	}
}

// Staging is the result of Stage. It owns the synthetic copies until Release.
type Staging struct {
	// dir is the working directory all entry paths are relative to.
	dir string
	// files holds the outcome per entry, in staging order.
	files []domain.File
	// observer is optional.
	observer Observer

	mu       sync.Mutex
	released bool
}

// Stage ensures every entry is present under dir. Missing files are copied from
// their source; the copy is written atomically and verified against the source checksum.
// On failure, copies already made are released before the error is returned.
func Stage(ctx context.Context, dir string, entries []domain.Entry, opts ...Option) (*Staging, error) {
	s := &Staging{
		dir:   dir,
		files: make([]domain.File, 0, len(entries)),
	}

	for _, opt := range opts {
		opt(s)
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, s.abort(ctx, err)
		}

		if err := s.stageOne(ctx, entry); err != nil {
			return nil, s.abort(ctx, err)
		}
	}

	return s, nil
}

// Files returns the outcome for every entry.
func (s *Staging) Files() []domain.File {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]domain.File(nil), s.files...)
}

// Release removes the files copied in by Stage. It is safe to call more than once.
func (s *Staging) Release(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return nil
	}

	s.released = true

	var errs []error

	for i := len(s.files) - 1; i >= 0; i-- {
		f := s.files[i]
		if !f.Copied {
			continue
		}

		if err := sh.Rm(s.path(f.Target)); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", f.Target, err))
			continue
		}

		logger.InfoKV(ctx, "Removed staged file", "file", f.Target)
	}

	return errors.Join(errs...)
}

func (s *Staging) stageOne(ctx context.Context, entry domain.Entry) error {
	target := s.path(entry.Target)

	info, err := os.Stat(target)
	switch {
	case err == nil:
		if !info.Mode().IsRegular() {
			return fmt.Errorf("%s: %w", entry.Target, errNotRegular)
		}

		return s.keepExisting(ctx, entry, target)
	case !errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("stat %s: %w", entry.Target, err)
	}

	if _, err = os.Stat(filepath.Dir(target)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%s: %w", filepath.Dir(entry.Target), ErrTargetDirMissing)
		}

		return fmt.Errorf("stat %s: %w", filepath.Dir(entry.Target), err)
	}

	return s.copyIn(ctx, entry, target)
}

func (s *Staging) keepExisting(ctx context.Context, entry domain.Entry, target string) error {
	sum, err := common.FileChecksum(target)
	if err != nil {
		return err
	}

	s.append(domain.File{
		Entry:    entry,
		Checksum: common.EncodeChecksum(sum),
	})

	logger.InfoKV(ctx, "Auxiliary file already present", "file", entry.Target)

	return nil
}

func (s *Staging) copyIn(ctx context.Context, entry domain.Entry, target string) error {
	source := s.path(entry.Source)

	sourceInfo, err := os.Stat(source)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%s (for %s): %w", entry.Source, entry.Target, ErrSourceMissing)
		}

		return fmt.Errorf("stat %s: %w", entry.Source, err)
	}

	if !sourceInfo.Mode().IsRegular() {
		return fmt.Errorf("%s: %w", entry.Source, errNotRegular)
	}

	data, err := os.ReadFile(filepath.Clean(source))
	if err != nil {
		return fmt.Errorf("read %s: %w", entry.Source, err)
	}

	hasher := common.ChecksumFunction.New()
	_, _ = hasher.Write(data)
	sum := hasher.Sum(nil)

	file := domain.File{
		Entry:    entry,
		Copied:   true,
		Checksum: common.EncodeChecksum(sum),
	}

	if s.observer != nil {
		if err = s.observer(ctx, append(s.synthetic(), file)); err != nil {
			return fmt.Errorf("record %s: %w", entry.Target, err)
		}
	}

	// go-update swaps the new content in by renaming the current target away,
	// so an empty placeholder has to exist first.
	placeholder, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, sourceInfo.Mode().Perm())
	if err != nil {
		return fmt.Errorf("create %s: %w", entry.Target, err)
	}

	// From here on the target belongs to this run, even if the copy fails.
	s.append(file)

	if err = placeholder.Close(); err != nil {
		return fmt.Errorf("create %s: %w", entry.Target, err)
	}

	options := goupdate.Options{
		TargetPath: target,
		TargetMode: sourceInfo.Mode().Perm(),
		Checksum:   sum,
		Hash:       common.ChecksumFunction,
	}

	if err = goupdate.Apply(bytes.NewReader(data), options); err != nil {
		return fmt.Errorf("copy %s to %s: %w", entry.Source, entry.Target, err)
	}

	logger.InfoKV(ctx, "Staged auxiliary file", "file", entry.Target, "source", entry.Source, "bytes", len(data))

	return nil
}

// abort releases whatever was copied and combines the failure with cleanup errors.
func (s *Staging) abort(ctx context.Context, cause error) error {
	if err := s.Release(ctx); err != nil {
		return errors.Join(cause, fmt.Errorf("release after failed staging: %w", err))
	}

	return cause
}

func (s *Staging) append(f domain.File) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.files = append(s.files, f)
}

func (s *Staging) synthetic() []domain.File {
	s.mu.Lock()
	defer s.mu.Unlock()

	return domain.Synthetic(s.files)
}

// TemporarySiblings returns the files an interrupted atomic copy to target can leave next to it.
func TemporarySiblings(target string) []string {
	dir, name := filepath.Split(target)

	return []string{
		filepath.Join(dir, "."+name+".new"),
		filepath.Join(dir, "."+name+".old"),
	}
}

func (s *Staging) path(rel string) string {
	return filepath.Join(s.dir, rel)
}
