package journal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/oshokin/seafreeze-dist/internal/config"
	domain "github.com/oshokin/seafreeze-dist/internal/domain/staging"
)

// DefaultFilename is the journal name inside the working directory.
const DefaultFilename = ".seafreeze-dist.lock"

// Repository defines persistence operations for the run journal.
type Repository interface {
	Load(ctx context.Context) (*domain.Journal, error)
	Save(ctx context.Context, journal *domain.Journal) error
	Delete(ctx context.Context) error
}

// FileRepository persists the journal to a YAML file on disk.
type FileRepository struct {
	// path is the filesystem location of the journal.
	path string
	// mu protects concurrent access to the journal file.
	mu sync.Mutex
}

// ErrNotFound is returned when no journal exists.
var ErrNotFound = errors.New("journal not found")

// record is the on-disk representation of a journal.
type record struct {
	PID        int          `yaml:"pid"`
	Executable string       `yaml:"executable"`
	StartedAt  time.Time    `yaml:"started_at"`
	Files      []fileRecord `yaml:"files"`
}

type fileRecord struct {
	Target   string `yaml:"target"`
	Source   string `yaml:"source"`
	Checksum string `yaml:"checksum"`
}

// NewFileRepository creates a repository that reads/writes YAML at the provided path.
func NewFileRepository(path string) *FileRepository {
	return &FileRepository{
		path: filepath.Clean(path),
	}
}

// Path returns the journal location.
func (r *FileRepository) Path() string {
	return r.path
}

// Load reads the journal from disk.
func (r *FileRepository) Load(_ context.Context) (*domain.Journal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	contents, err := os.ReadFile(r.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("read journal: %w", err)
	}

	var rec record
	if err = yaml.Unmarshal(contents, &rec); err != nil {
		return nil, fmt.Errorf("decode journal: %w", err)
	}

	return fromRecord(&rec), nil
}

// Save writes the journal to disk, replacing any previous content.
func (r *FileRepository) Save(_ context.Context, journal *domain.Journal) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := yaml.Marshal(toRecord(journal))
	if err != nil {
		return fmt.Errorf("encode journal: %w", err)
	}

	tmp := r.path + ".tmp"
	if err = os.WriteFile(tmp, data, config.DefaultFilePermissions); err != nil {
		return fmt.Errorf("write journal: %w", err)
	}

	if err = os.Rename(tmp, r.path); err != nil {
		_ = os.Remove(tmp)

		return fmt.Errorf("replace journal: %w", err)
	}

	return nil
}

// Delete removes the journal. A missing journal is not an error.
func (r *FileRepository) Delete(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.Remove(r.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove journal: %w", err)
	}

	return nil
}

func fromRecord(rec *record) *domain.Journal {
	files := make([]domain.File, 0, len(rec.Files))
	for _, f := range rec.Files {
		files = append(files, domain.File{
			Entry: domain.Entry{
				Target: f.Target,
				Source: f.Source,
			},
			Copied:   true,
			Checksum: f.Checksum,
		})
	}

	return &domain.Journal{
		PID:        rec.PID,
		Executable: rec.Executable,
		StartedAt:  rec.StartedAt,
		Files:      files,
	}
}

// toRecord keeps only synthetic copies: pre-existing files are never touched by recovery.
func toRecord(journal *domain.Journal) *record {
	synthetic := domain.Synthetic(journal.Files)

	files := make([]fileRecord, 0, len(synthetic))
	for _, f := range synthetic {
		files = append(files, fileRecord{
			Target:   f.Target,
			Source:   f.Source,
			Checksum: f.Checksum,
		})
	}

	return &record{
		PID:        journal.PID,
		Executable: journal.Executable,
		StartedAt:  journal.StartedAt,
		Files:      files,
	}
}
