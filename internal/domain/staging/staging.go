package staging

import "time"

// Entry is an auxiliary file required by the build.
type Entry struct {
	// Target is where the build expects the file.
	Target string
	// Source is where the file is copied from when Target is absent.
	Source string
}

// File is the outcome of staging one Entry.
type File struct {
	Entry
	// Copied is true when the file did not exist and was copied in by this run.
	Copied bool
	// Checksum is the base64 SHA-512 of the staged file.
	Checksum string
}

// Synthetic returns the files that were copied in by the run.
func Synthetic(files []File) []File {
	result := make([]File, 0, len(files))

	for _, f := range files {
		if f.Copied {
			result = append(result, f)
		}
	}

	return result
}

// Journal describes an in-progress run so that a later run can recover
// synthetic copies left behind by a process that died before cleanup.
type Journal struct {
	// PID is the process identifier of the run owning the journal.
	PID int
	// Executable is the base name of the binary owning the journal.
	Executable string
	// StartedAt is when the run started.
	StartedAt time.Time
	// Files are the synthetic copies made so far.
	Files []File
}
