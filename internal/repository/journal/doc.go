// Package journal persists the run journal (lock file) of a packaging run.
//
// The FileRepository stores the journal as YAML on disk and exposes a
// Repository interface that the packager depends on.
package journal
