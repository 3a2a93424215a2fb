// Package stager places the auxiliary files a build needs next to the
// package sources and removes them again afterwards.
//
// Stage copies every missing file from its source and returns a Staging.
// Release deletes exactly the files Stage copied in; files that existed
// before are never touched. Callers defer Release right after a successful
// Stage so the copies disappear on every exit path.
package stager
