// Package staging contains the core types of a packaging run: the auxiliary
// files that have to be present for the build, and the record of what a run
// copied in so that exactly those copies are removed afterwards.
package staging
