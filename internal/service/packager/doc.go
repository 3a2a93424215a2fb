// Package packager runs the whole distribution build for the SeaFreeze
// Python package: it guards the working directory with a run journal,
// resets the output directory, stages the license and spline files,
// upgrades and runs the build front end, and reports the artifacts.
//
// Staged files are released on every exit path. When a previous run died
// before releasing them, the journal it left behind lets the next run
// remove those copies first.
package packager
