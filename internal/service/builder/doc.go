// Package builder drives the Python packaging front end: it resets the
// output directory, upgrades the `build` tooling through pip, runs
// `python -m build` for the sdist and wheel, and lists the resulting
// artifacts with their checksums.
package builder
