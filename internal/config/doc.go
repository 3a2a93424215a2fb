// Package config defines the settings of a packaging run and provides
// helpers to load, validate and save them in YAML format.
//
// Values come from, in increasing priority: built-in defaults, the YAML
// file, a .env file in the working directory, the process environment.
// Command-line flags are applied on top by the caller.
package config
