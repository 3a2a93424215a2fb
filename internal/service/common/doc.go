// Package common holds helpers shared by several services: SHA-512 file
// checksums in their base64 form and a check whether a pid still belongs
// to a given executable.
//
//nolint:revive,nolintlint // Package name "common" is intentional for shared helpers.
package common
