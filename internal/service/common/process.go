//nolint:revive,nolintlint // Package name "common" is intentional for shared helpers.
package common

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/go-ps"
)

// commLength is the length the kernel truncates process names to in /proc/<pid>/stat.
const commLength = 15

// CurrentExecutable returns the base name of the running binary.
func CurrentExecutable() string {
	path, err := os.Executable()
	if err != nil {
		path = os.Args[0]
	}

	return filepath.Base(path)
}

// IsRunning reports whether a process other than the current one runs with pid
// and executable. A live process with a different executable is a reused pid.
func IsRunning(pid int, executable string) (bool, error) {
	if pid <= 0 || pid == os.Getpid() || executable == "" {
		return false, nil
	}

	process, err := ps.FindProcess(pid)
	if err != nil {
		return false, err
	}

	if process == nil {
		return false, nil
	}

	return sameExecutable(process.Executable(), executable), nil
}

// sameExecutable compares process names, tolerating kernel truncation and the Windows suffix.
func sameExecutable(running, expected string) bool {
	running = strings.TrimSuffix(strings.ToLower(running), ".exe")
	expected = strings.TrimSuffix(strings.ToLower(expected), ".exe")

	if running == expected {
		return true
	}

	return len(running) == commLength && len(expected) > commLength && strings.HasPrefix(expected, running)
}
