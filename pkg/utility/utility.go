// Package utility runs the long-lived helper operations that prepare a host
// for deployments from a trusted or offline registry. At most one run of each
// operation may be active per host.
package utility

import (
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Name identifies a utility operation.
type Name string

const (
	PrepullImages       Name = "prepull-images"
	ActivateOfflineMode Name = "activate-offline-mode"
)

// Names lists every utility.
var Names = []Name{PrepullImages, ActivateOfflineMode}

// ParseName resolves a utility name.
func ParseName(s string) (Name, error) {
	for _, n := range Names {
		if string(n) == s {
			return n, nil
		}
	}
	return "", fmt.Errorf("unknown utility %q (available: %s, %s)", s, PrepullImages, ActivateOfflineMode)
}

// Status values written to an operation's status file.
const (
	StatusFile      = "status"
	StatusUnknown   = "unknown"
	StatusCompleted = "completed"
)

// Root returns the directory holding every utility's working directory.
func Root(scriptsDir string) string {
	return filepath.Join(scriptsDir, "utilities")
}

// Dir returns the working directory of a utility.
func Dir(scriptsDir string, name Name) string {
	return filepath.Join(Root(scriptsDir), string(name))
}

// ArchivePath returns where activate-offline-mode leaves its registry archive.
func ArchivePath(scriptsDir string) string {
	return filepath.Join(Root(scriptsDir), string(ActivateOfflineMode)+".tar.gz")
}

// Status returns the last recorded step of a utility, or "unknown".
func Status(scriptsDir string, name Name) string {
	data, err := os.ReadFile(filepath.Join(Dir(scriptsDir, name), StatusFile))
	if err != nil {
		return StatusUnknown
	}
	return strings.TrimSpace(string(data))
}

// Ready reports whether a utility has completed, which deployments using its
// output require.
func Ready(scriptsDir string, name Name) error {
	artifact := Dir(scriptsDir, name)
	if name == ActivateOfflineMode {
		artifact = ArchivePath(scriptsDir)
	}
	_, err := os.Stat(artifact)
	if err == nil && Status(scriptsDir, name) == StatusCompleted {
		return nil
	}
	if err != nil && !stderrors.Is(err, os.ErrNotExist) {
		return err
	}
	return fmt.Errorf("stackctl is not ready to deploy from the %s output yet; run 'stackctl utilities %s --help' first", name, name)
}

func setStatus(dir, status string) error {
	return os.WriteFile(filepath.Join(dir, StatusFile), []byte(status), 0644)
}
