package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// MarkerFile is the name of the marker placed in an operation's directory.
const MarkerFile = ".lock"

// ErrAlreadyRunning is returned when a marker is already present.
var ErrAlreadyRunning = errors.New("operation already running")

// Marker is a rejecting lock: acquisition fails instead of waiting when
// another run holds it.
type Marker struct {
	dir string
	id  string
}

// AcquireMarker places the marker in dir, creating dir if needed.
func AcquireMarker(dir string) (*Marker, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", dir, err)
	}

	path := filepath.Join(dir, MarkerFile)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%w: marker %s exists", ErrAlreadyRunning, path)
		}
		return nil, fmt.Errorf("failed to create marker %s: %w", path, err)
	}
	defer f.Close()

	id := uuid.New().String()
	if _, err := f.WriteString(id + "\n"); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("failed to write marker %s: %w", path, err)
	}

	return &Marker{dir: dir, id: id}, nil
}

// Held reports whether a marker is present in dir.
func Held(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, MarkerFile))
	return err == nil
}

// ID returns the run id written into the marker.
func (m *Marker) ID() string {
	return m.id
}

// Release removes the marker if it still belongs to this run.
func (m *Marker) Release() error {
	path := filepath.Join(m.dir, MarkerFile)

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read marker %s: %w", path, err)
	}
	if strings.TrimSpace(string(data)) != m.id {
		return fmt.Errorf("marker %s belongs to another run", path)
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove marker %s: %w", path, err)
	}
	return nil
}
