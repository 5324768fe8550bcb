// Package local implements a local filesystem state backend.
package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/davidthor/stackctl/pkg/state/backend"
)

func init() {
	backend.Register("local", NewBackend)
}

// Backend stores documents as files under a base directory.
type Backend struct {
	basePath string
}

// NewBackend creates a new local backend rooted at config["path"].
func NewBackend(config map[string]string) (backend.Backend, error) {
	path := config["path"]
	if path == "" {
		// Default to ~/.stackctl/deployments
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, ".stackctl", "deployments")
	}

	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	return &Backend{basePath: path}, nil
}

func (b *Backend) Type() string {
	return "local"
}

// BasePath returns the directory documents are stored under.
func (b *Backend) BasePath() string {
	return b.basePath
}

func (b *Backend) Read(ctx context.Context, path string) (io.ReadCloser, error) {
	fullPath := b.fullPath(path)

	file, err := os.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, backend.ErrNotFound
		}
		return nil, fmt.Errorf("failed to read %s: %w", fullPath, err)
	}

	return file, nil
}

func (b *Backend) Write(ctx context.Context, path string, data io.Reader) error {
	fullPath := b.fullPath(path)

	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	// Write to temp file first, then rename for atomicity
	tempFile, err := os.CreateTemp(dir, ".stackctl-state-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tempPath := tempFile.Name()

	_, err = io.Copy(tempFile, data)
	if err == nil {
		err = tempFile.Sync()
	}
	if closeErr := tempFile.Close(); closeErr != nil && err == nil {
		err = closeErr
	}

	if err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to write state: %w", err)
	}

	if err := os.Rename(tempPath, fullPath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to save state: %w", err)
	}

	return nil
}

func (b *Backend) Delete(ctx context.Context, path string) error {
	fullPath := b.fullPath(path)

	if err := os.Remove(fullPath); err != nil {
		if os.IsNotExist(err) {
			return nil // Idempotent
		}
		return fmt.Errorf("failed to delete %s: %w", fullPath, err)
	}

	return nil
}

func (b *Backend) Exists(ctx context.Context, path string) (bool, error) {
	fullPath := b.fullPath(path)

	_, err := os.Stat(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check %s: %w", fullPath, err)
	}

	return true, nil
}

func (b *Backend) fullPath(path string) string {
	return filepath.Join(b.basePath, path)
}
