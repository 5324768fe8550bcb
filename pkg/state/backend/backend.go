// Package backend defines the storage interface behind the deployment registry.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
)

// ErrNotFound is returned by Read when the object does not exist.
var ErrNotFound = errors.New("state not found")

// Backend stores opaque documents addressed by a relative path.
type Backend interface {
	// Type returns the registered backend name.
	Type() string

	Read(ctx context.Context, path string) (io.ReadCloser, error)

	// Write replaces the document at path. Implementations must not expose a
	// partially written document to concurrent readers.
	Write(ctx context.Context, path string, data io.Reader) error

	// Delete removes the document. Deleting a missing document is not an error.
	Delete(ctx context.Context, path string) error

	Exists(ctx context.Context, path string) (bool, error)
}

// Factory builds a backend from key/value configuration.
type Factory func(config map[string]string) (Backend, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes a backend available under name. Called from init functions.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// Create instantiates the backend registered under name.
func Create(name string, config map[string]string) (Backend, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown state backend %q (available: %v)", name, Available())
	}
	return factory(config)
}

// Available lists registered backend names in sorted order.
func Available() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
