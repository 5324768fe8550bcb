// Package secrets resolves credential references such as env:NAME,
// file:PATH and awssm:SECRET_ID into their values, so license keys and
// registry passwords need not be typed on the command line.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrSecretNotFound is returned when a provider has no value for a key.
var ErrSecretNotFound = errors.New("secret not found")

// Provider fetches secrets from one source.
type Provider interface {
	Name() string
	Get(ctx context.Context, key string) (string, error)
}

// Manager dispatches lookups over registered providers.
type Manager struct {
	mu        sync.RWMutex
	providers map[string]Provider
	priority  []string
	cache     *secretCache
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{
		providers: make(map[string]Provider),
		priority:  []string{},
		cache:     newSecretCache(),
	}
}

// DefaultManager returns a manager with the env, file and awssm providers.
func DefaultManager() *Manager {
	m := NewManager()
	m.RegisterProvider(NewEnvProvider())
	m.RegisterProvider(NewFileProvider(""))
	m.RegisterProvider(NewAWSSecretsManagerProvider(""))
	return m
}

// RegisterProvider adds p at the lowest priority.
func (m *Manager) RegisterProvider(p Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.providers[p.Name()]; !ok {
		m.priority = append(m.priority, p.Name())
	}
	m.providers[p.Name()] = p
}

// SetPriority sets the order in which Get consults providers.
func (m *Manager) SetPriority(names []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.priority = append([]string(nil), names...)
}

// Get returns the first value any provider has for key, in priority order.
func (m *Manager) Get(ctx context.Context, key string) (string, error) {
	if v, ok := m.cache.get(key); ok {
		return v, nil
	}

	m.mu.RLock()
	order := append([]string(nil), m.priority...)
	m.mu.RUnlock()

	for _, name := range order {
		p := m.provider(name)
		if p == nil {
			continue
		}
		v, err := p.Get(ctx, key)
		if errors.Is(err, ErrSecretNotFound) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("%s: %w", name, err)
		}
		m.cache.set(key, v)
		return v, nil
	}
	return "", fmt.Errorf("%w: %s", ErrSecretNotFound, key)
}

// GetFromProvider looks key up in a single provider.
func (m *Manager) GetFromProvider(ctx context.Context, provider, key string) (string, error) {
	cacheKey := provider + ":" + key
	if v, ok := m.cache.get(cacheKey); ok {
		return v, nil
	}

	p := m.provider(provider)
	if p == nil {
		return "", fmt.Errorf("unknown secret provider %q", provider)
	}
	v, err := p.Get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("%s:%s: %w", provider, key, err)
	}
	m.cache.set(cacheKey, v)
	return v, nil
}

// Resolve returns the value a reference points at. Values that do not start
// with a registered provider name and a colon are returned unchanged.
func (m *Manager) Resolve(ctx context.Context, value string) (string, error) {
	name, key, ok := strings.Cut(value, ":")
	if !ok || key == "" || m.provider(name) == nil {
		return value, nil
	}
	return m.GetFromProvider(ctx, name, key)
}

// IsReference reports whether value would be resolved by Resolve.
func (m *Manager) IsReference(value string) bool {
	name, key, ok := strings.Cut(value, ":")
	return ok && key != "" && m.provider(name) != nil
}

// ClearCache drops every cached value.
func (m *Manager) ClearCache() {
	m.cache.clear()
}

func (m *Manager) provider(name string) Provider {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.providers[name]
}

// EnvProvider reads secrets from environment variables.
type EnvProvider struct {
	prefix string
}

// NewEnvProvider looks keys up under STACKCTL_SECRET_ first, then verbatim.
func NewEnvProvider() *EnvProvider {
	return NewEnvProviderWithPrefix("STACKCTL_SECRET_")
}

// NewEnvProviderWithPrefix uses a custom variable prefix.
func NewEnvProviderWithPrefix(prefix string) *EnvProvider {
	return &EnvProvider{prefix: prefix}
}

func (p *EnvProvider) Name() string { return "env" }

func (p *EnvProvider) Get(_ context.Context, key string) (string, error) {
	if p.prefix != "" {
		if v, ok := os.LookupEnv(p.prefix + envName(key)); ok {
			return v, nil
		}
	}
	if v, ok := os.LookupEnv(key); ok {
		return v, nil
	}
	return "", ErrSecretNotFound
}

func envName(key string) string {
	return strings.ToUpper(strings.ReplaceAll(key, "-", "_"))
}

// FileProvider reads a secret from a file, trimming the trailing newline
// editors leave behind.
type FileProvider struct {
	root string
}

// NewFileProvider resolves relative paths against root, or the working
// directory when root is empty.
func NewFileProvider(root string) *FileProvider {
	return &FileProvider{root: root}
}

func (p *FileProvider) Name() string { return "file" }

func (p *FileProvider) Get(_ context.Context, key string) (string, error) {
	path := key
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[2:])
		}
	}
	if !filepath.IsAbs(path) && p.root != "" {
		path = filepath.Join(p.root, path)
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrSecretNotFound
	}
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(data), "\r\n"), nil
}

type secretCache struct {
	mu     sync.RWMutex
	values map[string]string
}

func newSecretCache() *secretCache {
	return &secretCache{values: make(map[string]string)}
}

func (c *secretCache) get(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[key]
	return v, ok
}

func (c *secretCache) set(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
}

func (c *secretCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values = make(map[string]string)
}
