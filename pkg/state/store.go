// Package state provides the lock-guarded deployment registry.
package state

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/davidthor/stackctl/pkg/errors"
	"github.com/davidthor/stackctl/pkg/lock"
	"github.com/davidthor/stackctl/pkg/logging"
	"github.com/davidthor/stackctl/pkg/state/backend"
	"github.com/davidthor/stackctl/pkg/state/backend/local"
	"github.com/davidthor/stackctl/pkg/state/types"
	"gopkg.in/yaml.v3"
)

// LockFileName is the sidecar lock file inside the deployments directory.
const LockFileName = ".lock"

// Store is the durable registry for one deployment kind. Every access takes
// the deployments directory lock for the full read-modify-write.
type Store struct {
	dir     string
	kind    types.Kind
	primary backend.Backend
	mirror  backend.Backend
	lock    *lock.FileLock
	log     *logging.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithMirror copies every registry write to b. Mirror failures are logged,
// never returned; the local registry stays the source of truth.
func WithMirror(b backend.Backend) Option {
	return func(s *Store) { s.mirror = b }
}

// WithLogger sets the store logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Store) { s.log = l.Component("store") }
}

// NewStore opens the registry of the given kind under deploymentsDir.
func NewStore(deploymentsDir string, kind types.Kind, opts ...Option) (*Store, error) {
	if err := kind.Validate(); err != nil {
		return nil, err
	}

	primary, err := local.NewBackend(map[string]string{"path": deploymentsDir})
	if err != nil {
		return nil, errors.BackendError("local", "init", err)
	}

	s := &Store{
		dir:     deploymentsDir,
		kind:    kind,
		primary: primary,
		lock:    lock.NewFileLock(filepath.Join(deploymentsDir, LockFileName)),
		log:     logging.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Kind returns the deployment kind this store holds.
func (s *Store) Kind() types.Kind {
	return s.kind
}

// Dir returns the deployments directory.
func (s *Store) Dir() string {
	return s.dir
}

// DeploymentDir returns the working directory of a deployment.
func (s *Store) DeploymentDir(id string) string {
	return filepath.Join(s.dir, id)
}

// FileName returns the registry document name.
func (s *Store) FileName() string {
	return fmt.Sprintf("%s-deployment-state.yaml", s.kind)
}

// Read returns a snapshot of the registry. A missing document reads as empty.
func (s *Store) Read(ctx context.Context) (*types.Registry, error) {
	var reg *types.Registry
	err := s.lock.WithLock(ctx, func() error {
		var err error
		reg, err = s.read(ctx)
		return err
	})
	return reg, err
}

// Write replaces the registry.
func (s *Store) Write(ctx context.Context, reg *types.Registry) error {
	return s.lock.WithLock(ctx, func() error {
		return s.write(ctx, reg)
	})
}

// Update runs fn over the current registry and persists the result, all under
// the lock. If fn returns an error nothing is written.
func (s *Store) Update(ctx context.Context, fn func(reg *types.Registry) error) error {
	return s.lock.WithLock(ctx, func() error {
		reg, err := s.read(ctx)
		if err != nil {
			return err
		}
		if err := fn(reg); err != nil {
			return err
		}
		return s.write(ctx, reg)
	})
}

// Get returns a copy of one deployment.
func (s *Store) Get(ctx context.Context, id string) (*types.Deployment, error) {
	reg, err := s.Read(ctx)
	if err != nil {
		return nil, err
	}
	d := reg.Get(id)
	if d == nil {
		return nil, errors.NotFoundError("deployment", id)
	}
	cp := *d
	return &cp, nil
}

func (s *Store) read(ctx context.Context) (*types.Registry, error) {
	reg, err := readYAML[types.Registry](ctx, s.primary, s.FileName())
	if stderrors.Is(err, backend.ErrNotFound) {
		return &types.Registry{}, nil
	}
	if err != nil {
		return nil, errors.ParseError(filepath.Join(s.dir, s.FileName()), err)
	}
	if err := reg.Validate(); err != nil {
		return nil, errors.ParseError(filepath.Join(s.dir, s.FileName()), err)
	}
	return reg, nil
}

func (s *Store) write(ctx context.Context, reg *types.Registry) error {
	if err := reg.Validate(); err != nil {
		return errors.Wrap(errors.ErrCodeValidation, "refusing to write invalid registry", err)
	}

	content, err := yaml.Marshal(reg)
	if err != nil {
		return fmt.Errorf("failed to encode registry: %w", err)
	}

	if err := s.primary.Write(ctx, s.FileName(), bytes.NewReader(content)); err != nil {
		return errors.BackendError(s.primary.Type(), "write", err)
	}

	if s.mirror != nil {
		s.mirrorRegistry(ctx, reg, content)
	}
	return nil
}

// mirrorRegistry copies the registry to the mirror. An empty registry removes
// the mirrored document instead.
func (s *Store) mirrorRegistry(ctx context.Context, reg *types.Registry, content []byte) {
	if len(reg.Deployments) == 0 {
		if err := s.mirror.Delete(ctx, s.FileName()); err != nil {
			s.log.Warn().Err(err).Str("mirror", s.mirror.Type()).Msg("registry mirror delete failed")
		}
		return
	}
	if err := s.mirror.Write(ctx, s.FileName(), bytes.NewReader(content)); err != nil {
		s.log.Warn().Err(err).Str("mirror", s.mirror.Type()).Msg("registry mirror write failed")
	}
}

// MirrorType returns the mirror backend name, or "" without a mirror.
func (s *Store) MirrorType() string {
	if s.mirror == nil {
		return ""
	}
	return s.mirror.Type()
}

// Restore replaces an empty local registry with the mirrored one. It reports
// false when the mirror holds no registry. A local registry that still has
// deployments is never overwritten.
func (s *Store) Restore(ctx context.Context) (bool, error) {
	if s.mirror == nil {
		return false, errors.New(errors.ErrCodeUserInputInvalid, "no state mirror is configured")
	}

	restored := false
	err := s.lock.WithLock(ctx, func() error {
		current, err := s.read(ctx)
		if err != nil {
			return err
		}
		if len(current.Deployments) > 0 {
			return errors.New(errors.ErrCodeUserInputInvalid,
				fmt.Sprintf("local registry %s already holds %d deployments", s.FileName(), len(current.Deployments)))
		}

		exists, err := s.mirror.Exists(ctx, s.FileName())
		if err != nil {
			return errors.BackendError(s.mirror.Type(), "exists", err)
		}
		if !exists {
			return nil
		}

		reg, err := readYAML[types.Registry](ctx, s.mirror, s.FileName())
		if err != nil {
			return errors.BackendError(s.mirror.Type(), "read", err)
		}
		if err := reg.Validate(); err != nil {
			return errors.Wrap(errors.ErrCodeValidation, "mirrored registry is invalid", err)
		}
		content, err := yaml.Marshal(reg)
		if err != nil {
			return fmt.Errorf("failed to encode registry: %w", err)
		}
		if err := s.primary.Write(ctx, s.FileName(), bytes.NewReader(content)); err != nil {
			return errors.BackendError(s.primary.Type(), "write", err)
		}
		restored = true
		s.log.Info().Str("mirror", s.mirror.Type()).Int("deployments", len(reg.Deployments)).Msg("registry restored from mirror")
		return nil
	})
	return restored, err
}

func readYAML[T any](ctx context.Context, b backend.Backend, p string) (*T, error) {
	reader, err := b.Read(ctx, p)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	var result T
	if err := yaml.NewDecoder(reader).Decode(&result); err != nil {
		// An empty document decodes to io.EOF; treat it as the zero value.
		if stderrors.Is(err, io.EOF) {
			return &result, nil
		}
		return nil, fmt.Errorf("failed to decode YAML: %w", err)
	}

	return &result, nil
}
