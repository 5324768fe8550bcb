package deployment

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/davidthor/stackctl/pkg/envfile"
	"github.com/davidthor/stackctl/pkg/errors"
	"github.com/davidthor/stackctl/pkg/state/types"
)

// UpdateOptions tunes an update.
type UpdateOptions struct {
	// Reconfigure fetches the new release and asks its questions again, with
	// the previous answers offered as defaults, before rolling out.
	Reconfigure bool
}

// Update moves a completed deployment to newVersion. The scripts decide
// whether the versions are compatible and how to roll out; the version is
// recorded only once the rollout succeeded. The status is never changed.
// A failed reconfiguring update puts the env files of the deployment back
// the way they were, so they keep describing the recorded version.
func (m *Machine) Update(ctx context.Context, id, newVersion string, opts UpdateOptions) *Result {
	d, err := m.store.Get(ctx, id)
	if err != nil {
		return &Result{DeploymentID: id, Err: err}
	}
	result := &Result{DeploymentID: id, Status: d.Status, CleanupLevel: CleanupNone}

	if d.Status != types.StatusCompleted {
		result.Err = errors.New(errors.ErrCodeUnfinished,
			"deployment remained unfinished and it needs to be destroyed first")
		return result
	}

	dir := m.DeploymentDir(id)
	r := &run{req: &Request{}, id: id, dir: dir, status: d.Status, version: newVersion}
	if err := m.loadRunEnv(r); err != nil {
		result.Err = err
		return result
	}

	phases := []Phase{{
		ID:             PhaseCompatibility,
		Title:          "Further compatibility analysis is being made",
		FailureMessage: "given version and the current version are not backwards-compatible",
		exec: func(ctx context.Context, m *Machine, r *run) error {
			return m.runScript(ctx, dir, CompatibilityCheckScript, map[string]string{
				"DEPLOYMENT_TOOLING":             m.platform.Tooling,
				"CONFIGURATION_QUESTIONS_PREFIX": m.platform.QuestionsPrefix,
				"CURRENT_VERSION":                d.Version,
				"NEW_VERSION":                    newVersion,
			})
		},
	}}

	if opts.Reconfigure {
		phases = append(phases,
			Phase{
				ID:             PhaseReleaseFetch,
				Title:          "Downloading the release",
				FailureMessage: "downloading release failed",
				exec: func(ctx context.Context, m *Machine, r *run) error {
					if err := envfile.Set(filepath.Join(dir, EnvFile), "VERSION", newVersion); err != nil {
						return err
					}
					return m.runScript(ctx, dir, m.platform.ReleaseFetchScript, nil)
				},
			},
			Phase{
				ID:             PhaseConfiguration,
				Title:          "Configuration",
				FailureMessage: "configuration failed",
				exec: func(ctx context.Context, m *Machine, r *run) error {
					return m.configure(ctx, r)
				},
			},
		)
	}

	phases = append(phases, Phase{
		ID:             PhaseRollout,
		Title:          "Rolling out new release",
		FailureMessage: "updating release failed",
		exec: func(ctx context.Context, m *Machine, r *run) error {
			return m.runScript(ctx, dir, UpdateReleaseScript, map[string]string{
				"DEPLOYMENT_TOOLING": m.platform.Tooling,
				"INITIAL_VERSION":    d.InitialVersion,
				"CURRENT_VERSION":    d.Version,
				"NEW_VERSION":        newVersion,
			})
		},
	})

	var snap *envSnapshot
	if opts.Reconfigure {
		if snap, err = snapshotEnv(dir); err != nil {
			result.Err = err
			return result
		}
	}

	_, err = m.runPhases(ctx, r, phases)
	if err == nil {
		err = m.setVersion(ctx, id, dir, newVersion)
	}
	if err != nil {
		if snap != nil {
			if rerr := snap.restore(); rerr != nil {
				m.log.Warn().Err(rerr).Str("deployment_id", id).Msg("failed to restore env files")
			}
		}
		result.Err = err
		return result
	}
	m.log.Info().Str("deployment_id", id).Str("from", d.Version).Str("to", newVersion).Msg("deployment updated")
	result.Succeeded = true
	return result
}

// loadRunEnv restores the credentials and previous answers of a deployment
// from its working directory.
func (m *Machine) loadRunEnv(r *run) error {
	env, err := envfile.Load(r.dir, EnvFile)
	if err != nil {
		return err
	}
	r.req.LicenseKey = env["LICENSE_KEY"]
	r.req.RegistryUser = env["REGISTRY_USER"]
	r.req.RegistryPwd = env["REGISTRY_PWD"]

	r.previous, err = previousAnswers(r.dir)
	return err
}

func (m *Machine) setVersion(ctx context.Context, id, dir, version string) error {
	err := m.store.Update(ctx, func(reg *types.Registry) error {
		d := reg.Get(id)
		if d == nil {
			return notFound(id)
		}
		d.Version = version
		return nil
	})
	if err != nil {
		return err
	}

	path := filepath.Join(dir, EnvFile)
	env, err := envfile.Load(dir, EnvFile)
	if err != nil || len(env) == 0 {
		return err
	}
	return envfile.Set(path, "VERSION", version)
}

// envSnapshot holds the env files of a deployment directory.
type envSnapshot struct {
	dir   string
	files map[string]envSnapshotFile
}

type envSnapshotFile struct {
	data []byte
	mode os.FileMode
}

func isEnvFile(e os.DirEntry) bool {
	name := e.Name()
	return e.Type().IsRegular() && strings.HasPrefix(name, ".") && strings.HasSuffix(name, EnvFile)
}

func snapshotEnv(dir string) (*envSnapshot, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	snap := &envSnapshot{dir: dir, files: make(map[string]envSnapshotFile)}
	for _, e := range entries {
		if !isEnvFile(e) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		snap.files[e.Name()] = envSnapshotFile{data: data, mode: info.Mode().Perm()}
	}
	return snap, nil
}

// restore rewrites the snapshotted files and removes env files created since.
func (s *envSnapshot) restore() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if _, ok := s.files[e.Name()]; ok || !isEnvFile(e) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil {
			return err
		}
	}
	for name, f := range s.files {
		if err := os.WriteFile(filepath.Join(s.dir, name), f.data, f.mode); err != nil {
			return err
		}
	}
	return nil
}
