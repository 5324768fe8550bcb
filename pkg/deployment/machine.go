// Package deployment drives deployments through their lifecycle phases and
// keeps the registry in step with every transition.
package deployment

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/davidthor/stackctl/pkg/dynconfig"
	"github.com/davidthor/stackctl/pkg/errors"
	"github.com/davidthor/stackctl/pkg/logging"
	"github.com/davidthor/stackctl/pkg/runner"
	"github.com/davidthor/stackctl/pkg/state"
	"github.com/davidthor/stackctl/pkg/state/types"
)

// Request holds the inputs of a deployment run.
type Request struct {
	LicenseKey   string
	RegistryUser string
	RegistryPwd  string
	// RegistryHost is the image registry the credentials belong to.
	RegistryHost string

	Arch                   string
	Version                string
	DeploymentToolsVersion string

	SkipConfiguration  bool
	UseTrustedRegistry bool
	UseOfflineRegistry bool

	// Docker Compose targets.
	DockerHost              string
	DockerSSHUserPrivateKey string
	DockerConfigPath        string
	DryRun                  bool

	// Kubernetes targets. Kubeconfig is either inline content or a path.
	Kubeconfig      string
	ImagePullSecret string
}

// HostDescriptor returns the value the deployment id is derived from.
func (r *Request) HostDescriptor(kind types.Kind) string {
	if kind == types.KindKubernetes {
		return r.Kubeconfig
	}
	return r.DockerHost
}

// Result is the structured outcome of Start and Update.
type Result struct {
	Succeeded    bool
	DeploymentID string
	Err          error
	Status       types.Status
	CleanupLevel CleanupLevel
}

// Machine advances deployments of one kind through their phases.
type Machine struct {
	scriptsDir string
	store      *state.Store
	platform   *Platform
	runner     runner.Runner
	prompter   dynconfig.Prompter
	observer   Observer
	out        io.Writer
	log        *logging.Logger
	now        func() time.Time
}

// Option configures a Machine.
type Option func(*Machine)

// WithRunner sets the script runner.
func WithRunner(r runner.Runner) Option {
	return func(m *Machine) { m.runner = r }
}

// WithPrompter sets where configuration answers come from.
func WithPrompter(p dynconfig.Prompter) Option {
	return func(m *Machine) { m.prompter = p }
}

// WithObserver receives phase progress.
func WithObserver(o Observer) Option {
	return func(m *Machine) { m.observer = o }
}

// WithOutput sets where configuration validation messages are printed.
func WithOutput(w io.Writer) Option {
	return func(m *Machine) { m.out = w }
}

// WithLogger sets the machine logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Machine) { m.log = l.Component("deployment") }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// New creates a machine for the kind held by store. Scripts are looked up in
// scriptsDir.
func New(scriptsDir string, store *state.Store, opts ...Option) (*Machine, error) {
	platform, err := PlatformFor(store.Kind())
	if err != nil {
		return nil, err
	}

	m := &Machine{
		scriptsDir: scriptsDir,
		store:      store,
		platform:   platform,
		observer:   nopObserver{},
		out:        os.Stdout,
		log:        logging.Nop(),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.runner == nil {
		m.runner = runner.NewScriptRunner(m.log)
	}
	if m.prompter == nil {
		m.prompter = dynconfig.NewLinePrompter(os.Stdin, m.out)
	}
	return m, nil
}

// Platform returns the pipeline definition in use.
func (m *Machine) Platform() *Platform {
	return m.platform
}

// DeploymentDir returns the working directory of a deployment.
func (m *Machine) DeploymentDir(id string) string {
	return m.store.DeploymentDir(id)
}

// Start runs a new deployment for the target described by req. A target whose
// deployment already completed succeeds without side effects. A target with an
// unfinished deployment fails; it must be destroyed before retrying.
func (m *Machine) Start(ctx context.Context, req *Request) *Result {
	id, err := ID(m.platform.Kind, req.HostDescriptor(m.platform.Kind))
	if err != nil {
		return &Result{Err: err}
	}
	dir := m.DeploymentDir(id)
	log := m.log.With("deployment_id", id)

	res, err := m.initialize(ctx, id, dir, req)
	if res != nil {
		if res.Succeeded {
			log.Info().Msg("deployment already completed")
		}
		return res
	}
	if err != nil {
		return &Result{DeploymentID: id, Err: err, Status: types.StatusInitializing, CleanupLevel: CleanupNone}
	}
	log.Info().Str("version", req.Version).Msg("deployment initialized")

	r := &run{req: req, id: id, dir: dir, status: types.StatusInitializing, version: req.Version}
	status, err := m.runPhases(ctx, r, m.platform.phases)
	if err != nil {
		return &Result{DeploymentID: id, Err: err, Status: status, CleanupLevel: CleanupLevelOf(status)}
	}

	if err := m.SetState(ctx, id, types.StatusCompleted, true); err != nil {
		return &Result{DeploymentID: id, Err: err, Status: status, CleanupLevel: CleanupLevelOf(status)}
	}
	log.Info().Msg("deployment completed")
	return &Result{Succeeded: true, DeploymentID: id, Status: types.StatusCompleted, CleanupLevel: CleanupNone}
}

// errNoChange aborts a registry update that only inspected the registry.
var errNoChange = stderrors.New("registry left unchanged")

// initialize records a new deployment and creates its directory. The lookup
// of an earlier deployment and the insert happen under one registry lock, so
// of two runs against the same target only one proceeds. A non-nil Result
// means the run must stop there.
func (m *Machine) initialize(ctx context.Context, id, dir string, req *Request) (*Result, error) {
	var (
		res     *Result
		created bool
	)
	err := m.store.Update(ctx, func(reg *types.Registry) error {
		if existing := reg.Get(id); existing != nil {
			if existing.Status == types.StatusCompleted {
				res = &Result{Succeeded: true, DeploymentID: id, Status: existing.Status, CleanupLevel: CleanupNone}
			} else {
				res = unfinished(id, existing.Status, CleanupLevelOf(existing.Status))
			}
			return errNoChange
		}

		if _, err := os.Stat(dir); err == nil {
			// A directory without a registry entry is left over from a run
			// that never got recorded; nothing outside it was touched.
			res = unfinished(id, "", CleanupDirectoryOnly)
			return errNoChange
		} else if !stderrors.Is(err, os.ErrNotExist) {
			return err
		}

		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create deployment directory: %w", err)
		}
		created = true
		return reg.Add(m.newDeployment(id, req))
	})
	switch {
	case stderrors.Is(err, errNoChange):
		return res, nil
	case err != nil && created:
		return &Result{DeploymentID: id, Err: err, Status: types.StatusInitializing, CleanupLevel: CleanupDirectoryOnly}, nil
	}
	return nil, err
}

func unfinished(id string, status types.Status, level CleanupLevel) *Result {
	return &Result{
		DeploymentID: id,
		Err:          errors.New(errors.ErrCodeUnfinished, "deployment remained unfinished"),
		Status:       status,
		CleanupLevel: level,
	}
}

func (m *Machine) newDeployment(id string, req *Request) *types.Deployment {
	d := &types.Deployment{
		ID:                 id,
		Kind:               m.platform.Kind,
		Status:             types.StatusInitializing,
		InitialVersion:     req.Version,
		Version:            req.Version,
		StartedAt:          m.now(),
		UseTrustedRegistry: req.UseTrustedRegistry,
		UseOfflineRegistry: req.UseOfflineRegistry,
	}
	if m.platform.Kind == types.KindDockerCompose {
		d.HostName = req.DockerHost
		d.IsLocal = strings.HasPrefix(req.DockerHost, "unix://")
	}
	return d
}

// SetState records status for a deployment. Completing also stamps
// finished_at.
func (m *Machine) SetState(ctx context.Context, id string, status types.Status, completed bool) error {
	if err := status.Validate(); err != nil {
		return errors.Wrap(errors.ErrCodeValidation, "invalid status", err)
	}
	return m.store.Update(ctx, func(reg *types.Registry) error {
		d := reg.Get(id)
		if d == nil {
			return notFound(id)
		}
		d.Status = status
		if completed {
			finished := m.now()
			d.FinishedAt = &finished
		}
		return nil
	})
}

// Get returns one deployment.
func (m *Machine) Get(ctx context.Context, id string) (*types.Deployment, error) {
	return m.store.Get(ctx, id)
}

// List returns the registry snapshot.
func (m *Machine) List(ctx context.Context) (*types.Registry, error) {
	return m.store.Read(ctx)
}

// Cleanup removes a deployment at the given level. A full teardown runs the
// teardown script first and keeps everything in place if the script fails.
func (m *Machine) Cleanup(ctx context.Context, id string, level CleanupLevel, force bool) error {
	if level == CleanupNone {
		return nil
	}
	dir := m.DeploymentDir(id)
	log := m.log.With("deployment_id", id)

	if _, err := os.Stat(dir); err == nil {
		if level == CleanupFullTeardown {
			env := map[string]string{"FORCE": strconv.FormatBool(force)}
			if err := m.runScript(ctx, dir, m.platform.TeardownScript, env); err != nil {
				log.Warn().Err(err).Msg("teardown failed, keeping deployment directory")
				return err
			}
		}
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("failed to remove deployment directory: %w", err)
		}
	} else if !stderrors.Is(err, os.ErrNotExist) {
		return err
	}

	log.Info().Str("level", level.String()).Msg("deployment cleaned up")
	return m.store.Update(ctx, func(reg *types.Registry) error {
		reg.Remove(id)
		return nil
	})
}

// Destroy removes a deployment and its components. It reports false when
// there was nothing to destroy. The teardown depth follows the recorded
// status; completed deployments are always torn down fully.
func (m *Machine) Destroy(ctx context.Context, id string, force bool) (bool, error) {
	level := CleanupDirectoryOnly
	d, err := m.store.Get(ctx, id)
	switch {
	case err == nil:
		level = CleanupLevelOf(d.Status)
		if level == CleanupNone {
			level = CleanupFullTeardown
		}
	case errors.Is(err, errors.ErrCodeNotFound):
		if _, statErr := os.Stat(m.DeploymentDir(id)); statErr != nil {
			return false, nil
		}
	default:
		return false, err
	}

	if err := m.Cleanup(ctx, id, level, force); err != nil {
		return true, err
	}
	return true, nil
}

func runnerRequest(scriptsDir, dir, script string, capture bool, env map[string]string) runner.Request {
	return runner.Request{
		ScriptsDir:    scriptsDir,
		DeploymentDir: dir,
		Script:        script,
		CaptureOutput: capture,
		Env:           env,
	}
}

func scriptError(script string, res runner.Result) error {
	return errors.ScriptFailed(script, res.ExitCode, res.Output)
}

func notFound(id string) error {
	return errors.NotFoundError("deployment", id)
}
