package utility

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/davidthor/stackctl/pkg/envfile"
	"github.com/davidthor/stackctl/pkg/errors"
	"github.com/davidthor/stackctl/pkg/lock"
	"github.com/davidthor/stackctl/pkg/logging"
	"github.com/davidthor/stackctl/pkg/runner"
	"github.com/docker/go-connections/nat"
	archive "github.com/moby/go-archive"
	"github.com/moby/go-archive/compression"
)

// OfflinePortRange is where the temporary offline registry may listen.
const OfflinePortRange = "5020-5050"

// DefaultRegistryHost is the image registry used when a request names none.
const DefaultRegistryHost = "syntho.azurecr.io"

// Observer is told when each numbered step starts.
type Observer interface {
	StepStarted(step int, title string)
}

type nopObserver struct{}

func (nopObserver) StepStarted(int, string) {}

// Request holds the inputs shared by the utilities.
type Request struct {
	Version      string
	Arch         string
	RegistryUser string
	RegistryPwd  string
	RegistryHost string
	// DockerConfigPath points at the config.json whose daemon pushes images.
	DockerConfigPath string
	// TrustedRegistry is the target of prepull-images.
	TrustedRegistry string
}

// Runner executes utility operations.
type Runner struct {
	scriptsDir string
	runner     runner.Runner
	observer   Observer
	log        *logging.Logger

	portAvailable func(port int) bool
}

// Option configures a Runner.
type Option func(*Runner)

// WithScriptRunner sets the script runner.
func WithScriptRunner(r runner.Runner) Option {
	return func(u *Runner) { u.runner = r }
}

// WithObserver receives step progress.
func WithObserver(o Observer) Option {
	return func(u *Runner) { u.observer = o }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(u *Runner) { u.log = l.Component("utility") }
}

// WithPortProbe overrides how free ports are detected.
func WithPortProbe(available func(port int) bool) Option {
	return func(u *Runner) { u.portAvailable = available }
}

// NewRunner creates a utility runner over the scripts in scriptsDir.
func NewRunner(scriptsDir string, opts ...Option) *Runner {
	u := &Runner{
		scriptsDir:    scriptsDir,
		observer:      nopObserver{},
		log:           logging.Nop(),
		portAvailable: portAvailable,
	}
	for _, opt := range opts {
		opt(u)
	}
	if u.runner == nil {
		u.runner = runner.NewScriptRunner(u.log)
	}
	return u
}

type step struct {
	status  string
	title   string
	failure string
	exec    func(ctx context.Context, dir string) error
}

// PrepullImages copies the release images into the trusted registry.
func (u *Runner) PrepullImages(ctx context.Context, req *Request) error {
	dir := Dir(u.scriptsDir, PrepullImages)
	envPath := filepath.Join(dir, ".env")

	env := []envfile.Var{
		{Name: "TRUSTED_REGISTRY", Value: req.TrustedRegistry},
		{Name: "ARCH", Value: req.Arch},
		{Name: "REGISTRY_USER", Value: req.RegistryUser},
		{Name: "REGISTRY_PWD", Value: req.RegistryPwd},
		{Name: "SYNTHO_REGISTRY", Value: registryHost(req)},
		{Name: "VERSION", Value: req.Version},
	}

	steps := []step{
		{
			status:  "validating",
			title:   "Confirmation",
			failure: "confirmation has failed, please retry",
			exec: func(ctx context.Context, dir string) error {
				return u.script(ctx, dir, "validate-prepull-images-process.sh", map[string]string{
					"CUSTOM_ENV_FILE_PATH": envPath,
				})
			},
		},
		u.authenticateStep(),
		{
			status:  "pulling",
			title:   "Pulling images into trusted registry",
			failure: "pulling images has failed, please retry",
			exec: func(ctx context.Context, dir string) error {
				dockerConfig, err := dockerConfigDir(req.DockerConfigPath)
				if err != nil {
					return err
				}
				return u.script(ctx, dir, "prepull-images.sh", map[string]string{"DOCKER_CONFIG": dockerConfig})
			},
		},
		u.deauthenticateStep(),
	}

	return u.run(ctx, PrepullImages, nil, func() ([]envfile.Var, error) { return env, nil }, steps)
}

// ActivateOfflineMode builds a registry holding the release images and
// packages it as an archive that offline deployments load from.
func (u *Runner) ActivateOfflineMode(ctx context.Context, req *Request) error {
	archivePath := ArchivePath(u.scriptsDir)

	env := func() ([]envfile.Var, error) {
		port, err := u.freePort(OfflinePortRange)
		if err != nil {
			return nil, err
		}
		return []envfile.Var{
			{Name: "ARCH", Value: req.Arch},
			{Name: "REGISTRY_USER", Value: req.RegistryUser},
			{Name: "REGISTRY_PWD", Value: req.RegistryPwd},
			{Name: "SYNTHO_REGISTRY", Value: registryHost(req)},
			{Name: "VERSION", Value: req.Version},
			{Name: "AVAILABLE_PORT", Value: strconv.Itoa(port)},
			{Name: "OFFLINE_REGISTRY", Value: fmt.Sprintf("localhost:%d", port)},
		}, nil
	}

	steps := []step{
		u.authenticateStep(),
		{
			status:  "creating-offline-registry",
			title:   "Creating an offline image registry",
			failure: "offline registry creation has failed, please retry",
			exec: func(ctx context.Context, dir string) error {
				dockerConfig, err := dockerConfigDir(req.DockerConfigPath)
				if err != nil {
					return err
				}
				return u.script(ctx, dir, "create-offline-registry.sh", map[string]string{"DOCKER_CONFIG": dockerConfig})
			},
		},
		u.deauthenticateStep(),
		{
			status:  "packaging",
			title:   "Packaging the registry",
			failure: "packaging the registry has failed, please retry",
			exec: func(ctx context.Context, dir string) error {
				exportDir := filepath.Join(dir, "export")
				if err := u.script(ctx, dir, "package-offline-registry.sh", map[string]string{
					"EXPORT_DIR":        exportDir,
					"ARCHIVE_FILE_NAME": archivePath,
				}); err != nil {
					return err
				}
				return writeArchive(exportDir, archivePath)
			},
		},
	}

	return u.run(ctx, ActivateOfflineMode, []string{archivePath}, env, steps)
}

func (u *Runner) authenticateStep() step {
	return step{
		status:  "authenticating",
		title:   "Authentication",
		failure: "authentication has failed, please retry",
		exec: func(ctx context.Context, dir string) error {
			return u.script(ctx, dir, "authenticate-syntho-registry.sh", nil)
		},
	}
}

func (u *Runner) deauthenticateStep() step {
	return step{
		status:  "deauthenticating",
		title:   "Removing authentication credentials",
		failure: "removing registry credentials has failed, please retry",
		exec: func(ctx context.Context, dir string) error {
			return u.script(ctx, dir, "deauthenticate-syntho-registry.sh", nil)
		},
	}
}

// run holds the marker for the whole operation, resets the working
// directory, writes the .env and walks the steps, recording each in the
// status file.
func (u *Runner) run(ctx context.Context, name Name, stale []string, env func() ([]envfile.Var, error), steps []step) error {
	dir := Dir(u.scriptsDir, name)
	log := u.log.With("utility", string(name))

	marker, err := lock.AcquireMarker(dir)
	if err != nil {
		if stderrors.Is(err, lock.ErrAlreadyRunning) {
			return errors.Wrap(errors.ErrCodeAlreadyRunning,
				fmt.Sprintf("there is an active %s process, please wait until it is done, or terminate the existing process", name),
				err)
		}
		return err
	}
	defer func() {
		if err := marker.Release(); err != nil {
			log.Warn().Err(err).Msg("failed to release marker")
		}
	}()
	log = log.With("run_id", marker.ID())

	if err := resetDir(dir); err != nil {
		return err
	}
	for _, path := range stale {
		if err := os.Remove(path); err != nil && !stderrors.Is(err, os.ErrNotExist) {
			return err
		}
	}

	vars, err := env()
	if err != nil {
		return err
	}
	if err := envfile.Write(filepath.Join(dir, ".env"), vars); err != nil {
		return err
	}

	for i, s := range steps {
		if err := setStatus(dir, s.status); err != nil {
			return err
		}
		u.observer.StepStarted(i+1, s.title)
		log.Debug().Str("status", s.status).Msg("step started")

		if err := s.exec(ctx, dir); err != nil {
			log.Warn().Err(err).Str("status", s.status).Msg("step failed")
			return fmt.Errorf("%s: %w", s.failure, err)
		}
	}

	log.Info().Msg("utility completed")
	return setStatus(dir, StatusCompleted)
}

func (u *Runner) script(ctx context.Context, dir, script string, env map[string]string) error {
	res := u.runner.Run(ctx, runner.Request{
		ScriptsDir:    u.scriptsDir,
		DeploymentDir: dir,
		Script:        script,
		Env:           env,
	})
	if !res.Succeeded {
		return errors.ScriptFailed(script, res.ExitCode, res.Output)
	}
	return nil
}

// freePort returns the first port in portRange nothing listens on.
func (u *Runner) freePort(portRange string) (int, error) {
	start, end, err := nat.ParsePortRange(portRange)
	if err != nil {
		return 0, fmt.Errorf("invalid port range %q: %w", portRange, err)
	}
	for p := start; p <= end; p++ {
		if u.portAvailable(int(p)) {
			return int(p), nil
		}
	}
	return 0, fmt.Errorf("there is no available port between %d-%d", start, end)
}

func portAvailable(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	l.Close()
	return true
}

// resetDir empties dir while keeping the marker in place.
func resetDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Name() == lock.MarkerFile {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

// writeArchive packs src into a gzipped tarball at dst.
func writeArchive(src, dst string) error {
	if _, err := os.Stat(src); err != nil {
		return fmt.Errorf("nothing to package: %w", err)
	}

	rc, err := archive.TarWithOptions(src, &archive.TarOptions{Compression: compression.Gzip})
	if err != nil {
		return fmt.Errorf("failed to archive %s: %w", src, err)
	}
	defer rc.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".archive-*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, rc); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

func dockerConfigDir(configPath string) (string, error) {
	if configPath == "" {
		configPath = "~/.docker/config.json"
	}
	if configPath == "~" || strings.HasPrefix(configPath, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		configPath = filepath.Join(home, strings.TrimPrefix(configPath, "~"))
	}

	dir := strings.TrimSuffix(configPath, "/config.json")
	if _, err := os.Stat(dir); err != nil {
		return "", fmt.Errorf("there is no docker config found in this path: %s", configPath)
	}
	return dir, nil
}

func registryHost(req *Request) string {
	if req.RegistryHost != "" {
		return req.RegistryHost
	}
	return DefaultRegistryHost
}
