package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/davidthor/stackctl/pkg/deployment"
	"github.com/davidthor/stackctl/pkg/logging"
	"github.com/davidthor/stackctl/pkg/state"
	"github.com/davidthor/stackctl/pkg/state/backend"
	"github.com/davidthor/stackctl/pkg/state/types"
	"github.com/spf13/viper"
)

// EnvStateMirrorPrefix is the prefix for mirror backend config environment
// variables. STACKCTL_STATE_MIRROR_BUCKET sets the "bucket" config of the
// S3 and GCS mirrors, for example.
const EnvStateMirrorPrefix = "STACKCTL_STATE_MIRROR_"

// session holds what every command resolves from configuration.
type session struct {
	scriptsDir string
	log        *logging.Logger
}

func newSession(errOut io.Writer) (*session, error) {
	scriptsDir, err := resolveScriptsDir()
	if err != nil {
		return nil, err
	}
	log := logging.New(logging.Config{
		Level:  viper.GetString(ConfigKeyLogLevel),
		Format: viper.GetString(ConfigKeyLogFormat),
		Output: errOut,
	})
	return &session{scriptsDir: scriptsDir, log: log}, nil
}

// resolveScriptsDir returns the configured scripts directory.
//
// Precedence (highest to lowest):
//  1. --scripts-dir flag
//  2. STACKCTL_SCRIPTS_DIR environment variable
//  3. scripts_dir from ~/.stackctl/config.yaml
//  4. ~/.stackctl/scripts
func resolveScriptsDir() (string, error) {
	dir := viper.GetString(ConfigKeyScriptsDir)
	if dir == "" || strings.HasPrefix(dir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		if dir == "" {
			return filepath.Join(home, ".stackctl", "scripts"), nil
		}
		dir = filepath.Join(home, dir[2:])
	}
	return filepath.Abs(dir)
}

// requireScripts fails when the scripts directory is missing, before any
// deployment state is touched.
func (s *session) requireScripts() error {
	info, err := os.Stat(s.scriptsDir)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("scripts directory %s does not exist\n\nSet it using one of:\n  --scripts-dir flag\n  STACKCTL_SCRIPTS_DIR environment variable\n  stackctl config set scripts-dir <path>", s.scriptsDir)
	}
	return nil
}

func (s *session) deploymentsDir() string {
	return filepath.Join(s.scriptsDir, "deployments")
}

// store opens the registry of kind, mirrored when a mirror is configured.
func (s *session) store(kind types.Kind) (*state.Store, error) {
	opts := []state.Option{state.WithLogger(s.log)}
	mirror, err := createMirror()
	if err != nil {
		return nil, err
	}
	if mirror != nil {
		opts = append(opts, state.WithMirror(mirror))
	}
	return state.NewStore(s.deploymentsDir(), kind, opts...)
}

func (s *session) machine(kind types.Kind, out io.Writer, observer deployment.Observer) (*deployment.Machine, error) {
	store, err := s.store(kind)
	if err != nil {
		return nil, err
	}
	opts := []deployment.Option{
		deployment.WithLogger(s.log),
		deployment.WithOutput(out),
	}
	if observer != nil {
		opts = append(opts, deployment.WithObserver(observer))
	}
	return deployment.New(s.scriptsDir, store, opts...)
}

// createMirror builds the registry mirror backend, or nil when none is set.
//
// Configuration precedence (highest to lowest):
//  1. state_mirror_config entries (config file or STACKCTL_STATE_MIRROR_CONFIG)
//  2. STACKCTL_STATE_MIRROR_* environment variables
func createMirror() (backend.Backend, error) {
	mirrorType := viper.GetString(ConfigKeyStateMirror)
	if mirrorType == "" {
		return nil, nil
	}

	config := make(map[string]string)
	for _, env := range os.Environ() {
		name, value, ok := strings.Cut(env, "=")
		if !ok || !strings.HasPrefix(name, EnvStateMirrorPrefix) {
			continue
		}
		key := strings.ToLower(strings.TrimPrefix(name, EnvStateMirrorPrefix))
		if key == "config" {
			continue
		}
		config[key] = value
	}
	for _, c := range viper.GetStringSlice(ConfigKeyStateMirrorConfig) {
		if k, v, ok := strings.Cut(c, "="); ok {
			config[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
	}

	b, err := backend.Create(mirrorType, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create state mirror: %w", err)
	}
	return b, nil
}
