package deployment

import (
	"encoding/base64"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/davidthor/stackctl/pkg/envfile"
	"github.com/davidthor/stackctl/pkg/state/types"
	"github.com/davidthor/stackctl/pkg/utility"
)

// EnvFile is the base environment every script of a deployment reads.
const EnvFile = ".env"

// AnswersFile records the configuration answers of the last run.
const AnswersFile = ".answers.env"

const defaultDockerHubAuth = "https://index.docker.io/v1/"

// prepareEnv materializes the deployment's base environment.
func (m *Machine) prepareEnv(r *run) error {
	req := r.req
	vars := []envfile.Var{
		{Name: "LICENSE_KEY", Value: req.LicenseKey},
		{Name: "REGISTRY_USER", Value: req.RegistryUser},
		{Name: "REGISTRY_PWD", Value: req.RegistryPwd},
		{Name: "ARCH", Value: req.Arch},
		{Name: "VERSION", Value: req.Version},
		{Name: "SKIP_CONFIGURATION", Value: strconv.FormatBool(req.SkipConfiguration)},
		{Name: "USE_TRUSTED_REGISTRY", Value: strconv.FormatBool(req.UseTrustedRegistry)},
		{Name: "PREPULL_IMAGES_DIR", Value: utility.Dir(m.scriptsDir, utility.PrepullImages)},
		{Name: "DEPLOYMENT_TOOLS_VERSION", Value: req.DeploymentToolsVersion},
	}

	switch m.platform.Kind {
	case types.KindDockerCompose:
		dockerConfig, secondary, err := writeDockerConfigs(r.dir, req)
		if err != nil {
			return err
		}
		vars = append(vars,
			envfile.Var{Name: "DOCKER_HOST", Value: req.DockerHost},
			envfile.Var{Name: "DOCKER_CONFIG", Value: dockerConfig},
			envfile.Var{Name: "SECONDARY_DOCKER_CONFIG", Value: secondary},
			envfile.Var{Name: "DOCKER_SSH_USER_PRIVATE_KEY", Value: req.DockerSSHUserPrivateKey},
			envfile.Var{Name: "USE_OFFLINE_REGISTRY", Value: strconv.FormatBool(req.UseOfflineRegistry)},
			envfile.Var{Name: "ACTIVATE_OFFLINE_MODE_DIR", Value: utility.Dir(m.scriptsDir, utility.ActivateOfflineMode)},
			envfile.Var{Name: "ACTIVATE_OFFLINE_MODE_ARCHIVE_PATH", Value: utility.ArchivePath(m.scriptsDir)},
			envfile.Var{Name: "DRY_RUN", Value: strconv.FormatBool(req.DryRun)},
		)
	case types.KindKubernetes:
		kubeconfig, err := writeKubeconfig(r.dir, req.Kubeconfig)
		if err != nil {
			return err
		}
		vars = append(vars,
			envfile.Var{Name: "KUBECONFIG", Value: kubeconfig},
			envfile.Var{Name: "IMAGE_PULL_SECRET", Value: req.ImagePullSecret},
		)
	}

	return envfile.Write(filepath.Join(r.dir, EnvFile), vars)
}

// Auth entries are kept raw so fields other than auth survive the copy.
type dockerConfig struct {
	Auths       map[string]json.RawMessage `json:"auths,omitempty"`
	CredsStore  string                     `json:"credsStore,omitempty"`
	CredHelpers map[string]string          `json:"credHelpers,omitempty"`
}

// writeDockerConfigs writes the registry credentials for the deployment and a
// secondary config carrying over the operator's own credential setup. It
// returns the two config directories; they are the same when the operator
// has nothing to carry over.
func writeDockerConfigs(dir string, req *Request) (string, string, error) {
	host := req.RegistryHost
	if host == "" {
		host = utility.DefaultRegistryHost
	}
	creds := base64.StdEncoding.EncodeToString([]byte(req.RegistryUser + ":" + req.RegistryPwd))

	primaryDir := filepath.Join(dir, ".docker")
	entry, err := json.Marshal(map[string]string{"auth": creds})
	if err != nil {
		return "", "", err
	}
	primary := dockerConfig{Auths: map[string]json.RawMessage{host: entry}}
	if err := writeJSON(filepath.Join(primaryDir, "config.json"), primary); err != nil {
		return "", "", err
	}

	secondary, err := secondaryDockerConfig(req.DockerConfigPath)
	if err != nil {
		return "", "", err
	}
	if secondary == nil {
		return primaryDir, primaryDir, nil
	}

	secondaryDir := filepath.Join(dir, ".docker-secondary")
	if err := writeJSON(filepath.Join(secondaryDir, "config.json"), secondary); err != nil {
		return "", "", err
	}
	return primaryDir, secondaryDir, nil
}

// secondaryDockerConfig extracts credsStore, credHelpers and auths from the
// operator's docker config. Missing or unparsable files yield nil.
func secondaryDockerConfig(path string) (*dockerConfig, error) {
	if path == "" {
		return nil, nil
	}
	path = expandHome(path)

	data, err := os.ReadFile(path)
	if stderrors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read docker config: %w", err)
	}

	var src dockerConfig
	if err := json.Unmarshal(data, &src); err != nil {
		return nil, nil
	}

	var out dockerConfig
	if src.CredsStore != "" {
		out.CredsStore = src.CredsStore
		out.Auths = map[string]json.RawMessage{defaultDockerHubAuth: json.RawMessage("{}")}
	}
	if len(src.CredHelpers) > 0 {
		out.CredHelpers = src.CredHelpers
	}
	if len(src.Auths) > 0 {
		if out.Auths == nil {
			out.Auths = make(map[string]json.RawMessage, len(src.Auths))
		}
		for k, v := range src.Auths {
			out.Auths[k] = v
		}
	}

	if out.CredsStore == "" && out.CredHelpers == nil && out.Auths == nil {
		return nil, nil
	}
	return &out, nil
}

// writeKubeconfig links a kubeconfig path, or writes inline content, to
// .kube/config and returns that path.
func writeKubeconfig(dir, kubeconfig string) (string, error) {
	kubeDir := filepath.Join(dir, ".kube")
	if err := os.MkdirAll(kubeDir, 0700); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", kubeDir, err)
	}
	target := filepath.Join(kubeDir, "config")

	if info, err := os.Stat(kubeconfig); err == nil && info.Mode().IsRegular() {
		abs, err := filepath.Abs(kubeconfig)
		if err != nil {
			return "", err
		}
		if err := os.Symlink(abs, target); err != nil {
			return "", fmt.Errorf("failed to link kubeconfig: %w", err)
		}
		return target, nil
	}

	if err := os.WriteFile(target, []byte(kubeconfig), 0600); err != nil {
		return "", fmt.Errorf("failed to write kubeconfig: %w", err)
	}
	return target, nil
}

func writeJSON(path string, v interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(path), err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
