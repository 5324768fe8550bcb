package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/davidthor/stackctl/pkg/secrets"
	"github.com/davidthor/stackctl/pkg/state/types"
	"gopkg.in/yaml.v3"
)

const defaultDockerConfig = "~/.docker/config.json"

// registryFlags are the image source flags shared by both platforms.
type registryFlags struct {
	registryUser       string
	registryPwd        string
	useTrustedRegistry bool
	useOfflineRegistry bool
	imagePullSecret    string
}

// validate checks that exactly one image source is usable.
func (f *registryFlags) validate(kind types.Kind) error {
	if f.useTrustedRegistry && f.useOfflineRegistry {
		return fmt.Errorf("either provide '--use-trusted-registry' or '--use-offline-registry'. Please check:\n" +
			"'stackctl utilities prepull-images --help'\n" +
			"'stackctl utilities activate-offline-mode --help'")
	}

	missingCredentials := f.registryUser == "" || f.registryPwd == ""
	if missingCredentials && !f.useTrustedRegistry && !f.useOfflineRegistry {
		if kind == types.KindKubernetes {
			return fmt.Errorf("either provide '--registry-user' and '--registry-pwd' or use '--use-trusted-registry'")
		}
		return fmt.Errorf("either provide '--registry-user' and '--registry-pwd' or use '--use-trusted-registry' or '--use-offline-registry'")
	}

	if kind == types.KindKubernetes && f.useTrustedRegistry && f.imagePullSecret == "" {
		return fmt.Errorf("--trusted-registry-image-pull-secret should be provided when --use-trusted-registry is used")
	}
	return nil
}

// validateKubeconfig accepts kubeconfig content or a path to it.
func validateKubeconfig(value string) error {
	if value == "" {
		return fmt.Errorf("KUBECONFIG cannot be an empty string")
	}

	data := []byte(value)
	if content, err := os.ReadFile(expandHome(value)); err == nil {
		data = content
	}

	var config map[string]interface{}
	if err := yaml.Unmarshal(data, &config); err != nil || config == nil {
		return fmt.Errorf("KUBECONFIG is neither a valid YAML string nor a path to a valid YAML file")
	}

	for _, field := range []string{"clusters", "contexts", "users"} {
		if !present(config[field]) {
			return fmt.Errorf("KUBECONFIG is not valid. It should have 'clusters', 'contexts', and 'users' fields")
		}
	}
	return nil
}

func present(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case []interface{}:
		return len(t) > 0
	case map[string]interface{}:
		return len(t) > 0
	case string:
		return t != ""
	default:
		return true
	}
}

// validateDockerConfig returns the docker config path to use. The default
// path may be missing; an explicit one must exist.
func validateDockerConfig(value string) (string, error) {
	if value == "" {
		value = defaultDockerConfig
	}
	if _, err := os.Stat(expandHome(value)); err != nil && value != defaultDockerConfig {
		return "", fmt.Errorf("given docker config.json path %s is not valid, please provide the config.json that current docker context's daemon is using", value)
	}
	return value, nil
}

// detectArch maps the running architecture to the release naming.
func detectArch() (string, error) {
	return archFor(runtime.GOARCH)
}

func archFor(goarch string) (string, error) {
	switch goarch {
	case "amd64":
		return "amd", nil
	case "arm64":
		return "arm", nil
	default:
		return "", fmt.Errorf("unsupported architecture: %s. Only AMD/ARM is supported", goarch)
	}
}

func archText(arch string) string {
	text := "Architecture: " + arch + "64"
	if arch == "arm" {
		text += " - Beta"
	}
	return text
}

// resolveSecret turns env:, file: and awssm: references into their values.
func resolveSecret(ctx context.Context, m *secrets.Manager, flag, value string) (string, error) {
	resolved, err := m.Resolve(ctx, value)
	if err != nil {
		return "", fmt.Errorf("failed to resolve --%s: %w", flag, err)
	}
	return resolved, nil
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
