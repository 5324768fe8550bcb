package deployment

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/davidthor/stackctl/pkg/state/types"
)

// ID derives the deployment id from a kind-specific host descriptor: the
// docker host URI for dc, or kubeconfig content (or a path to it) for k8s.
// The same target always yields the same id.
func ID(kind types.Kind, descriptor string) (string, error) {
	var indicator string
	switch kind {
	case types.KindDockerCompose:
		indicator = "host:" + descriptor
	case types.KindKubernetes:
		indicator = descriptor
		if info, err := os.Stat(descriptor); err == nil && info.Mode().IsRegular() {
			content, err := os.ReadFile(descriptor)
			if err != nil {
				return "", fmt.Errorf("failed to read kubeconfig: %w", err)
			}
			indicator = string(content)
		}
	default:
		return "", kind.Validate()
	}

	sum := md5.Sum([]byte(indicator))
	return fmt.Sprintf("%s-%s", kind, hex.EncodeToString(sum[:])), nil
}
