package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/davidthor/stackctl/pkg/deployment"
	"github.com/davidthor/stackctl/pkg/dockerhost"
	"github.com/davidthor/stackctl/pkg/state/types"
	"github.com/spf13/cobra"
)

const defaultDockerHost = "unix:///var/run/docker.sock"

var dockerComposeCLI = &platformCLI{
	kind:   types.KindDockerCompose,
	short:  "Manages Docker Compose deployments",
	title:  "Docker Compose",
	target: "docker compose",

	addDeployFlags: func(cmd *cobra.Command, f *deployFlags) {
		cmd.Flags().StringVar(&f.version, "version", "", "Syntho stack version to deploy")
		cmd.Flags().StringVar(&f.dockerHost, "docker-host", defaultDockerHost, "Docker host to deploy to")
		cmd.Flags().StringVar(&f.dockerSSHUserPrivateKey, "docker-ssh-user-private-key", "", "Private key for remote docker host access via ssh")
		cmd.Flags().StringVar(&f.dockerConfig, "docker-config", "", "Docker config.json path (default is ~/.docker/config.json)")
		cmd.Flags().BoolVar(&f.useOfflineRegistry, "use-offline-registry", false, "Pull images from the offline registry (see 'stackctl utilities activate-offline-mode --help')")
		cmd.Flags().BoolVar(&f.dryRun, "dry-run", false, "Let the scripts validate the deployment without starting the stack")
		_ = cmd.MarkFlagRequired("version")
	},

	prepare: func(f *deployFlags, req *deployment.Request) error {
		dockerConfig, err := validateDockerConfig(f.dockerConfig)
		if err != nil {
			return err
		}
		req.DockerHost = f.dockerHost
		req.DockerSSHUserPrivateKey = f.dockerSSHUserPrivateKey
		req.DockerConfigPath = dockerConfig
		req.DryRun = f.dryRun
		return nil
	},

	describe: describeDockerHost,
}

// describeDockerHost appends a live view of the deployment's docker daemon.
func describeDockerHost(ctx context.Context, out io.Writer, d *types.Deployment) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	st := dockerhost.NewProbe().Check(ctx, d.HostName)
	printDockerHostStatus(out, st)
}

func printDockerHostStatus(out io.Writer, st *dockerhost.Status) {
	fmt.Fprintln(out)
	fmt.Fprintf(out, "Docker host %s:\n", st.Host)
	switch {
	case st.Skipped:
		fmt.Fprintln(out, "  not probed (remote host over ssh)")
	case !st.Reachable:
		fmt.Fprintf(out, "  ✗ unreachable: %v\n", st.Err)
	default:
		fmt.Fprintf(out, "  ● reachable (server %s)\n", st.ServerVersion)
		if st.Err != nil {
			fmt.Fprintf(out, "  ✗ %v\n", st.Err)
			return
		}
		fmt.Fprintf(out, "  %d/%d compose containers running\n", st.Running, st.Containers)
	}
}
