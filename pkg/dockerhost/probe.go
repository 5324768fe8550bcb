// Package dockerhost inspects the Docker daemon a Docker Compose deployment
// targets.
package dockerhost

import (
	"context"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
)

// ComposeProjectLabel marks containers started by docker compose.
const ComposeProjectLabel = "com.docker.compose.project"

// Status is a point-in-time view of a daemon.
type Status struct {
	Host string
	// Skipped is set for hosts the client cannot reach directly, such as
	// ssh:// hosts; the provisioning scripts talk to those themselves.
	Skipped       bool
	Reachable     bool
	ServerVersion string
	Containers    int
	Running       int
	Err           error
}

// Probe checks a daemon's health and counts its compose containers.
type Probe struct {
	opts []client.Opt
}

// NewProbe creates a probe. Extra client options are applied after the host.
func NewProbe(opts ...client.Opt) *Probe {
	return &Probe{opts: opts}
}

// Check probes host. A daemon that cannot be reached is reported in Status,
// not as an error.
func (p *Probe) Check(ctx context.Context, host string) *Status {
	st := &Status{Host: host}
	if strings.HasPrefix(host, "ssh://") {
		st.Skipped = true
		return st
	}

	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(append(opts, p.opts...)...)
	if err != nil {
		st.Err = fmt.Errorf("failed to create docker client: %w", err)
		return st
	}
	defer cli.Close()

	if _, err := cli.Ping(ctx); err != nil {
		st.Err = fmt.Errorf("docker daemon at %s is not reachable: %w", host, err)
		return st
	}
	st.Reachable = true

	if v, err := cli.ServerVersion(ctx); err == nil {
		st.ServerVersion = v.Version
	}

	containers, err := cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", ComposeProjectLabel)),
	})
	if err != nil {
		st.Err = fmt.Errorf("failed to list containers: %w", err)
		return st
	}
	st.Containers = len(containers)
	for _, c := range containers {
		if c.State == "running" {
			st.Running++
		}
	}
	return st
}
