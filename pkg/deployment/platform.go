package deployment

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/davidthor/stackctl/pkg/state/types"
)

// Phase ids.
const (
	PhasePrepareEnv       = "prepare-env"
	PhasePreRequirements  = "pre-requirements"
	PhaseReleaseFetch     = "release-fetch"
	PhaseClusterName      = "cluster-name"
	PhaseConfiguration    = "configuration"
	PhasePreDeploymentOps = "major-pre-deployment-operations"
	PhaseDeploy           = "deploy"
	PhaseCompatibility    = "compatibility-check"
	PhaseRollout          = "rollout"
)

// Scripts shared by both platforms.
const (
	CompatibilityCheckScript = "compatibility-check.sh"
	UpdateReleaseScript      = "update-release.sh"
	ClusterNameScript        = "get-k8s-cluster-context-name.sh"
)

// ReleaseDirPrefix prefixes the directory a fetched release unpacks into.
const ReleaseDirPrefix = "syntho-charts-"

// Platform is the pipeline definition of one deployment kind.
type Platform struct {
	Kind types.Kind
	// Tooling is exported to update scripts as DEPLOYMENT_TOOLING.
	Tooling string
	// QuestionsPrefix names the question graph file and is exported as
	// CONFIGURATION_QUESTIONS_PREFIX.
	QuestionsPrefix string
	// RequireQuestions fails configuration when the release ships no
	// question graph. Otherwise only the configuration script runs.
	RequireQuestions bool

	ReleaseFetchScript  string
	ConfigurationScript string
	TeardownScript      string

	phases []Phase
}

// Phases returns the pipeline in execution order.
func (p *Platform) Phases() []Phase {
	return append([]Phase(nil), p.phases...)
}

// QuestionsPath returns where a release keeps its question graph.
func (p *Platform) QuestionsPath(deploymentDir, version string) string {
	return filepath.Join(deploymentDir, ReleaseDirPrefix+version, "dynamic-configuration", "src",
		p.QuestionsPrefix+"_questions.yaml")
}

func prepareEnvPhase() Phase {
	return Phase{
		ID:         PhasePrepareEnv,
		Title:      "Preparing environment",
		InProgress: types.StatusPreparingEnv,
		Succeeded:  types.StatusInitialized,
		Silent:     true,
		exec: func(ctx context.Context, m *Machine, r *run) error {
			return m.prepareEnv(r)
		},
	}
}

func preRequirementsPhase(script string) Phase {
	return scriptPhase(Phase{
		ID:             PhasePreRequirements,
		Title:          "Pre-requirement check",
		InProgress:     types.StatusPreReqCheckInProgress,
		Succeeded:      types.StatusPreReqCheckSucceeded,
		Failed:         types.StatusPreReqCheckFailed,
		FailureMessage: "pre requirements check failed",
	}, script)
}

func releaseFetchPhase(script string) Phase {
	return scriptPhase(Phase{
		ID:             PhaseReleaseFetch,
		Title:          "Downloading the release",
		InProgress:     types.StatusPreDeploymentOpsInProgress,
		Succeeded:      types.StatusPreDeploymentOpsSucceeded,
		Failed:         types.StatusPreDeploymentOpsFailed,
		FailureMessage: "pre deployment operations failed - downloading release",
	}, script)
}

func configurationPhase() Phase {
	return Phase{
		ID:             PhaseConfiguration,
		Title:          "Configuration",
		InProgress:     types.StatusPreDeploymentOpsInProgress,
		Succeeded:      types.StatusPreDeploymentOpsSucceeded,
		Failed:         types.StatusPreDeploymentOpsFailed,
		FailureMessage: "pre deployment operations failed - configuration",
		skipped:        func(r *run) bool { return r.req.SkipConfiguration },
		exec: func(ctx context.Context, m *Machine, r *run) error {
			return m.configure(ctx, r)
		},
	}
}

func deployPhase(script string) Phase {
	return scriptPhase(Phase{
		ID:             PhaseDeploy,
		Title:          "Deployment",
		InProgress:     types.StatusDeploymentInProgress,
		Succeeded:      types.StatusDeploymentSucceeded,
		Failed:         types.StatusDeploymentFailed,
		FailureMessage: "deployment failed",
	}, script)
}

// DockerCompose is the pipeline for Docker Compose hosts.
func DockerCompose() *Platform {
	p := &Platform{
		Kind:                types.KindDockerCompose,
		Tooling:             "docker-compose",
		QuestionsPrefix:     "dc",
		RequireQuestions:    true,
		ReleaseFetchScript:  "download-syntho-charts-release-dc.sh",
		ConfigurationScript: "configuration-questions-dc.sh",
		TeardownScript:      "cleanup-docker-compose.sh",
	}
	p.phases = []Phase{
		prepareEnvPhase(),
		preRequirementsPhase("pre-requirements-dc.sh"),
		releaseFetchPhase(p.ReleaseFetchScript),
		configurationPhase(),
		deployPhase("deploy-ray-and-syntho-stack-dc.sh"),
	}
	return p
}

// Kubernetes is the pipeline for Kubernetes clusters. Configuration runs
// before the release is fetched, so the question graph is optional here.
func Kubernetes() *Platform {
	p := &Platform{
		Kind:                types.KindKubernetes,
		Tooling:             "kubernetes",
		QuestionsPrefix:     "k8s",
		ReleaseFetchScript:  "download-syntho-charts-release.sh",
		ConfigurationScript: "configuration-questions.sh",
		TeardownScript:      "cleanup-kubernetes.sh",
	}
	p.phases = []Phase{
		prepareEnvPhase(),
		preRequirementsPhase("pre-requirements-kubernetes.sh"),
		{
			ID:             PhaseClusterName,
			Title:          "Resolving cluster name",
			InProgress:     types.StatusPreDeploymentOpsInProgress,
			Failed:         types.StatusPreDeploymentOpsFailed,
			FailureMessage: "pre deployment operations failed - resolving cluster name",
			Silent:         true,
			exec: func(ctx context.Context, m *Machine, r *run) error {
				return m.resolveClusterName(ctx, r)
			},
		},
		configurationPhase(),
		releaseFetchPhase(p.ReleaseFetchScript),
		scriptPhase(Phase{
			ID:             PhasePreDeploymentOps,
			Title:          "Major pre-deployment operations",
			InProgress:     types.StatusPreDeploymentOpsInProgress,
			Succeeded:      types.StatusPreDeploymentOpsSucceeded,
			Failed:         types.StatusPreDeploymentOpsFailed,
			FailureMessage: "pre deployment operations failed - setting up major pre-deployment components",
		}, "major-pre-deployment-operations.sh"),
		deployPhase("deploy-ray-and-syntho-stack.sh"),
	}
	return p
}

// PlatformFor returns the pipeline of kind.
func PlatformFor(kind types.Kind) (*Platform, error) {
	switch kind {
	case types.KindDockerCompose:
		return DockerCompose(), nil
	case types.KindKubernetes:
		return Kubernetes(), nil
	default:
		return nil, fmt.Errorf("no platform for deployment kind %q", kind)
	}
}

func (m *Machine) resolveClusterName(ctx context.Context, r *run) error {
	res := m.runner.Run(ctx, runnerRequest(m.scriptsDir, r.dir, ClusterNameScript, true, nil))
	if !res.Succeeded {
		return scriptError(ClusterNameScript, res)
	}

	name := strings.TrimSpace(res.Output)
	return m.store.Update(ctx, func(reg *types.Registry) error {
		d := reg.Get(r.id)
		if d == nil {
			return notFound(r.id)
		}
		d.ClusterName = name
		return nil
	})
}
