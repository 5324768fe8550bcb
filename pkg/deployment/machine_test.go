package deployment

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/davidthor/stackctl/pkg/dynconfig"
	"github.com/davidthor/stackctl/pkg/envfile"
	"github.com/davidthor/stackctl/pkg/errors"
	"github.com/davidthor/stackctl/pkg/runner"
	"github.com/davidthor/stackctl/pkg/state"
	"github.com/davidthor/stackctl/pkg/state/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const questionsYAML = `
entrypoint: domain
questions:
  - id: domain
    question: "Which domain should the UI be served on? "
    var: DOMAIN
    default: localhost
    next:
      value: "done"
      conditions:
        - when: done
          action: complete
envs_configuration:
  - scope: .config.env
    envs:
      - name: DOMAIN
        default: localhost
  - scope: .pre.deployment.ops.env
    envs:
      - name: NAMESPACE
        default: syntho
`

const localDocker = "unix:///var/run/docker.sock"

type invocation struct {
	script string
	status types.Status
	env    map[string]string
}

// fakeScripts stands in for the provisioning scripts. Release fetches drop the
// question graph into place the way the real download does.
type fakeScripts struct {
	t        *testing.T
	store    *state.Store
	platform *Platform

	calls       []invocation
	fail        map[string]bool
	clusterName string
	noQuestions bool
}

func (f *fakeScripts) Run(ctx context.Context, req runner.Request) runner.Result {
	var status types.Status
	if reg, err := f.store.Read(ctx); err == nil {
		for _, d := range reg.Deployments {
			if f.store.DeploymentDir(d.ID) == req.DeploymentDir {
				status = d.Status
			}
		}
	}
	f.calls = append(f.calls, invocation{script: req.Script, status: status, env: req.Env})

	if f.fail[req.Script] {
		return runner.Result{ExitCode: 2, Output: "boom"}
	}

	switch req.Script {
	case f.platform.ReleaseFetchScript:
		if f.noQuestions {
			break
		}
		env, err := envfile.ReadFile(filepath.Join(req.DeploymentDir, EnvFile))
		require.NoError(f.t, err)
		path := f.platform.QuestionsPath(req.DeploymentDir, env["VERSION"])
		require.NoError(f.t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(f.t, os.WriteFile(path, []byte(questionsYAML), 0644))
	case ClusterNameScript:
		return runner.Result{Succeeded: true, Output: f.clusterName + "\n"}
	}
	return runner.Result{Succeeded: true}
}

func (f *fakeScripts) scripts() []string {
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.script
	}
	return out
}

func (f *fakeScripts) reset() {
	f.calls = nil
}

type phaseLog struct {
	started   []string
	completed []error
	skipped   []bool
	steps     []int
}

func (p *phaseLog) PhaseStarted(step int, info PhaseInfo) {
	p.steps = append(p.steps, step)
	p.started = append(p.started, info.ID)
	p.skipped = append(p.skipped, info.Skipped)
}

func (p *phaseLog) PhaseCompleted(_ int, _ PhaseInfo, err error) {
	p.completed = append(p.completed, err)
}

type fixture struct {
	machine  *Machine
	scripts  *fakeScripts
	store    *state.Store
	prompter *dynconfig.ScriptedPrompter
	phases   *phaseLog
	dir      string
}

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newFixture(t *testing.T, kind types.Kind, answers ...string) *fixture {
	t.Helper()
	dir := t.TempDir()
	store, err := state.NewStore(filepath.Join(dir, "deployments"), kind)
	require.NoError(t, err)

	platform, err := PlatformFor(kind)
	require.NoError(t, err)

	f := &fixture{
		scripts:  &fakeScripts{t: t, store: store, platform: platform, fail: map[string]bool{}},
		store:    store,
		prompter: &dynconfig.ScriptedPrompter{Answers: answers},
		phases:   &phaseLog{},
		dir:      dir,
	}
	f.machine, err = New(filepath.Join(dir, "scripts"), store,
		WithRunner(f.scripts),
		WithPrompter(f.prompter),
		WithObserver(f.phases),
		WithOutput(io.Discard),
		WithClock(func() time.Time { return fixedNow }))
	require.NoError(t, err)
	return f
}

func dcRequest() *Request {
	return &Request{
		LicenseKey:   "license-123",
		RegistryUser: "user",
		RegistryPwd:  "pwd",
		Arch:         "amd",
		Version:      "1.4.0",
		DockerHost:   localDocker,
	}
}

func TestStart_DockerComposeCompletes(t *testing.T) {
	f := newFixture(t, types.KindDockerCompose, "example.com")
	ctx := context.Background()

	res := f.machine.Start(ctx, dcRequest())
	require.NoError(t, res.Err)
	assert.True(t, res.Succeeded)
	assert.Equal(t, types.StatusCompleted, res.Status)

	assert.Equal(t, []string{
		"pre-requirements-dc.sh",
		"download-syntho-charts-release-dc.sh",
		"configuration-questions-dc.sh",
		"deploy-ray-and-syntho-stack-dc.sh",
	}, f.scripts.scripts())
	assert.Equal(t, []types.Status{
		types.StatusPreReqCheckInProgress,
		types.StatusPreDeploymentOpsInProgress,
		types.StatusPreDeploymentOpsInProgress,
		types.StatusDeploymentInProgress,
	}, []types.Status{f.scripts.calls[0].status, f.scripts.calls[1].status, f.scripts.calls[2].status, f.scripts.calls[3].status})

	assert.Equal(t, []int{1, 2, 3, 4}, f.phases.steps)
	assert.Equal(t, []string{PhasePreRequirements, PhaseReleaseFetch, PhaseConfiguration, PhaseDeploy}, f.phases.started)

	d, err := f.machine.Get(ctx, res.DeploymentID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, d.Status)
	assert.Equal(t, "1.4.0", d.InitialVersion)
	assert.True(t, d.IsLocal)
	assert.Equal(t, localDocker, d.HostName)
	assert.Equal(t, fixedNow, d.StartedAt)
	require.NotNil(t, d.FinishedAt)
	assert.Equal(t, fixedNow, *d.FinishedAt)

	dir := f.machine.DeploymentDir(res.DeploymentID)
	env, err := envfile.ReadFile(filepath.Join(dir, EnvFile))
	require.NoError(t, err)
	assert.Equal(t, "license-123", env["LICENSE_KEY"])
	assert.Equal(t, localDocker, env["DOCKER_HOST"])
	assert.Equal(t, "false", env["USE_OFFLINE_REGISTRY"])
	assert.Equal(t, filepath.Join(dir, ".docker"), env["DOCKER_CONFIG"])

	config, err := envfile.ReadFile(filepath.Join(dir, ConfigScope))
	require.NoError(t, err)
	assert.Equal(t, "example.com", config["DOMAIN"])
	assert.Equal(t, "license-123", config["LICENSE_KEY"])

	pre, err := envfile.ReadFile(filepath.Join(dir, PreDeploymentScope))
	require.NoError(t, err)
	assert.Equal(t, "user", pre["REGISTRY_USER"])
	assert.Equal(t, "pwd", pre["REGISTRY_PWD"])

	answers, err := envfile.ReadFile(filepath.Join(dir, AnswersFile))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"DOMAIN": "example.com"}, answers)
}

func TestStart_CompletedTargetIsIdempotent(t *testing.T) {
	f := newFixture(t, types.KindDockerCompose, "")
	ctx := context.Background()

	first := f.machine.Start(ctx, dcRequest())
	require.True(t, first.Succeeded)
	f.scripts.reset()

	second := f.machine.Start(ctx, dcRequest())
	assert.True(t, second.Succeeded)
	assert.Equal(t, first.DeploymentID, second.DeploymentID)
	assert.Empty(t, f.scripts.calls)

	reg, err := f.machine.List(ctx)
	require.NoError(t, err)
	assert.Len(t, reg.Deployments, 1)
}

func TestStart_FailuresReportCleanupLevel(t *testing.T) {
	tests := []struct {
		name   string
		fail   string
		status types.Status
		level  CleanupLevel
		msg    string
	}{
		{
			name:   "pre-requirements",
			fail:   "pre-requirements-dc.sh",
			status: types.StatusPreReqCheckFailed,
			level:  CleanupDirectoryOnly,
			msg:    "pre requirements check failed",
		},
		{
			name:   "release fetch",
			fail:   "download-syntho-charts-release-dc.sh",
			status: types.StatusPreDeploymentOpsFailed,
			level:  CleanupFullTeardown,
			msg:    "downloading release",
		},
		{
			name:   "deploy",
			fail:   "deploy-ray-and-syntho-stack-dc.sh",
			status: types.StatusDeploymentFailed,
			level:  CleanupFullTeardown,
			msg:    "deployment failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, types.KindDockerCompose, "")
			f.scripts.fail[tt.fail] = true
			ctx := context.Background()

			res := f.machine.Start(ctx, dcRequest())
			require.Error(t, res.Err)
			assert.False(t, res.Succeeded)
			assert.Equal(t, tt.status, res.Status)
			assert.Equal(t, tt.level, res.CleanupLevel)
			assert.Contains(t, res.Err.Error(), tt.msg)
			assert.True(t, errors.Is(res.Err, errors.ErrCodeExternalScriptFailed))

			d, err := f.machine.Get(ctx, res.DeploymentID)
			require.NoError(t, err)
			assert.Equal(t, tt.status, d.Status)
			assert.Nil(t, d.FinishedAt)
		})
	}
}

func TestStart_UnfinishedBlocksRetry(t *testing.T) {
	f := newFixture(t, types.KindDockerCompose, "")
	f.scripts.fail["deploy-ray-and-syntho-stack-dc.sh"] = true
	ctx := context.Background()

	first := f.machine.Start(ctx, dcRequest())
	require.Error(t, first.Err)
	f.scripts.reset()
	delete(f.scripts.fail, "deploy-ray-and-syntho-stack-dc.sh")

	second := f.machine.Start(ctx, dcRequest())
	require.Error(t, second.Err)
	assert.True(t, errors.Is(second.Err, errors.ErrCodeUnfinished))
	assert.Equal(t, types.StatusDeploymentFailed, second.Status)
	assert.Equal(t, CleanupFullTeardown, second.CleanupLevel)
	assert.Empty(t, f.scripts.calls)

	reg, err := f.machine.List(ctx)
	require.NoError(t, err)
	assert.Len(t, reg.Deployments, 1)
}

func TestStart_StaleDirectoryWithoutEntry(t *testing.T) {
	f := newFixture(t, types.KindDockerCompose, "")
	id, err := ID(types.KindDockerCompose, localDocker)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(f.machine.DeploymentDir(id), 0755))

	res := f.machine.Start(context.Background(), dcRequest())
	require.Error(t, res.Err)
	assert.True(t, errors.Is(res.Err, errors.ErrCodeUnfinished))
	assert.Equal(t, CleanupDirectoryOnly, res.CleanupLevel)
	assert.Empty(t, f.scripts.calls)
}

// lockedScripts lets several machines share one fakeScripts.
type lockedScripts struct {
	mu sync.Mutex
	*fakeScripts
}

func (l *lockedScripts) Run(ctx context.Context, req runner.Request) runner.Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fakeScripts.Run(ctx, req)
}

func TestStart_ConcurrentRunsOnOneTarget(t *testing.T) {
	f := newFixture(t, types.KindDockerCompose)
	scripts := &lockedScripts{fakeScripts: f.scripts}
	ctx := context.Background()

	const runs = 8
	results := make([]*Result, runs)
	var wg sync.WaitGroup
	for i := 0; i < runs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Separate stores and machines model separate CLI processes.
			store, err := state.NewStore(f.store.Dir(), types.KindDockerCompose)
			if !assert.NoError(t, err) {
				return
			}
			m, err := New(filepath.Join(f.dir, "scripts"), store,
				WithRunner(scripts),
				WithOutput(io.Discard),
				WithClock(func() time.Time { return fixedNow }))
			if !assert.NoError(t, err) {
				return
			}
			req := dcRequest()
			req.SkipConfiguration = true
			results[i] = m.Start(ctx, req)
		}(i)
	}
	wg.Wait()

	for _, res := range results {
		require.NotNil(t, res)
		if res.Succeeded {
			continue
		}
		assert.True(t, errors.Is(res.Err, errors.ErrCodeUnfinished), "a run losing the race must not be cleaned up: %v", res.Err)
	}

	prereqs := 0
	for _, script := range f.scripts.scripts() {
		if script == "pre-requirements-dc.sh" {
			prereqs++
		}
	}
	assert.Equal(t, 1, prereqs, "only one run proceeds past initialization")

	id := results[0].DeploymentID
	d, err := f.machine.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, d.Status)
	assert.DirExists(t, f.machine.DeploymentDir(id))
}

func TestStart_InterruptedConfiguration(t *testing.T) {
	f := newFixture(t, types.KindDockerCompose)
	ctx := context.Background()

	res := f.machine.Start(ctx, dcRequest())
	require.Error(t, res.Err)
	assert.True(t, errors.Is(res.Err, errors.ErrCodeUserInterrupted))
	assert.Equal(t, types.StatusPreDeploymentOpsFailed, res.Status)
	assert.Equal(t, CleanupFullTeardown, res.CleanupLevel)
	assert.NotContains(t, f.scripts.scripts(), "configuration-questions-dc.sh")

	_, err := os.Stat(filepath.Join(f.machine.DeploymentDir(res.DeploymentID), ConfigScope))
	assert.True(t, os.IsNotExist(err), "nothing is written for an interrupted configuration")
}

func TestStart_MissingQuestionsFailsDockerCompose(t *testing.T) {
	f := newFixture(t, types.KindDockerCompose)
	f.scripts.noQuestions = true

	res := f.machine.Start(context.Background(), dcRequest())
	require.Error(t, res.Err)
	assert.True(t, errors.Is(res.Err, errors.ErrCodeNotFound))
	assert.Equal(t, types.StatusPreDeploymentOpsFailed, res.Status)
}

func TestStart_SkipConfigurationUsesDefaults(t *testing.T) {
	f := newFixture(t, types.KindDockerCompose)
	req := dcRequest()
	req.SkipConfiguration = true

	res := f.machine.Start(context.Background(), req)
	require.NoError(t, res.Err)
	assert.Empty(t, f.prompter.Prompts)
	assert.Equal(t, []bool{false, false, true, false}, f.phases.skipped)

	config, err := envfile.ReadFile(filepath.Join(f.machine.DeploymentDir(res.DeploymentID), ConfigScope))
	require.NoError(t, err)
	assert.Equal(t, "localhost", config["DOMAIN"])
}

func TestStart_KubernetesResolvesClusterName(t *testing.T) {
	f := newFixture(t, types.KindKubernetes)
	f.scripts.clusterName = "kind-syntho"
	f.scripts.noQuestions = true
	ctx := context.Background()

	kubeconfig := "apiVersion: v1\nclusters: []\ncontexts: []\nusers: []\n"
	res := f.machine.Start(ctx, &Request{
		LicenseKey:      "license-123",
		Version:         "1.4.0",
		Kubeconfig:      kubeconfig,
		ImagePullSecret: "regcred",
	})
	require.NoError(t, res.Err)

	assert.Equal(t, []string{
		"pre-requirements-kubernetes.sh",
		ClusterNameScript,
		"configuration-questions.sh",
		"download-syntho-charts-release.sh",
		"major-pre-deployment-operations.sh",
		"deploy-ray-and-syntho-stack.sh",
	}, f.scripts.scripts())
	assert.Equal(t, []int{1, 2, 3, 4, 5}, f.phases.steps, "cluster name resolution is not a numbered step")

	d, err := f.machine.Get(ctx, res.DeploymentID)
	require.NoError(t, err)
	assert.Equal(t, "kind-syntho", d.ClusterName)
	assert.Empty(t, d.HostName)

	dir := f.machine.DeploymentDir(res.DeploymentID)
	content, err := os.ReadFile(filepath.Join(dir, ".kube", "config"))
	require.NoError(t, err)
	assert.Equal(t, kubeconfig, string(content))

	env, err := envfile.ReadFile(filepath.Join(dir, EnvFile))
	require.NoError(t, err)
	assert.Equal(t, "regcred", env["IMAGE_PULL_SECRET"])
	assert.Equal(t, filepath.Join(dir, ".kube", "config"), env["KUBECONFIG"])
}

func TestStart_KubernetesClusterNameFailure(t *testing.T) {
	f := newFixture(t, types.KindKubernetes)
	f.scripts.fail[ClusterNameScript] = true

	res := f.machine.Start(context.Background(), &Request{Version: "1.4.0", Kubeconfig: "clusters: []"})
	require.Error(t, res.Err)
	assert.Equal(t, types.StatusPreDeploymentOpsFailed, res.Status)
	assert.Equal(t, CleanupFullTeardown, res.CleanupLevel)
}

func TestSetState(t *testing.T) {
	f := newFixture(t, types.KindDockerCompose, "")
	ctx := context.Background()
	f.scripts.fail["deploy-ray-and-syntho-stack-dc.sh"] = true
	res := f.machine.Start(ctx, dcRequest())
	require.Error(t, res.Err)

	assert.Error(t, f.machine.SetState(ctx, res.DeploymentID, types.Status("bogus"), false))
	assert.True(t, errors.Is(f.machine.SetState(ctx, "dc-missing", types.StatusCompleted, true), errors.ErrCodeNotFound))

	require.NoError(t, f.machine.SetState(ctx, res.DeploymentID, types.StatusDeploymentSucceeded, false))
	d, err := f.machine.Get(ctx, res.DeploymentID)
	require.NoError(t, err)
	assert.Nil(t, d.FinishedAt)

	require.NoError(t, f.machine.SetState(ctx, res.DeploymentID, types.StatusCompleted, true))
	d, err = f.machine.Get(ctx, res.DeploymentID)
	require.NoError(t, err)
	require.NotNil(t, d.FinishedAt)
	assert.Equal(t, fixedNow, *d.FinishedAt)
}

func TestCleanup_DirectoryOnlySkipsTeardown(t *testing.T) {
	f := newFixture(t, types.KindDockerCompose, "")
	f.scripts.fail["pre-requirements-dc.sh"] = true
	ctx := context.Background()

	res := f.machine.Start(ctx, dcRequest())
	require.Equal(t, CleanupDirectoryOnly, res.CleanupLevel)
	f.scripts.reset()

	require.NoError(t, f.machine.Cleanup(ctx, res.DeploymentID, res.CleanupLevel, false))
	assert.Empty(t, f.scripts.calls)

	_, err := os.Stat(f.machine.DeploymentDir(res.DeploymentID))
	assert.True(t, os.IsNotExist(err))
	_, err = f.machine.Get(ctx, res.DeploymentID)
	assert.True(t, errors.Is(err, errors.ErrCodeNotFound))
}

func TestCleanup_FullRunsTeardownFirst(t *testing.T) {
	f := newFixture(t, types.KindDockerCompose, "")
	f.scripts.fail["deploy-ray-and-syntho-stack-dc.sh"] = true
	ctx := context.Background()

	res := f.machine.Start(ctx, dcRequest())
	require.Equal(t, CleanupFullTeardown, res.CleanupLevel)
	f.scripts.reset()

	require.NoError(t, f.machine.Cleanup(ctx, res.DeploymentID, res.CleanupLevel, true))
	require.Equal(t, []string{"cleanup-docker-compose.sh"}, f.scripts.scripts())
	assert.Equal(t, "true", f.scripts.calls[0].env["FORCE"])

	_, err := os.Stat(f.machine.DeploymentDir(res.DeploymentID))
	assert.True(t, os.IsNotExist(err))
}

func TestCleanup_TeardownFailureKeepsDeployment(t *testing.T) {
	f := newFixture(t, types.KindDockerCompose, "")
	f.scripts.fail["deploy-ray-and-syntho-stack-dc.sh"] = true
	f.scripts.fail["cleanup-docker-compose.sh"] = true
	ctx := context.Background()

	res := f.machine.Start(ctx, dcRequest())
	err := f.machine.Cleanup(ctx, res.DeploymentID, CleanupFullTeardown, false)
	require.Error(t, err)

	_, statErr := os.Stat(f.machine.DeploymentDir(res.DeploymentID))
	assert.NoError(t, statErr)
	d, getErr := f.machine.Get(ctx, res.DeploymentID)
	require.NoError(t, getErr)
	assert.Equal(t, types.StatusDeploymentFailed, d.Status)
}

func TestCleanup_NoneIsNoop(t *testing.T) {
	f := newFixture(t, types.KindDockerCompose, "")
	ctx := context.Background()
	res := f.machine.Start(ctx, dcRequest())
	require.True(t, res.Succeeded)
	f.scripts.reset()

	require.NoError(t, f.machine.Cleanup(ctx, res.DeploymentID, CleanupNone, false))
	assert.Empty(t, f.scripts.calls)
	_, err := f.machine.Get(ctx, res.DeploymentID)
	assert.NoError(t, err)
}

func TestDestroy(t *testing.T) {
	f := newFixture(t, types.KindDockerCompose, "")
	ctx := context.Background()

	found, err := f.machine.Destroy(ctx, "dc-unknown", false)
	require.NoError(t, err)
	assert.False(t, found)

	res := f.machine.Start(ctx, dcRequest())
	require.True(t, res.Succeeded)
	f.scripts.reset()

	found, err = f.machine.Destroy(ctx, res.DeploymentID, false)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []string{"cleanup-docker-compose.sh"}, f.scripts.scripts(), "completed deployments are torn down fully")
	assert.Equal(t, "false", f.scripts.calls[0].env["FORCE"])

	reg, err := f.machine.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, reg.Deployments)
}

func TestDestroy_OrphanDirectory(t *testing.T) {
	f := newFixture(t, types.KindDockerCompose, "")
	dir := f.machine.DeploymentDir("dc-orphan")
	require.NoError(t, os.MkdirAll(dir, 0755))

	found, err := f.machine.Destroy(context.Background(), "dc-orphan", false)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Empty(t, f.scripts.calls)
	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
}

func TestNew_RejectsUnknownKind(t *testing.T) {
	_, err := PlatformFor(types.Kind("nomad"))
	assert.Error(t, err)
}
