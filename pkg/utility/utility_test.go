package utility

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/davidthor/stackctl/pkg/envfile"
	"github.com/davidthor/stackctl/pkg/errors"
	"github.com/davidthor/stackctl/pkg/lock"
	"github.com/davidthor/stackctl/pkg/runner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type call struct {
	script string
	status string
	env    map[string]string
}

// recorder runs no scripts; it records each invocation with the status file
// content at the time and fails the named script.
type recorder struct {
	calls  []call
	fail   string
	onCall func(req runner.Request)
}

func (r *recorder) Run(_ context.Context, req runner.Request) runner.Result {
	status, _ := os.ReadFile(filepath.Join(req.DeploymentDir, StatusFile))
	r.calls = append(r.calls, call{script: req.Script, status: string(status), env: req.Env})
	if r.onCall != nil {
		r.onCall(req)
	}
	if req.Script == r.fail {
		return runner.Result{ExitCode: 1}
	}
	return runner.Result{Succeeded: true}
}

func (r *recorder) scripts() []string {
	out := make([]string, len(r.calls))
	for i, c := range r.calls {
		out[i] = c.script
	}
	return out
}

type steps []string

func (s *steps) StepStarted(step int, title string) {
	*s = append(*s, title)
}

func dockerConfig(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), ".docker")
	require.NoError(t, os.MkdirAll(dir, 0755))
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0600))
	return path
}

func TestParseName(t *testing.T) {
	n, err := ParseName("prepull-images")
	require.NoError(t, err)
	assert.Equal(t, PrepullImages, n)

	_, err = ParseName("defrag")
	assert.Error(t, err)
}

func TestStatus_UnknownWithoutFile(t *testing.T) {
	assert.Equal(t, StatusUnknown, Status(t.TempDir(), PrepullImages))
}

func TestPrepullImages_StepsAndStatus(t *testing.T) {
	scripts := t.TempDir()
	rec := &recorder{}
	var seen steps
	u := NewRunner(scripts, WithScriptRunner(rec), WithObserver(&seen))

	err := u.PrepullImages(context.Background(), &Request{
		Version:          "1.4.0",
		Arch:             "amd",
		RegistryUser:     "user",
		RegistryPwd:      "pwd",
		TrustedRegistry:  "registry.internal:5000",
		DockerConfigPath: dockerConfig(t),
	})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"validate-prepull-images-process.sh",
		"authenticate-syntho-registry.sh",
		"prepull-images.sh",
		"deauthenticate-syntho-registry.sh",
	}, rec.scripts())
	assert.Equal(t, []string{"validating", "authenticating", "pulling", "deauthenticating"},
		[]string{rec.calls[0].status, rec.calls[1].status, rec.calls[2].status, rec.calls[3].status})
	assert.Len(t, seen, 4)

	dir := Dir(scripts, PrepullImages)
	assert.Equal(t, filepath.Join(dir, ".env"), rec.calls[0].env["CUSTOM_ENV_FILE_PATH"])
	assert.True(t, strings.HasSuffix(rec.calls[2].env["DOCKER_CONFIG"], ".docker"))

	assert.Equal(t, StatusCompleted, Status(scripts, PrepullImages))
	assert.False(t, lock.Held(dir))
	assert.NoError(t, Ready(scripts, PrepullImages))

	env, err := envfile.ReadFile(filepath.Join(dir, ".env"))
	require.NoError(t, err)
	assert.Equal(t, "registry.internal:5000", env["TRUSTED_REGISTRY"])
	assert.Equal(t, DefaultRegistryHost, env["SYNTHO_REGISTRY"])
	assert.Equal(t, "1.4.0", env["VERSION"])
}

func TestPrepullImages_RejectsConcurrentRun(t *testing.T) {
	scripts := t.TempDir()
	dir := Dir(scripts, PrepullImages)
	marker, err := lock.AcquireMarker(dir)
	require.NoError(t, err)
	defer marker.Release()

	rec := &recorder{}
	u := NewRunner(scripts, WithScriptRunner(rec))

	err = u.PrepullImages(context.Background(), &Request{DockerConfigPath: dockerConfig(t)})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeAlreadyRunning))
	assert.Contains(t, err.Error(), "there is an active prepull-images process")
	assert.Empty(t, rec.calls)
	assert.True(t, lock.Held(dir), "the other run keeps its marker")
}

func TestPrepullImages_FailureReleasesMarker(t *testing.T) {
	scripts := t.TempDir()
	rec := &recorder{fail: "authenticate-syntho-registry.sh"}
	u := NewRunner(scripts, WithScriptRunner(rec))

	err := u.PrepullImages(context.Background(), &Request{DockerConfigPath: dockerConfig(t)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "authentication has failed, please retry")
	assert.True(t, errors.Is(err, errors.ErrCodeExternalScriptFailed))

	assert.Equal(t, "authenticating", Status(scripts, PrepullImages))
	assert.False(t, lock.Held(Dir(scripts, PrepullImages)))
	assert.Error(t, Ready(scripts, PrepullImages))
}

func TestPrepullImages_MissingDockerConfig(t *testing.T) {
	scripts := t.TempDir()
	rec := &recorder{}
	u := NewRunner(scripts, WithScriptRunner(rec))

	missing := filepath.Join(t.TempDir(), "nowhere", "config.json")
	err := u.PrepullImages(context.Background(), &Request{DockerConfigPath: missing})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "there is no docker config found in this path: "+missing)
	assert.NotContains(t, rec.scripts(), "prepull-images.sh")
}

func TestPrepullImages_ResetsPreviousRun(t *testing.T) {
	scripts := t.TempDir()
	dir := Dir(scripts, PrepullImages)
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "leftover.log"), []byte("x"), 0644))

	u := NewRunner(scripts, WithScriptRunner(&recorder{}))
	require.NoError(t, u.PrepullImages(context.Background(), &Request{DockerConfigPath: dockerConfig(t)}))

	_, err := os.Stat(filepath.Join(dir, "leftover.log"))
	assert.True(t, os.IsNotExist(err))
}

func TestActivateOfflineMode_PackagesRegistry(t *testing.T) {
	scripts := t.TempDir()
	archivePath := ArchivePath(scripts)
	require.NoError(t, os.MkdirAll(filepath.Dir(archivePath), 0755))
	require.NoError(t, os.WriteFile(archivePath, []byte("stale"), 0644))

	rec := &recorder{onCall: func(req runner.Request) {
		if req.Script != "package-offline-registry.sh" {
			return
		}
		exportDir := req.Env["EXPORT_DIR"]
		require.NoError(t, os.MkdirAll(filepath.Join(exportDir, "registry"), 0755))
		require.NoError(t, os.WriteFile(filepath.Join(exportDir, "registry", "index.json"), []byte("{}"), 0644))
	}}
	var seen steps
	u := NewRunner(scripts,
		WithScriptRunner(rec),
		WithObserver(&seen),
		WithPortProbe(func(port int) bool { return port >= 5022 }))

	err := u.ActivateOfflineMode(context.Background(), &Request{
		Version:          "1.4.0",
		Arch:             "arm",
		RegistryUser:     "user",
		RegistryPwd:      "pwd",
		DockerConfigPath: dockerConfig(t),
	})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"authenticate-syntho-registry.sh",
		"create-offline-registry.sh",
		"deauthenticate-syntho-registry.sh",
		"package-offline-registry.sh",
	}, rec.scripts())
	assert.Equal(t, []string{"authenticating", "creating-offline-registry", "deauthenticating", "packaging"},
		[]string{rec.calls[0].status, rec.calls[1].status, rec.calls[2].status, rec.calls[3].status})
	assert.Len(t, seen, 4)

	env, err := envfile.ReadFile(filepath.Join(Dir(scripts, ActivateOfflineMode), ".env"))
	require.NoError(t, err)
	assert.Equal(t, "5022", env["AVAILABLE_PORT"])
	assert.Equal(t, "localhost:5022", env["OFFLINE_REGISTRY"])
	assert.Equal(t, "arm", env["ARCH"])

	f, err := os.Open(archivePath)
	require.NoError(t, err)
	defer f.Close()
	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	tr := tar.NewReader(gz)

	var names []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, strings.TrimPrefix(hdr.Name, "./"))
	}
	assert.Contains(t, names, "registry/index.json")

	assert.NoError(t, Ready(scripts, ActivateOfflineMode))
}

func TestActivateOfflineMode_FailureRemovesStaleArchive(t *testing.T) {
	scripts := t.TempDir()
	archivePath := ArchivePath(scripts)
	require.NoError(t, os.MkdirAll(filepath.Dir(archivePath), 0755))
	require.NoError(t, os.WriteFile(archivePath, []byte("stale"), 0644))

	u := NewRunner(scripts,
		WithScriptRunner(&recorder{fail: "create-offline-registry.sh"}),
		WithPortProbe(func(int) bool { return true }))

	err := u.ActivateOfflineMode(context.Background(), &Request{DockerConfigPath: dockerConfig(t)})
	require.Error(t, err)

	_, statErr := os.Stat(archivePath)
	assert.True(t, os.IsNotExist(statErr))
	assert.Equal(t, "creating-offline-registry", Status(scripts, ActivateOfflineMode))
	assert.Error(t, Ready(scripts, ActivateOfflineMode))
}

func TestFreePort(t *testing.T) {
	u := NewRunner(t.TempDir(), WithPortProbe(func(int) bool { return false }))
	_, err := u.freePort(OfflinePortRange)
	assert.EqualError(t, err, "there is no available port between 5020-5050")

	_, err = u.freePort("not-a-range")
	assert.Error(t, err)
}
