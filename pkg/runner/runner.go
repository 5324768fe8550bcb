// Package runner executes provisioning scripts on behalf of the deployment
// lifecycle and the configuration engine.
package runner

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/davidthor/stackctl/pkg/logging"
	"github.com/google/uuid"
)

// Request describes a single script invocation.
type Request struct {
	// ScriptsDir is the directory holding the scripts.
	ScriptsDir string
	// DeploymentDir is exported as DEPLOYMENT_DIR and used as the working
	// directory when it exists.
	DeploymentDir string
	// Script is the file name inside ScriptsDir.
	Script string
	// CaptureOutput collects stdout as data instead of streaming it.
	CaptureOutput bool
	// Env holds extra variables layered over DEPLOYMENT_DIR and PATH.
	Env map[string]string
}

// Result is the outcome of a script run. It is never retried here.
type Result struct {
	Succeeded bool
	// Output is trimmed stdout on success and stderr on failure, when captured.
	Output   string
	ExitCode int
}

// Runner runs provisioning scripts.
type Runner interface {
	Run(ctx context.Context, req Request) Result
}

// Func adapts a plain function to the Runner interface.
type Func func(ctx context.Context, req Request) Result

func (f Func) Run(ctx context.Context, req Request) Result {
	return f(ctx, req)
}

// ScriptRunner runs scripts as child processes with a minimal environment.
type ScriptRunner struct {
	// Stdout and Stderr receive streamed output of uncaptured runs.
	Stdout io.Writer
	Stderr io.Writer

	log *logging.Logger
}

// NewScriptRunner creates a runner streaming to the process's stdout/stderr.
func NewScriptRunner(log *logging.Logger) *ScriptRunner {
	if log == nil {
		log = logging.Nop()
	}
	return &ScriptRunner{
		Stdout: os.Stdout,
		Stderr: os.Stderr,
		log:    log.Component("runner"),
	}
}

// Environment builds the child environment for req.
func Environment(req Request) []string {
	env := map[string]string{
		"DEPLOYMENT_DIR": req.DeploymentDir,
		"PATH":           os.Getenv("PATH"),
	}
	for k, v := range req.Env {
		env[k] = v
	}

	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

func (r *ScriptRunner) Run(ctx context.Context, req Request) Result {
	runID := uuid.New().String()
	scriptPath := filepath.Join(req.ScriptsDir, req.Script)
	log := r.log.With("run_id", runID)

	cmd := exec.CommandContext(ctx, scriptPath)
	cmd.Env = Environment(req)
	if info, err := os.Stat(req.DeploymentDir); err == nil && info.IsDir() {
		cmd.Dir = req.DeploymentDir
	}

	var stdout, stderr bytes.Buffer
	if req.CaptureOutput {
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
	} else {
		cmd.Stdout = r.Stdout
		cmd.Stderr = r.Stderr
	}

	log.Debug().Str("script", req.Script).Bool("capture", req.CaptureOutput).Msg("running script")
	start := time.Now()
	err := cmd.Run()

	result := Result{Succeeded: err == nil}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() > 0 {
			result.ExitCode = exitErr.ExitCode()
		} else {
			// Missing script, not executable, or killed by a signal.
			result.ExitCode = 1
		}
		if req.CaptureOutput {
			result.Output = strings.TrimSpace(stderr.String())
		}
		log.Warn().Err(err).Str("script", req.Script).Int("exit_code", result.ExitCode).
			Dur("elapsed", time.Since(start)).Msg("script failed")
		return result
	}

	if req.CaptureOutput {
		result.Output = strings.TrimSpace(stdout.String())
	}
	log.Debug().Str("script", req.Script).Dur("elapsed", time.Since(start)).Msg("script succeeded")
	return result
}
