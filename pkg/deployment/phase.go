package deployment

import (
	"context"
	"fmt"

	"github.com/davidthor/stackctl/pkg/errors"
	"github.com/davidthor/stackctl/pkg/state/types"
)

// PhaseInfo describes a phase to presentation layers.
type PhaseInfo struct {
	ID    string
	Title string
	// Skipped is set when the phase runs in a reduced form, such as
	// configuration with --skip-configuration.
	Skipped bool
}

// Observer receives callbacks for announced phases. Silent phases are only
// logged.
type Observer interface {
	PhaseStarted(step int, info PhaseInfo)
	PhaseCompleted(step int, info PhaseInfo, err error)
}

type nopObserver struct{}

func (nopObserver) PhaseStarted(int, PhaseInfo)          {}
func (nopObserver) PhaseCompleted(int, PhaseInfo, error) {}

// Phase is one step of a pipeline with the statuses it records.
type Phase struct {
	ID    string
	Title string

	// InProgress is recorded before the phase runs, Succeeded after it
	// succeeds and Failed when it fails. Empty statuses are not recorded;
	// a phase without a Failed status leaves the deployment where it stopped.
	InProgress types.Status
	Succeeded  types.Status
	Failed     types.Status

	// FailureMessage prefixes the error returned when the phase fails.
	FailureMessage string

	// Silent phases are not announced as numbered steps.
	Silent bool

	skipped func(r *run) bool
	exec    func(ctx context.Context, m *Machine, r *run) error
}

// run carries the state of one pipeline execution.
type run struct {
	req    *Request
	id     string
	dir    string
	status types.Status

	// version is the release the configuration phase reads questions from.
	version string
	// previous holds earlier answers offered as defaults on reconfiguration.
	previous map[string]string
}

// runPhases executes phases in order and stops at the first failure, which
// is returned along with the status the deployment was left in.
func (m *Machine) runPhases(ctx context.Context, r *run, phases []Phase) (types.Status, error) {
	step := 0
	for _, p := range phases {
		info := PhaseInfo{ID: p.ID, Title: p.Title}
		if p.skipped != nil {
			info.Skipped = p.skipped(r)
		}

		log := m.log.With("phase", p.ID).With("deployment_id", r.id)
		if !p.Silent {
			step++
			m.observer.PhaseStarted(step, info)
		}
		log.Debug().Msg("phase started")

		if p.InProgress != "" {
			if err := m.record(ctx, r, p.InProgress); err != nil {
				return r.status, err
			}
		}

		err := p.exec(ctx, m, r)
		if !p.Silent {
			m.observer.PhaseCompleted(step, info, err)
		}

		if err != nil {
			log.Warn().Err(err).Msg("phase failed")
			if p.Failed != "" {
				if serr := m.record(ctx, r, p.Failed); serr != nil {
					log.Error().Err(serr).Msg("failed to record phase failure")
				}
			}
			if p.FailureMessage == "" {
				return r.status, err
			}
			return r.status, fmt.Errorf("%s: %w", p.FailureMessage, err)
		}

		if p.Succeeded != "" {
			if err := m.record(ctx, r, p.Succeeded); err != nil {
				return r.status, err
			}
		}
		log.Debug().Msg("phase succeeded")
	}
	return r.status, nil
}

func (m *Machine) record(ctx context.Context, r *run, status types.Status) error {
	if err := m.SetState(ctx, r.id, status, false); err != nil {
		return err
	}
	r.status = status
	return nil
}

// scriptPhase runs a provisioning script with the deployment directory.
func scriptPhase(p Phase, script string) Phase {
	p.exec = func(ctx context.Context, m *Machine, r *run) error {
		return m.runScript(ctx, r.dir, script, nil)
	}
	return p
}

func (m *Machine) runScript(ctx context.Context, dir, script string, env map[string]string) error {
	res := m.runner.Run(ctx, runnerRequest(m.scriptsDir, dir, script, false, env))
	if !res.Succeeded {
		return errors.ScriptFailed(script, res.ExitCode, res.Output)
	}
	return nil
}
