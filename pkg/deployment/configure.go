package deployment

import (
	"context"
	stderrors "errors"
	"os"
	"path/filepath"

	"github.com/davidthor/stackctl/pkg/dynconfig"
	"github.com/davidthor/stackctl/pkg/envfile"
	"github.com/davidthor/stackctl/pkg/errors"
)

// Scopes that receive credentials after configuration.
const (
	ConfigScope        = ".config.env"
	PreDeploymentScope = ".pre.deployment.ops.env"
)

// configure runs the question graph of the release being deployed, writes
// the scope files and answers, then hands over to the configuration script.
func (m *Machine) configure(ctx context.Context, r *run) error {
	path := m.platform.QuestionsPath(r.dir, r.version)
	_, statErr := os.Stat(path)
	switch {
	case statErr == nil:
		if err := m.materialize(ctx, r, path); err != nil {
			return err
		}
	case stderrors.Is(statErr, os.ErrNotExist) && !m.platform.RequireQuestions:
		m.log.Debug().Str("path", path).Msg("release ships no question graph")
	default:
		return errors.Wrap(errors.ErrCodeNotFound, "question graph unavailable", statErr)
	}

	return m.runScript(ctx, r.dir, m.platform.ConfigurationScript, nil)
}

func (m *Machine) materialize(ctx context.Context, r *run, path string) error {
	schema, warnings, err := dynconfig.Load(path)
	if err != nil {
		return err
	}
	for _, w := range warnings {
		m.log.Warn().Str("path", path).Msg(w)
	}

	var res *dynconfig.Result
	if r.req.SkipConfiguration {
		res = dynconfig.Skip(schema)
	} else {
		funcs := &dynconfig.Functions{ScriptsDir: m.scriptsDir, DeploymentDir: r.dir, Runner: m.runner}
		engine := dynconfig.NewEngine(schema, funcs, m.prompter, m.out,
			dynconfig.WithPreviousAnswers(r.previous),
			dynconfig.WithEngineLogger(m.log))
		res, err = engine.Run(ctx)
		if err != nil {
			return err
		}
	}
	if res.Interrupted {
		return errors.New(errors.ErrCodeUserInterrupted, "configuration interrupted")
	}

	enrich(res.Scopes, r.req)
	if err := res.Scopes.Dump(r.dir); err != nil {
		return err
	}
	return envfile.Write(filepath.Join(r.dir, AnswersFile), res.Answers)
}

// enrich adds the credentials scripts need but questions never ask for.
func enrich(scopes *dynconfig.Scopes, req *Request) {
	scopes.Append(ConfigScope, "LICENSE_KEY", req.LicenseKey)
	if scopes.Has(PreDeploymentScope) {
		scopes.Append(PreDeploymentScope, "REGISTRY_USER", req.RegistryUser)
		scopes.Append(PreDeploymentScope, "REGISTRY_PWD", req.RegistryPwd)
	}
}

// previousAnswers loads the answers recorded by the last configuration.
func previousAnswers(dir string) (map[string]string, error) {
	answers, err := envfile.ReadFile(filepath.Join(dir, AnswersFile))
	if stderrors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return answers, err
}
