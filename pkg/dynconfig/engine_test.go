package dynconfig

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/davidthor/stackctl/pkg/envfile"
	"github.com/davidthor/stackctl/pkg/errors"
	"github.com/davidthor/stackctl/pkg/runner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadFixture(t *testing.T) *Schema {
	t.Helper()
	s, warnings, err := Load(filepath.Join("testdata", "questions.yaml"))
	require.NoError(t, err)
	assert.Empty(t, warnings)
	return s
}

func runEngine(t *testing.T, s *Schema, answers []string, opts ...EngineOption) (*Result, *ScriptedPrompter, string, error) {
	t.Helper()
	p := &ScriptedPrompter{Answers: answers}
	var out bytes.Buffer
	e := NewEngine(s, &Functions{}, p, &out, opts...)
	res, err := e.Run(context.Background())
	return res, p, out.String(), err
}

func TestEngine_RetriesUntilValid(t *testing.T) {
	res, p, out, err := runEngine(t, loadFixture(t), []string{"x", "Y", "16"})
	require.NoError(t, err)
	require.False(t, res.Interrupted)

	// The TLS question is asked twice, then the CPU question once.
	require.Len(t, p.Prompts, 3)
	assert.Equal(t, p.Prompts[0], p.Prompts[1])
	assert.Equal(t, "\t Please answer y or n\n", out)

	v, ok := res.Scopes.Lookup(".config.env", "TLS_ENABLED")
	require.True(t, ok)
	assert.Equal(t, "y", v, "post-processing lowercases the answer")

	v, _ = res.Scopes.Lookup(".config.env", "PROTOCOL")
	assert.Equal(t, "https", v)
	v, _ = res.Scopes.Lookup(".resources.env", "CPU_COUNT")
	assert.Equal(t, "16", v)
	v, _ = res.Scopes.Lookup(".resources.env", "WORKER_CPUS")
	assert.Equal(t, "8", v)
}

func TestEngine_DefaultsOnEmptyInput(t *testing.T) {
	res, _, out, err := runEngine(t, loadFixture(t), []string{"", ""})
	require.NoError(t, err)
	assert.Empty(t, out)

	assert.Equal(t, []envfile.Var{
		{Name: "TLS_ENABLED", Value: "n"},
		{Name: "CPU_COUNT", Value: "8"},
	}, res.Answers)
	assert.Equal(t, []envfile.Var{
		{Name: "PROTOCOL", Value: "http"},
		{Name: "WORKER_CPUS", Value: "4"},
	}, res.Exposed)
}

func TestEngine_InvalidIntegerPrintsError(t *testing.T) {
	res, p, out, err := runEngine(t, loadFixture(t), []string{"n", "many", "2"})
	require.NoError(t, err)
	assert.Len(t, p.Prompts, 3)
	assert.Equal(t, "\t Please enter a whole number\n", out)

	v, _ := res.Scopes.Lookup(".resources.env", "WORKER_CPUS")
	assert.Equal(t, "1", v)
}

func TestEngine_DumpWritesEachVariableOnce(t *testing.T) {
	res, _, _, err := runEngine(t, loadFixture(t), []string{"y", "4"})
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, res.Scopes.Dump(dir))

	data, err := os.ReadFile(filepath.Join(dir, ".config.env"))
	require.NoError(t, err)
	content := string(data)
	assert.Equal(t, 1, strings.Count(content, "TLS_ENABLED="))
	assert.Contains(t, content, `TLS_ENABLED="y"`)
	assert.Contains(t, content, `PROTOCOL="https"`)

	for _, scope := range []string{".resources.env", "runtime"} {
		_, err := os.Stat(filepath.Join(dir, scope))
		assert.NoError(t, err, scope)
	}
}

func TestEngine_InterruptedWritesNothing(t *testing.T) {
	res, _, _, err := runEngine(t, loadFixture(t), []string{"y"})
	require.NoError(t, err)
	assert.True(t, res.Interrupted)
	assert.Nil(t, res.Scopes)
}

func TestEngine_ExitAction(t *testing.T) {
	s := &Schema{
		Entrypoint: "go",
		Questions: []Question{{
			ID: "go", Prompt: "Continue? ", Var: "GO",
			Next: NextSpec{Template: "$GO", Conditions: []Condition{
				{When: "y", Action: ActionComplete},
				{When: "n", Action: ActionExit},
			}},
		}},
	}
	res, _, _, err := runEngine(t, s, []string{"n"})
	require.NoError(t, err)
	assert.True(t, res.Interrupted)
	assert.Nil(t, res.Scopes)
}

func TestEngine_NoMatchingCondition(t *testing.T) {
	s := &Schema{
		Entrypoint: "go",
		Questions: []Question{{
			ID: "go", Prompt: "Continue? ", Var: "GO",
			Next: NextSpec{Template: "$GO", Conditions: []Condition{{When: "y", Action: ActionComplete}}},
		}},
	}
	_, _, _, err := runEngine(t, s, []string{"maybe"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeGraphDefect))
}

func TestEngine_PreviousAnswers(t *testing.T) {
	res, p, _, err := runEngine(t, loadFixture(t), []string{"", ""},
		WithPreviousAnswers(map[string]string{"TLS_ENABLED": "y"}))
	require.NoError(t, err)

	assert.Contains(t, p.Prompts[0], "(previous answer: y)")
	assert.NotContains(t, p.Prompts[1], "previous answer")

	v, _ := res.Scopes.Lookup(".config.env", "TLS_ENABLED")
	assert.Equal(t, "y", v)
}

func TestEngine_ExposeChainsAndLookup(t *testing.T) {
	s := &Schema{
		Entrypoint: "ns",
		Questions: []Question{{
			ID: "ns", Prompt: "Namespace? ", Var: "NAMESPACE",
			Next: NextSpec{Template: "x", Conditions: []Condition{{
				When: "x", Action: ActionComplete,
				Expose: []ExposeAction{
					{Name: "STORAGE_CLASS_NAME", Func: FuncExternalLookup, Args: []string{"storageclass", "-n", "$NAMESPACE"}},
					{Name: "PV_LABEL", Func: FuncConcatenate, Args: []string{"sc-", "$STORAGE_CLASS_NAME"}},
				},
			}}},
		}},
		EnvsConfiguration: []EnvScope{{Scope: ".config.env", Envs: []EnvVar{
			{Name: "STORAGE_CLASS_NAME"}, {Name: "PV_LABEL"}, {Name: "NAMESPACE", Default: "default"},
		}}},
	}

	var params string
	fs := &Functions{Runner: runner.Func(func(_ context.Context, req runner.Request) runner.Result {
		params = req.Env["PARAMS"]
		return runner.Result{Succeeded: true, Output: "fast"}
	})}
	res, err := NewEngine(s, fs, &ScriptedPrompter{Answers: []string{"syntho"}}, &bytes.Buffer{}).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "storageclass -n syntho", params)
	v, _ := res.Scopes.Lookup(".config.env", "PV_LABEL")
	assert.Equal(t, "sc-fast", v)
	v, _ = res.Scopes.Lookup(".config.env", "NAMESPACE")
	assert.Equal(t, "syntho", v)
}

func TestEngine_LookupFailureIsExternalScriptError(t *testing.T) {
	s := &Schema{
		Entrypoint: "q",
		Questions: []Question{{
			ID: "q", Prompt: "? ", Var: "Q",
			Next: NextSpec{Template: "$Q", Conditions: []Condition{{
				When: "", Action: ActionComplete,
				Expose: []ExposeAction{{Name: "X", Func: FuncExternalLookup, Args: []string{"nodes"}}},
			}}},
		}},
	}
	fs := &Functions{Runner: runner.Func(func(context.Context, runner.Request) runner.Result {
		return runner.Result{ExitCode: 1}
	})}
	_, err := NewEngine(s, fs, &ScriptedPrompter{Answers: []string{""}}, &bytes.Buffer{}).Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeExternalScriptFailed))
}

func TestParse_Invalid(t *testing.T) {
	_, _, err := Parse([]byte("entrypoint: a\nquestions: []\n"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeValidation))

	doc := `
entrypoint: a
questions:
  - id: a
    question: "?"
    var: A
    next:
      value: "$A"
      conditions:
        - when: y
          action: complete
envs_configuration:
  - scope: .unknown.env
`
	_, _, err = Parse([]byte(doc))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeValidation))

	_, _, err = Parse([]byte("entrypoint: [unterminated"))
	assert.Error(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	_, _, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.True(t, os.IsNotExist(err))
}

func TestScalarDefault(t *testing.T) {
	s := loadFixture(t)
	assert.Equal(t, Scalar("8"), s.Question("cpu").Default)
	assert.Nil(t, s.Question("missing"))
}
