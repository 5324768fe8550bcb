package dynconfig

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"

	"github.com/davidthor/stackctl/pkg/envfile"
	"github.com/davidthor/stackctl/pkg/errors"
	"github.com/davidthor/stackctl/pkg/logging"
)

// Result is the outcome of a traversal.
type Result struct {
	// Interrupted is set when the operator aborted or a condition chose exit.
	// Scopes is nil in that case and nothing should be written.
	Interrupted bool
	Scopes      *Scopes
	Answers     []envfile.Var
	Exposed     []envfile.Var
}

// Engine walks a question graph.
type Engine struct {
	schema   *Schema
	funcs    *Functions
	prompter Prompter
	out      io.Writer
	log      *logging.Logger

	previous map[string]string
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithPreviousAnswers offers earlier answers, keyed by variable name, as the
// defaults when a question is asked again.
func WithPreviousAnswers(answers map[string]string) EngineOption {
	return func(e *Engine) { e.previous = answers }
}

// WithEngineLogger sets the engine logger.
func WithEngineLogger(l *logging.Logger) EngineOption {
	return func(e *Engine) { e.log = l.Component("dynconfig") }
}

// NewEngine creates an engine. Validation messages are written to out.
func NewEngine(schema *Schema, funcs *Functions, prompter Prompter, out io.Writer, opts ...EngineOption) *Engine {
	e := &Engine{
		schema:   schema,
		funcs:    funcs,
		prompter: prompter,
		out:      out,
		log:      logging.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run asks questions from the entrypoint until a condition exits or completes.
// Operator interrupts are reported through Result, not as errors; errors mean
// the graph or a function misbehaved.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	current := e.schema.Entrypoint
	action := ActionProceed

	var answers, exposed []envfile.Var
	for action == ActionProceed {
		q := e.schema.Question(current)
		if q == nil {
			return nil, errors.GraphDefect(current, fmt.Sprintf("question %q does not exist", current))
		}

		value, err := e.ask(ctx, q)
		if stderrors.Is(err, ErrInterrupted) {
			e.log.Info().Str("question_id", q.ID).Msg("configuration interrupted")
			return &Result{Interrupted: true}, nil
		}
		if err != nil {
			return nil, err
		}

		cond, stepExposed, err := e.resolveNext(ctx, q, value)
		if err != nil {
			return nil, err
		}

		answers = append(answers, envfile.Var{Name: q.Var, Value: value})
		exposed = append(exposed, stepExposed...)
		current, action = cond.QuestionID, cond.Action
		e.log.Debug().Str("question_id", q.ID).Str("action", string(action)).Str("next", current).Msg("question answered")
	}

	if action == ActionExit {
		return &Result{Interrupted: true, Answers: answers, Exposed: exposed}, nil
	}

	scopes := NewScopes(e.schema.EnvsConfiguration)
	scopes.Override(answers)
	scopes.Override(exposed)

	return &Result{Scopes: scopes, Answers: answers, Exposed: exposed}, nil
}

// ask prompts until every validation rule passes, then post-processes.
func (e *Engine) ask(ctx context.Context, q *Question) (string, error) {
	def := string(q.Default)
	text := q.Prompt
	if prev, ok := e.previous[q.Var]; ok {
		def = prev
		text = fmt.Sprintf("%s(previous answer: %s) ", q.Prompt, prev)
	}

	for {
		value, err := e.prompter.Prompt(ctx, text)
		if err != nil {
			return "", err
		}
		if value == "" {
			value = def
		}

		if e.validate(ctx, q, value) {
			return e.postProcess(ctx, q, value)
		}
	}
}

// validate evaluates every rule, printing each failure, and reports whether
// all passed.
func (e *Engine) validate(ctx context.Context, q *Question, value string) bool {
	vars := map[string]string{q.Var: value}
	passed := true
	for _, rule := range q.Validation {
		out, err := e.funcs.Call(ctx, rule.Func, SubstituteAll(rule.Args, vars))
		if err == nil && rule.Success == CriterionNotEmpty && out == "" {
			err = fmt.Errorf("%s returned an empty value", rule.Func)
		}
		if err != nil {
			e.log.Debug().Err(err).Str("question_id", q.ID).Str("func", rule.Func.String()).Msg("validation failed")
			fmt.Fprintf(e.out, "\t %s\n", rule.ErrMsg)
			passed = false
		}
	}
	return passed
}

func (e *Engine) postProcess(ctx context.Context, q *Question, value string) (string, error) {
	for _, step := range q.PostProcessing {
		out, err := e.funcs.Call(ctx, step.Func, []string{value})
		if err != nil {
			return "", fmt.Errorf("question %q: post-processing %s: %w", q.ID, step.Func, err)
		}
		value = out
	}
	return value, nil
}

// resolveNext picks the first condition equal to the substituted template and
// computes its exposures left to right.
func (e *Engine) resolveNext(ctx context.Context, q *Question, value string) (*Condition, []envfile.Var, error) {
	vars := map[string]string{q.Var: value}
	key := Substitute(q.Next.Template, vars)

	var cond *Condition
	for i := range q.Next.Conditions {
		if string(q.Next.Conditions[i].When) == key {
			cond = &q.Next.Conditions[i]
			break
		}
	}
	if cond == nil {
		return nil, nil, errors.GraphDefect(q.ID, fmt.Sprintf("question %q: no condition matches %q", q.ID, key))
	}

	exposed := make([]envfile.Var, 0, len(cond.Expose))
	for _, x := range cond.Expose {
		out, err := e.funcs.Call(ctx, x.Func, SubstituteAll(x.Args, vars))
		if err != nil {
			wrapped := fmt.Errorf("question %q: expose %s: %w", q.ID, x.Name, err)
			if stderrors.Is(err, ErrLookupFailed) {
				return nil, nil, errors.Wrap(errors.ErrCodeExternalScriptFailed, "external lookup failed", wrapped)
			}
			return nil, nil, wrapped
		}
		exposed = append(exposed, envfile.Var{Name: x.Name, Value: out})
		// Later expose actions in this step may refer to this one.
		vars[x.Name] = out
	}
	return cond, exposed, nil
}
