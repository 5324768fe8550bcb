// Package dynconfig interprets declarative question graphs and turns the
// answers into scoped environment files for the provisioning scripts.
package dynconfig

import (
	"fmt"
	"os"
	"strings"

	"github.com/davidthor/stackctl/pkg/errors"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Action is what happens after a condition matches.
type Action string

const (
	ActionProceed  Action = "proceed"
	ActionExit     Action = "exit"
	ActionComplete Action = "complete"
)

// Criterion decides when a validation rule passes.
type Criterion string

const (
	CriterionNoError  Criterion = "noerror"
	CriterionNotEmpty Criterion = "notempty"
)

// UnmarshalYAML accepts both the compact and the snake_case spellings.
func (c *Criterion) UnmarshalYAML(node *yaml.Node) error {
	switch strings.ToLower(node.Value) {
	case "noerror", "no_error":
		*c = CriterionNoError
	case "notempty", "non_empty", "not_empty":
		*c = CriterionNotEmpty
	default:
		return fmt.Errorf("line %d: unknown success criterion %q", node.Line, node.Value)
	}
	return nil
}

// Scalar is a YAML scalar kept as its literal text, so `default: 8` loads as "8".
type Scalar string

func (s *Scalar) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected a scalar value", node.Line)
	}
	if node.Tag == "!!null" {
		*s = ""
		return nil
	}
	*s = Scalar(node.Value)
	return nil
}

// Schema is a complete question graph with its environment scopes.
type Schema struct {
	Entrypoint        string     `yaml:"entrypoint" validate:"required"`
	Questions         []Question `yaml:"questions" validate:"required,min=1,dive"`
	EnvsConfiguration []EnvScope `yaml:"envs_configuration" validate:"dive"`
}

// Question is one node of the graph.
type Question struct {
	ID             string           `yaml:"id" validate:"required"`
	Prompt         string           `yaml:"question" validate:"required"`
	Var            string           `yaml:"var" validate:"required"`
	Default        Scalar           `yaml:"default"`
	Validation     []ValidationRule `yaml:"validation" validate:"dive"`
	PostProcessing []Step           `yaml:"post_processing" validate:"dive"`
	Next           NextSpec         `yaml:"next"`
}

// ValidationRule checks a candidate answer.
type ValidationRule struct {
	Func    Func      `yaml:"func" validate:"required"`
	Args    []string  `yaml:"args"`
	Success Criterion `yaml:"success" validate:"required"`
	ErrMsg  string    `yaml:"err_msg" validate:"required"`
}

// Step is a post-processing transformation.
type Step struct {
	Func Func `yaml:"func" validate:"required"`
}

// NextSpec picks the following question from the answer.
type NextSpec struct {
	Template   string      `yaml:"value"`
	Conditions []Condition `yaml:"conditions" validate:"dive"`
}

// Condition is matched exactly against the substituted NextSpec template.
type Condition struct {
	When       Scalar         `yaml:"when"`
	QuestionID string         `yaml:"question_id"`
	Action     Action         `yaml:"action" validate:"required,oneof=proceed exit complete"`
	Expose     []ExposeAction `yaml:"expose" validate:"dive"`
}

// ExposeAction computes a derived variable.
type ExposeAction struct {
	Name string   `yaml:"name" validate:"required"`
	Func Func     `yaml:"func" validate:"required"`
	Args []string `yaml:"args"`
}

// EnvScope declares the variables written to one output file.
type EnvScope struct {
	Scope string   `yaml:"scope" validate:"required,oneof=.config.env .resources.env .auth.env .pre.deployment.ops.env .post.deployment.ops.env runtime"`
	Envs  []EnvVar `yaml:"envs" validate:"dive"`
}

// EnvVar is a declared variable with its fallback value.
type EnvVar struct {
	Name    string `yaml:"name" validate:"required"`
	Default Scalar `yaml:"default"`
}

// Question returns the question with the given id, or nil.
func (s *Schema) Question(id string) *Question {
	for i := range s.Questions {
		if s.Questions[i].ID == id {
			return &s.Questions[i]
		}
	}
	return nil
}

var validate = validator.New()

// Parse decodes and validates a question graph document.
func Parse(data []byte) (*Schema, []string, error) {
	var schema Schema
	if err := yaml.Unmarshal(data, &schema); err != nil {
		return nil, nil, err
	}
	if err := validate.Struct(&schema); err != nil {
		return nil, nil, errors.Wrap(errors.ErrCodeValidation, "question graph schema is invalid", err)
	}
	warnings, err := CheckGraph(&schema)
	if err != nil {
		return nil, nil, err
	}
	return &schema, warnings, nil
}

// Load reads and validates the question graph at path. Warnings describe
// non-fatal findings such as unreachable questions.
func Load(path string) (*Schema, []string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	schema, warnings, err := Parse(data)
	if err != nil {
		if errors.Is(err, errors.ErrCodeValidation) || errors.Is(err, errors.ErrCodeGraphDefect) {
			return nil, nil, fmt.Errorf("%s: %w", path, err)
		}
		return nil, nil, errors.ParseError(path, err)
	}
	return schema, warnings, nil
}
