package dynconfig

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/davidthor/stackctl/pkg/runner"
	"gopkg.in/yaml.v3"
)

// Func is one of the built-in effects a question graph may call. The set is
// closed; graph files name functions, never code.
type Func int

const (
	FuncRegexMatch Func = iota + 1
	FuncLowercase
	FuncExternalLookup
	FuncIdentity
	FuncConcatenate
	FuncIntegerDivide
	FuncMembership
)

// Canonical names as they appear in shipped graph files, followed by aliases.
var funcNames = map[string]Func{
	"regex":           FuncRegexMatch,
	"lowercase":       FuncLowercase,
	"kubectlget":      FuncExternalLookup,
	"returnasis":      FuncIdentity,
	"concatenate":     FuncConcatenate,
	"divide":          FuncIntegerDivide,
	"onlythesevalues": FuncMembership,

	"regex_match":     FuncRegexMatch,
	"external_lookup": FuncExternalLookup,
	"identity":        FuncIdentity,
	"integer_divide":  FuncIntegerDivide,
	"membership":      FuncMembership,
}

func (f Func) String() string {
	switch f {
	case FuncRegexMatch:
		return "regex"
	case FuncLowercase:
		return "lowercase"
	case FuncExternalLookup:
		return "kubectlget"
	case FuncIdentity:
		return "returnasis"
	case FuncConcatenate:
		return "concatenate"
	case FuncIntegerDivide:
		return "divide"
	case FuncMembership:
		return "onlythesevalues"
	default:
		return fmt.Sprintf("Func(%d)", int(f))
	}
}

// ParseFunc resolves a function name.
func ParseFunc(name string) (Func, error) {
	if f, ok := funcNames[strings.ToLower(strings.TrimSpace(name))]; ok {
		return f, nil
	}
	return 0, fmt.Errorf("unknown function %q", name)
}

func (f *Func) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := ParseFunc(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*f = parsed
	return nil
}

func (f Func) MarshalYAML() (interface{}, error) {
	return f.String(), nil
}

var (
	ErrNoMatch       = errors.New("value does not match pattern")
	ErrNotAllowed    = errors.New("value is not one of the allowed values")
	ErrNotAnInteger  = errors.New("operand is not an integer")
	ErrDivideByZero  = errors.New("division by zero")
	ErrLookupFailed  = errors.New("external lookup failed")
	ErrArgumentCount = errors.New("wrong number of arguments")
)

// LookupScript is the script external lookups shell out to. It receives the
// joined arguments in PARAMS.
const LookupScript = "kubectlget.sh"

// Functions executes built-in effects for one deployment.
type Functions struct {
	ScriptsDir    string
	DeploymentDir string
	Runner        runner.Runner
}

// Call invokes f with already-substituted arguments.
func (fs *Functions) Call(ctx context.Context, f Func, args []string) (string, error) {
	switch f {
	case FuncRegexMatch:
		if err := arity(f, args, 2); err != nil {
			return "", err
		}
		return regexMatch(args[0], args[1])
	case FuncLowercase:
		if err := arity(f, args, 1); err != nil {
			return "", err
		}
		return strings.ToLower(args[0]), nil
	case FuncExternalLookup:
		if len(args) == 0 {
			return "", fmt.Errorf("%s: %w: want at least 1, got 0", f, ErrArgumentCount)
		}
		return fs.externalLookup(ctx, args)
	case FuncIdentity:
		if err := arity(f, args, 1); err != nil {
			return "", err
		}
		return args[0], nil
	case FuncConcatenate:
		return strings.Join(args, ""), nil
	case FuncIntegerDivide:
		if err := arity(f, args, 2); err != nil {
			return "", err
		}
		return integerDivide(args[0], args[1])
	case FuncMembership:
		if err := arity(f, args, 2); err != nil {
			return "", err
		}
		return membership(args[0], args[1])
	default:
		return "", fmt.Errorf("unknown function %s", f)
	}
}

func arity(f Func, args []string, want int) error {
	if len(args) != want {
		return fmt.Errorf("%s: %w: want %d, got %d", f, ErrArgumentCount, want, len(args))
	}
	return nil
}

// regexMatch anchors the pattern at the start of text only.
func regexMatch(pattern, text string) (string, error) {
	re, err := regexp.Compile(`^(?:` + pattern + `)`)
	if err != nil {
		return "", fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	if !re.MatchString(text) {
		return "", fmt.Errorf("%w: %q", ErrNoMatch, text)
	}
	return text, nil
}

func integerDivide(dividend, divisor string) (string, error) {
	a, err := strconv.Atoi(strings.TrimSpace(dividend))
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrNotAnInteger, dividend)
	}
	b, err := strconv.Atoi(strings.TrimSpace(divisor))
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrNotAnInteger, divisor)
	}
	if b == 0 {
		return "", ErrDivideByZero
	}
	// Go integer division truncates toward zero.
	return strconv.Itoa(a / b), nil
}

func membership(value, allowed string) (string, error) {
	for _, candidate := range strings.Split(allowed, ",") {
		if value == candidate {
			return value, nil
		}
	}
	return "", fmt.Errorf("%w: %q not in [%s]", ErrNotAllowed, value, allowed)
}

func (fs *Functions) externalLookup(ctx context.Context, args []string) (string, error) {
	if fs.Runner == nil {
		return "", fmt.Errorf("%w: no runner configured", ErrLookupFailed)
	}
	res := fs.Runner.Run(ctx, runner.Request{
		ScriptsDir:    fs.ScriptsDir,
		DeploymentDir: fs.DeploymentDir,
		Script:        LookupScript,
		CaptureOutput: true,
		Env:           map[string]string{"PARAMS": strings.Join(args, " ")},
	})
	if !res.Succeeded {
		return "", fmt.Errorf("%w: %s exited with code %d", ErrLookupFailed, LookupScript, res.ExitCode)
	}
	return res.Output, nil
}
