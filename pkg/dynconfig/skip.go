package dynconfig

import "github.com/davidthor/stackctl/pkg/envfile"

// skipCompatOverrides holds the values used when configuration is skipped for
// variables whose question default differs from what a skipped run has always
// produced. Releases that predate the question graph shipped these values in
// their env files, and skipped runs must keep producing them.
var skipCompatOverrides = map[string]string{
	"TLS_ENABLED":        "n",
	"INGRESS_CONTROLLER": "nginx",
	"STORAGE_CLASS_NAME": "default",
}

// SkipAnswers returns the answers a skipped configuration records: each
// question's default, with compatibility overrides applied afterwards for the
// variables the graph actually asks about.
func SkipAnswers(s *Schema) []envfile.Var {
	answers := make([]envfile.Var, 0, len(s.Questions))
	for _, q := range s.Questions {
		value := string(q.Default)
		if compat, ok := skipCompatOverrides[q.Var]; ok {
			value = compat
		}
		answers = append(answers, envfile.Var{Name: q.Var, Value: value})
	}
	return answers
}

// Skip builds the scopes of a skipped configuration without asking anything.
func Skip(s *Schema) *Result {
	answers := SkipAnswers(s)
	scopes := NewScopes(s.EnvsConfiguration)
	scopes.Override(answers)
	return &Result{Scopes: scopes, Answers: answers}
}
