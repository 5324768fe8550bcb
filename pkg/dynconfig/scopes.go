package dynconfig

import (
	"fmt"
	"path/filepath"

	"github.com/davidthor/stackctl/pkg/envfile"
)

// Scopes maps each output file name to its ordered variable assignments.
type Scopes struct {
	names []string
	vars  map[string][]envfile.Var
}

// NewScopes seeds every declared scope with its defaults.
func NewScopes(cfg []EnvScope) *Scopes {
	s := &Scopes{vars: make(map[string][]envfile.Var, len(cfg))}
	for _, scope := range cfg {
		for _, v := range scope.Envs {
			s.Append(scope.Scope, v.Name, string(v.Default))
		}
		if _, ok := s.vars[scope.Scope]; !ok {
			s.names = append(s.names, scope.Scope)
			s.vars[scope.Scope] = nil
		}
	}
	return s
}

// Names returns scope names in declaration order.
func (s *Scopes) Names() []string {
	return append([]string(nil), s.names...)
}

// Has reports whether the scope exists.
func (s *Scopes) Has(scope string) bool {
	_, ok := s.vars[scope]
	return ok
}

// Vars returns the assignments of one scope.
func (s *Scopes) Vars(scope string) []envfile.Var {
	return s.vars[scope]
}

// Lookup returns the effective value of name in scope.
func (s *Scopes) Lookup(scope, name string) (string, bool) {
	for _, v := range envfile.Flatten(s.vars[scope]) {
		if v.Name == name {
			return v.Value, true
		}
	}
	return "", false
}

// Append adds an assignment, creating the scope if needed.
func (s *Scopes) Append(scope, name, value string) {
	if _, ok := s.vars[scope]; !ok {
		s.names = append(s.names, scope)
	}
	s.vars[scope] = append(s.vars[scope], envfile.Var{Name: name, Value: value})
}

// Override replaces, in every scope, the value of each variable whose name
// appears in values. Names no scope declares are ignored. Empty values leave
// the existing assignment alone.
func (s *Scopes) Override(values []envfile.Var) {
	mapping := make(map[string]string, len(values))
	for _, v := range values {
		mapping[v.Name] = v.Value
	}
	for _, scope := range s.names {
		vars := s.vars[scope]
		for i := range vars {
			if value, ok := mapping[vars[i].Name]; ok && value != "" {
				vars[i].Value = value
			}
		}
	}
}

// Dump writes one file per scope into dir.
func (s *Scopes) Dump(dir string) error {
	for _, scope := range s.names {
		if err := envfile.Write(filepath.Join(dir, scope), s.vars[scope]); err != nil {
			return fmt.Errorf("failed to write scope %s: %w", scope, err)
		}
	}
	return nil
}
