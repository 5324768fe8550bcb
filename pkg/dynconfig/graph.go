package dynconfig

import (
	"fmt"
	"sort"

	"github.com/davidthor/stackctl/pkg/errors"
)

// CheckGraph verifies that the question graph can only end in exit or
// complete. It returns warnings for questions no path reaches.
func CheckGraph(s *Schema) ([]string, error) {
	ids := make(map[string]*Question, len(s.Questions))
	for i := range s.Questions {
		q := &s.Questions[i]
		if _, dup := ids[q.ID]; dup {
			return nil, errors.GraphDefect(q.ID, fmt.Sprintf("duplicate question id %q", q.ID))
		}
		ids[q.ID] = q
	}

	if _, ok := ids[s.Entrypoint]; !ok {
		return nil, errors.GraphDefect(s.Entrypoint, fmt.Sprintf("entrypoint %q is not a question", s.Entrypoint))
	}

	for i := range s.Questions {
		q := &s.Questions[i]
		if len(q.Next.Conditions) == 0 {
			return nil, errors.GraphDefect(q.ID, fmt.Sprintf("question %q has no conditions", q.ID))
		}
		seen := make(map[Scalar]bool, len(q.Next.Conditions))
		for _, c := range q.Next.Conditions {
			if seen[c.When] {
				return nil, errors.GraphDefect(q.ID, fmt.Sprintf("question %q has duplicate condition %q", q.ID, c.When))
			}
			seen[c.When] = true

			if c.Action == ActionProceed && c.QuestionID == "" {
				return nil, errors.GraphDefect(q.ID,
					fmt.Sprintf("question %q: condition %q proceeds without a question_id", q.ID, c.When))
			}
			if c.QuestionID != "" {
				if _, ok := ids[c.QuestionID]; !ok {
					return nil, errors.GraphDefect(q.ID,
						fmt.Sprintf("question %q: condition %q references unknown question %q", q.ID, c.When, c.QuestionID))
				}
			}
		}
	}

	// Depth-first walk over proceed edges; a grey node seen again is a cycle.
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(ids))
	var visit func(id string) error
	visit = func(id string) error {
		color[id] = grey
		for _, c := range ids[id].Next.Conditions {
			if c.Action != ActionProceed {
				continue
			}
			switch color[c.QuestionID] {
			case grey:
				return errors.GraphDefect(id, fmt.Sprintf("cycle: question %q leads back to %q", id, c.QuestionID))
			case white:
				if err := visit(c.QuestionID); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}
	if err := visit(s.Entrypoint); err != nil {
		return nil, err
	}

	var warnings []string
	for id := range ids {
		if color[id] == white {
			warnings = append(warnings, fmt.Sprintf("question %q is unreachable from entrypoint %q", id, s.Entrypoint))
		}
	}
	sort.Strings(warnings)
	return warnings, nil
}
