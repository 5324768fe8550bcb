package dynconfig

import (
	"sort"
	"strings"
)

// Substitute replaces $NAME references for the names in vars. At each '$' the
// longest matching known name wins. Replacement values are never re-scanned and
// unknown references are left as written.
func Substitute(template string, vars map[string]string) string {
	if len(vars) == 0 || !strings.Contains(template, "$") {
		return template
	}

	names := make([]string, 0, len(vars))
	for name := range vars {
		if name != "" {
			names = append(names, name)
		}
	}
	sort.Slice(names, func(i, j int) bool {
		if len(names[i]) != len(names[j]) {
			return len(names[i]) > len(names[j])
		}
		return names[i] < names[j]
	})

	var b strings.Builder
	b.Grow(len(template))
	for i := 0; i < len(template); {
		if template[i] != '$' {
			b.WriteByte(template[i])
			i++
			continue
		}
		rest := template[i+1:]
		matched := ""
		for _, name := range names {
			if strings.HasPrefix(rest, name) {
				matched = name
				break
			}
		}
		if matched == "" {
			b.WriteByte('$')
			i++
			continue
		}
		b.WriteString(vars[matched])
		i += 1 + len(matched)
	}
	return b.String()
}

// SubstituteAll applies Substitute to each template.
func SubstituteAll(templates []string, vars map[string]string) []string {
	out := make([]string, len(templates))
	for i, t := range templates {
		out[i] = Substitute(t, vars)
	}
	return out
}
