// Package envfile reads and writes the dotenv-style files consumed by the
// provisioning scripts.
package envfile

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Var is a single name/value assignment.
type Var struct {
	Name  string
	Value string
}

// Flatten collapses vars to one entry per name. The first occurrence fixes
// the position; the last occurrence provides the value.
func Flatten(vars []Var) []Var {
	index := make(map[string]int, len(vars))
	out := make([]Var, 0, len(vars))
	for _, v := range vars {
		if i, ok := index[v.Name]; ok {
			out[i].Value = v.Value
			continue
		}
		index[v.Name] = len(out)
		out = append(out, v)
	}
	return out
}

// Escape backslash-escapes double quotes.
func Escape(value string) string {
	return strings.ReplaceAll(value, `"`, `\"`)
}

// Format renders vars as NAME="value" lines after flattening.
func Format(vars []Var) []byte {
	var buf bytes.Buffer
	for _, v := range Flatten(vars) {
		fmt.Fprintf(&buf, "%s=\"%s\"\n", v.Name, Escape(v.Value))
	}
	return buf.Bytes()
}

// Write atomically replaces the file at path with the formatted vars.
func Write(path string, vars []Var) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".envfile-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	_, err = tmp.Write(Format(vars))
	if closeErr := tmp.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	if err == nil {
		// Files carry license keys and registry passwords.
		err = os.Chmod(tmpPath, 0600)
	}
	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write %s: %w", path, err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to save %s: %w", path, err)
	}
	return nil
}

// ReadFile parses the dotenv file at path.
func ReadFile(path string) (map[string]string, error) {
	list, err := ReadVars(path)
	if err != nil {
		return nil, err
	}
	vars := make(map[string]string, len(list))
	for _, v := range list {
		vars[v.Name] = v.Value
	}
	return vars, nil
}

// ReadVars parses the dotenv file at path, keeping file order.
func ReadVars(path string) ([]Var, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	vars, err := parseEnvFile(content)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return vars, nil
}

// Set rewrites a single variable of the file at path, appending it when
// absent. The file must exist.
func Set(path, name, value string) error {
	vars, err := ReadVars(path)
	if err != nil {
		return err
	}
	return Write(path, append(vars, Var{Name: name, Value: value}))
}

// Load merges the named files under dir in order, later files overriding
// earlier ones. Missing files are skipped.
func Load(dir string, names ...string) (map[string]string, error) {
	vars := make(map[string]string)
	for _, name := range names {
		content, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		parsed, err := parseEnvFile(content)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", name, err)
		}
		for _, v := range parsed {
			vars[v.Name] = v.Value
		}
	}
	return vars, nil
}

func parseEnvFile(content []byte) ([]Var, error) {
	var vars []Var
	scanner := bufio.NewScanner(bytes.NewReader(content))
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("line %d: missing '='", lineNum)
		}
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, fmt.Errorf("line %d: empty variable name", lineNum)
		}
		vars = append(vars, Var{Name: key, Value: unquote(strings.TrimSpace(value))})
	}
	return vars, scanner.Err()
}

func unquote(value string) string {
	if len(value) >= 2 {
		switch {
		case value[0] == '"' && value[len(value)-1] == '"':
			return strings.ReplaceAll(value[1:len(value)-1], `\"`, `"`)
		case value[0] == '\'' && value[len(value)-1] == '\'':
			return value[1 : len(value)-1]
		}
	}
	return value
}
