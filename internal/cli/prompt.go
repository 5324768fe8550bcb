package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// isInteractive returns true if the CLI is running in an interactive terminal
// and not in a CI environment.
func isInteractive() bool {
	// Check if stdin is a terminal
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return false
	}

	// Check for common CI environment variables
	ciEnvVars := []string{
		"CI",
		"CONTINUOUS_INTEGRATION",
		"GITHUB_ACTIONS",
		"GITLAB_CI",
		"CIRCLECI",
		"TRAVIS",
		"JENKINS_URL",
		"BUILDKITE",
		"DRONE",
		"TEAMCITY_VERSION",
		"TF_BUILD",           // Azure DevOps
		"BITBUCKET_BUILD_NUMBER",
		"CODEBUILD_BUILD_ID", // AWS CodeBuild
	}

	for _, env := range ciEnvVars {
		if os.Getenv(env) != "" {
			return false
		}
	}

	return true
}

// promptPassword reads a value without echo. It fails outside a terminal so
// scripted runs never block on input.
func promptPassword(out io.Writer, flag string) (string, error) {
	if !isInteractive() {
		return "", fmt.Errorf("required flag \"%s\" not set", flag)
	}

	fmt.Fprintf(out, "%s: ", flag)
	value, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(out) // Add newline after hidden input
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(value)), nil
}
