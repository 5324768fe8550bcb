package cli

import (
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/davidthor/stackctl/pkg/dynconfig"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/cobra"
)

func newQuestionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "questions",
		Short: "Work with configuration question graphs",
	}

	cmd.AddCommand(newQuestionsValidateCmd())

	return cmd
}

func newQuestionsValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <file>...",
		Short: "Validate configuration question graphs",
		Long: `Validate configuration question graphs without deploying.

Every file is checked against the question schema and walked as a graph:
the entrypoint and every referenced question must exist, proceeding
conditions must name a next question and no path may loop.

Examples:
  stackctl questions validate dc_questions.yaml
  stackctl questions validate release/dynamic-configuration/src/*_questions.yaml`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			failed := 0
			for _, path := range args {
				schema, warnings, err := dynconfig.Load(path)
				if err != nil {
					failed++
					fmt.Fprintf(out, "✗ %s\n%s", path, indent(formatValidationError(err)))
					continue
				}
				fmt.Fprintf(out, "● %s (%d questions)\n", path, len(schema.Questions))
				for _, w := range warnings {
					fmt.Fprintf(out, "    warning: %s\n", w)
				}
			}

			if failed > 0 {
				return fmt.Errorf("%d of %d question graphs are invalid", failed, len(args))
			}
			return nil
		},
	}

	return cmd
}

// formatValidationError lists schema violations one per line.
func formatValidationError(err error) string {
	var verrs validator.ValidationErrors
	if !stderrors.As(err, &verrs) {
		return err.Error() + "\n"
	}

	var sb strings.Builder
	sb.WriteString("validation failed\n")
	for _, e := range verrs {
		if e.Param() != "" {
			sb.WriteString(fmt.Sprintf("  - %s: failed %q (%s)\n", e.Namespace(), e.Tag(), e.Param()))
		} else {
			sb.WriteString(fmt.Sprintf("  - %s: failed %q\n", e.Namespace(), e.Tag()))
		}
	}
	return sb.String()
}

func indent(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, line := range lines {
		lines[i] = "    " + line
	}
	return strings.Join(lines, "\n") + "\n"
}
