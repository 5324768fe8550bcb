package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validQuestions = "../../pkg/dynconfig/testdata/questions.yaml"

func TestQuestionsValidate_Valid(t *testing.T) {
	out, _, err := execute(t, "questions", "validate", validQuestions)
	require.NoError(t, err)
	assert.Contains(t, out, "● "+validQuestions+" (2 questions)")
}

func TestQuestionsValidate_Invalid(t *testing.T) {
	invalid := filepath.Join(t.TempDir(), "k8s_questions.yaml")
	require.NoError(t, os.WriteFile(invalid, []byte("entrypoint: tls\nquestions: []\n"), 0644))

	out, _, err := execute(t, "questions", "validate", validQuestions, invalid)
	require.Error(t, err)
	assert.Equal(t, "1 of 2 question graphs are invalid", err.Error())
	assert.Contains(t, out, "● "+validQuestions)
	assert.Contains(t, out, "✗ "+invalid)
	assert.Contains(t, out, "    validation failed")
	assert.Contains(t, out, `Schema.Questions: failed "min" (1)`)
}

func TestQuestionsValidate_MissingFile(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing.yaml")

	out, _, err := execute(t, "questions", "validate", missing)
	require.Error(t, err)
	assert.Contains(t, out, "✗ "+missing)
}

func TestQuestionsValidate_RequiresFile(t *testing.T) {
	_, _, err := execute(t, "questions", "validate")
	assert.Error(t, err)
}
