package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func compileAutonomous(t *testing.T) *Schema {
	t.Helper()
	s, err := Compile("params.json", AutonomousParametersSchema())
	require.NoError(t, err)
	return s
}

func TestValidateAutonomousPrompt(t *testing.T) {
	s := compileAutonomous(t)

	err := s.Validate(map[string]interface{}{"prompt": "hello"})
	assert.NoError(t, err)
}

func TestValidateMissingPrompt(t *testing.T) {
	s := compileAutonomous(t)

	err := s.Validate(map[string]interface{}{})
	require.Error(t, err)

	verr, ok := err.(*ValidationError)
	require.True(t, ok, "expected *ValidationError, got %T", err)
	require.NotEmpty(t, verr.Issues)
	assert.NotEmpty(t, verr.Issues[0].Message)
	assert.NotEmpty(t, verr.Issues[0].SchemaPath)
}

func TestValidateEmptyPromptRejected(t *testing.T) {
	s := compileAutonomous(t)

	err := s.Validate(map[string]interface{}{"prompt": ""})
	require.Error(t, err)
}

func TestValidateExtraPropertyRejected(t *testing.T) {
	s := compileAutonomous(t)

	err := s.Validate(map[string]interface{}{"prompt": "hi", "extra": true})
	require.Error(t, err)
}

func TestValidateOutputSchema(t *testing.T) {
	doc := map[string]interface{}{
		"type":     "object",
		"required": []interface{}{"answer", "rationale"},
		"properties": map[string]interface{}{
			"answer":    map[string]interface{}{"type": "string"},
			"rationale": map[string]interface{}{"type": "string"},
		},
	}
	s, err := Compile("output.json", doc)
	require.NoError(t, err)

	assert.NoError(t, s.Validate(map[string]interface{}{
		"answer":    "42",
		"rationale": "computed",
	}))

	err = s.Validate(map[string]interface{}{"plain": "text"})
	require.Error(t, err)

	verr, ok := err.(*ValidationError)
	require.True(t, ok)
	// Both missing required properties surface as issues.
	assert.NotEmpty(t, verr.Issues)
	for _, issue := range verr.Issues {
		assert.NotEmpty(t, issue.Path)
		assert.NotEmpty(t, issue.Message)
	}
}

func TestCompileNilSchema(t *testing.T) {
	_, err := Compile("bad.json", nil)
	assert.Error(t, err)
}
