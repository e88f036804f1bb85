package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationResult_EmptyIsValid(t *testing.T) {
	r := &ValidationResult{}
	assert.True(t, r.Valid())
	assert.Nil(t, r.ToError())
}

func TestValidationResult_Add(t *testing.T) {
	r := &ValidationResult{}
	r.Add("steps[0].stepType", "unknown step type \"fax\"")

	assert.False(t, r.Valid())
	require.Len(t, r.Issues, 1)
	assert.Equal(t, "steps[0].stepType", r.Issues[0].Path)
	assert.Equal(t, "steps[0].stepType: unknown step type \"fax\"", r.Issues[0].String())
}

func TestValidationResult_Merge(t *testing.T) {
	r1 := &ValidationResult{}
	r1.Add("name", "required")

	r2 := &ValidationResult{}
	r2.Addf("steps[%d]", "bad %s", 1, "config")

	r1.Merge(r2)
	r1.Merge(nil)
	require.Len(t, r1.Issues, 2)
	assert.Equal(t, "bad config", r1.Issues[1].Message)
}

func TestValidationResult_ToError_Single(t *testing.T) {
	r := &ValidationResult{}
	r.Add("triggerCondition.operator", "unknown operator \"~=\"")

	err := r.ToError()
	require.Error(t, err)
	fe, ok := err.(*FlowError)
	require.True(t, ok)
	assert.Equal(t, ErrCodeValidation, fe.Code)
	assert.Equal(t, "triggerCondition.operator: unknown operator \"~=\"", fe.Message)
	assert.Equal(t, 1, fe.Details["error_count"])
}

func TestValidationResult_ToError_Multiple(t *testing.T) {
	r := &ValidationResult{}
	r.Add("name", "required")
	r.Add("steps", "at least one step is required")

	fe, ok := r.ToError().(*FlowError)
	require.True(t, ok)
	assert.Contains(t, fe.Message, "2 errors")
	assert.Equal(t, 2, fe.Details["error_count"])
}
