package diagram

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/pkg/schema"
)

func TestRenderMermaidShapes(t *testing.T) {
	model, err := Build(followUpWorkflow(), nil)
	require.NoError(t, err)

	out := RenderMermaid(model)
	assert.True(t, strings.HasPrefix(out, "graph TD\n"))
	assert.Contains(t, out, `%% Missed appointment follow-up`)
	assert.Contains(t, out, `__start__(("Start"))`)
	assert.Contains(t, out, `step_1{{"1. draft"}}`)
	assert.Contains(t, out, `step_2{"2. review"}`)
	assert.Contains(t, out, `step_3[/"3. notify"/]`)
	assert.Contains(t, out, `step_4(["4. wait"])`)
	assert.Contains(t, out, `step_5[("5. mark")]`)
	assert.Contains(t, out, `step_2 -->|"if steps.review.approved"| step_3`)
	assert.Contains(t, out, "step_3 --> step_4")
	assert.NotContains(t, out, "class step_")
}

func TestRenderMermaidStatusClasses(t *testing.T) {
	exec := &store.Execution{
		ID:               "ex-1",
		WorkflowID:       "wf-1",
		Status:           schema.StatusFailed,
		CurrentStepIndex: 1,
		StepResults:      []store.StepResult{{Index: 0, Status: schema.StepStatusCompleted}},
	}
	model, err := Build(followUpWorkflow(), exec)
	require.NoError(t, err)

	out := RenderMermaid(model)
	assert.Contains(t, out, "classDef completed")
	assert.Contains(t, out, "class step_1 completed")
	assert.Contains(t, out, "class step_2 failed")
	assert.Contains(t, out, "class step_3 pending")
	assert.NotContains(t, out, "class __start__")
}

func TestMermaidEscapesQuotes(t *testing.T) {
	wf := &store.Workflow{
		ID:    "wf-q",
		Steps: []schema.StepSpec{{StepType: schema.StepSendMessage, Name: `say "hi"`, Condition: `input.lang == "es"`}},
	}
	model, err := Build(wf, nil)
	require.NoError(t, err)

	out := RenderMermaid(model)
	assert.Contains(t, out, `step_1[/"1. say 'hi'"/]`)
	assert.Contains(t, out, `|"if input.lang == 'es'"|`)
}

func TestMermaidSafeID(t *testing.T) {
	assert.Equal(t, "a_b_c_d", mermaidSafeID("a.b-c d"))
}
