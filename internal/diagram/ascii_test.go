package diagram

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/pkg/schema"
)

func TestRenderASCIIDefinition(t *testing.T) {
	model, err := Build(followUpWorkflow(), nil)
	require.NoError(t, err)

	out := RenderASCII(model)
	assert.True(t, strings.HasPrefix(out, "=== Missed appointment follow-up ===\n"))
	assert.Contains(t, out, "│ 1. draft     │")
	assert.Contains(t, out, "│ (ai_process) │")
	assert.Contains(t, out, "  │ if steps.review.approved\n  ▼\n")
	assert.Equal(t, 7, strings.Count(out, "┌"))
	assert.Equal(t, 6, strings.Count(out, "▼"))
	assert.NotContains(t, out, "[")
}

func TestRenderASCIIStatus(t *testing.T) {
	exec := &store.Execution{
		ID:               "ex-1",
		WorkflowID:       "wf-1",
		Status:           schema.StatusFailed,
		Error:            strings.Repeat("x", 80),
		CurrentStepIndex: 1,
		StepResults:      []store.StepResult{{Index: 0, Status: schema.StepStatusCompleted, DurationMs: 35}},
	}
	model, err := Build(followUpWorkflow(), exec)
	require.NoError(t, err)

	out := RenderASCII(model)
	assert.Contains(t, out, "[OK] 35ms")
	assert.Contains(t, out, "[FAIL]")
	assert.Contains(t, out, "! "+strings.Repeat("x", asciiMaxError-3)+"...")
	assert.Contains(t, out, "[PEND]")
}

func TestRenderASCIIBoxesAreAligned(t *testing.T) {
	box := makeBox(&Node{Label: "1. draft\n(ai_process)", Status: &StatusOverlay{Status: StatusWaiting}})
	require.Len(t, box, 5)
	width := len([]rune(box[0]))
	for _, line := range box {
		assert.Equal(t, width, len([]rune(line)), line)
	}
	assert.Contains(t, box[3], "[WAIT]")
}

func TestStatusTag(t *testing.T) {
	assert.Equal(t, "[SKIP]", statusTag(StatusSkipped))
	assert.Equal(t, "[RUN]", statusTag(StatusRunning))
	assert.Empty(t, statusTag("unknown"))
}
