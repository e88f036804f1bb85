package diagram

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/pkg/schema"
)

var pngMagic = []byte{0x89, 'P', 'N', 'G'}

func TestRenderImageDefinition(t *testing.T) {
	model, err := Build(followUpWorkflow(), nil)
	require.NoError(t, err)

	png, err := RenderImage(context.Background(), model)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(png, pngMagic))
}

func TestRenderImageWithStatus(t *testing.T) {
	exec := &store.Execution{
		ID:               "ex-1",
		WorkflowID:       "wf-1",
		Status:           schema.StatusRunning,
		CurrentStepIndex: 2,
		StepResults: []store.StepResult{
			{Index: 0, Status: schema.StepStatusCompleted},
			{Index: 1, Status: schema.StepStatusSkipped},
		},
	}
	model, err := Build(followUpWorkflow(), exec)
	require.NoError(t, err)

	png, err := RenderImage(context.Background(), model)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(png, pngMagic))
}

func TestRenderFormats(t *testing.T) {
	model, err := Build(followUpWorkflow(), nil)
	require.NoError(t, err)
	ctx := context.Background()

	out, ctype, err := Render(ctx, model, FormatMermaid)
	require.NoError(t, err)
	assert.Equal(t, "text/plain; charset=utf-8", ctype)
	assert.Contains(t, string(out), "graph TD")

	out, _, err = Render(ctx, model, FormatASCII)
	require.NoError(t, err)
	assert.Contains(t, string(out), "┌")

	out, ctype, err = Render(ctx, model, FormatPNG)
	require.NoError(t, err)
	assert.Equal(t, "image/png", ctype)
	assert.True(t, bytes.HasPrefix(out, pngMagic))
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatMermaid, f)

	f, err = ParseFormat(" PNG ")
	require.NoError(t, err)
	assert.Equal(t, FormatPNG, f)

	_, err = ParseFormat("svg")
	require.Error(t, err)
}
