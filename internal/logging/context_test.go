package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextKeys(t *testing.T) {
	ctx := context.Background()

	// Initially empty.
	assert.Equal(t, "", JobID(ctx))
	assert.Equal(t, "", ExecutionID(ctx))
	assert.Equal(t, "", Step(ctx))
	assert.Equal(t, "", OrganizationID(ctx))

	ctx = WithJobID(ctx, "job-1")
	ctx = WithExecutionID(ctx, "exec-2")
	ctx = WithStep(ctx, "1 (extract, ai_process)")
	ctx = WithOrganizationID(ctx, "org-9")

	assert.Equal(t, "job-1", JobID(ctx))
	assert.Equal(t, "exec-2", ExecutionID(ctx))
	assert.Equal(t, "1 (extract, ai_process)", Step(ctx))
	assert.Equal(t, "org-9", OrganizationID(ctx))
}

func TestLogWith(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ctx := WithExecutionID(context.Background(), "exec-abc")
	ctx = WithStep(ctx, "step-x")

	LogWith(ctx, logger).Info("test message")

	output := buf.String()
	assert.Contains(t, output, "execution_id=exec-abc")
	assert.Contains(t, output, "step=step-x")
	assert.NotContains(t, output, "job_id")
	assert.Contains(t, output, "test message")
}

func TestLogWithEmptyContext(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	LogWith(context.Background(), logger).Info("no context")

	output := buf.String()
	assert.NotContains(t, output, "job_id")
	assert.NotContains(t, output, "execution_id")
	assert.Contains(t, output, "no context")
}

func TestCorrelationHandler(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(NewCorrelationHandler(inner))

	ctx := WithOrganizationID(context.Background(), "org-auto")
	ctx = WithJobID(ctx, "job-auto")
	logger.InfoContext(ctx, "auto inject")

	output := buf.String()
	assert.Contains(t, output, `"organization_id":"org-auto"`)
	assert.Contains(t, output, `"job_id":"job-auto"`)
	assert.NotContains(t, output, "execution_id")
	assert.Contains(t, output, "auto inject")
}

func TestCorrelationHandlerWithAttrs(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	handler := NewCorrelationHandler(inner)
	logger := slog.New(handler.WithAttrs([]slog.Attr{slog.String("component", "engine")}))

	ctx := WithExecutionID(context.Background(), "exec-attr")
	logger.InfoContext(ctx, "with attrs")

	output := buf.String()
	assert.Contains(t, output, `"execution_id":"exec-attr"`)
	assert.Contains(t, output, `"component":"engine"`)
}

func TestCorrelationHandlerWithGroup(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(NewCorrelationHandler(inner).WithGroup("engine"))

	ctx := WithJobID(context.Background(), "job-grp")
	logger.InfoContext(ctx, "grouped", "key", "val")

	output := buf.String()
	assert.Contains(t, output, "job-grp")
	assert.Contains(t, output, "grouped")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestNew(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "warn")

	logger.InfoContext(context.Background(), "hidden")
	logger.WarnContext(WithJobID(context.Background(), "j1"), "shown")

	output := buf.String()
	assert.NotContains(t, output, "hidden")
	assert.Contains(t, output, "shown")
	assert.Contains(t, output, "job_id=j1")
}

func TestNewLeveledFollowsLevelVar(t *testing.T) {
	var buf bytes.Buffer
	level := new(slog.LevelVar)
	level.Set(slog.LevelError)
	logger := NewLeveled(&buf, level)

	logger.Info("before")
	level.Set(slog.LevelDebug)
	logger.Debug("after")

	output := buf.String()
	assert.NotContains(t, output, "before")
	assert.Contains(t, output, "after")
}
