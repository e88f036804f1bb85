package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/opflow/internal/logging"
	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/internal/streaming"
	"github.com/rendis/opflow/pkg/schema"
)

// handleCreateEvent stores an event and starts the workflows it matches.
func (s *FlowServer) handleCreateEvent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	orgID, err := req.RequireString("organization_id")
	if err != nil {
		return mcp.NewToolResultError("organization_id is required"), nil
	}
	eventType, err := req.RequireString("type")
	if err != nil {
		return mcp.NewToolResultError("type is required"), nil
	}
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("name is required"), nil
	}
	payload := mcp.ParseStringMap(req, "payload", nil)
	if payload == nil {
		return mcp.NewToolResultError("payload is required"), nil
	}

	ingested, err := s.events.CreateEvent(ctx, orgID, &schema.EventInput{
		Type:     schema.EventType(eventType),
		Name:     name,
		Payload:  payload,
		Source:   req.GetString("source", ""),
		Metadata: mcp.ParseStringMap(req, "metadata", nil),
	})
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(ingested)
}

// handleCreateJob queues a job and watches it so the caller is notified on completion.
func (s *FlowServer) handleCreateJob(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	orgID, err := req.RequireString("organization_id")
	if err != nil {
		return mcp.NewToolResultError("organization_id is required"), nil
	}
	userID, err := req.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError("user_id is required"), nil
	}
	desc, err := req.RequireString("task_description")
	if err != nil {
		return mcp.NewToolResultError("task_description is required"), nil
	}

	s.captureSession(ctx, userID)

	job, err := s.jobs.CreateJob(ctx, orgID, userID, &schema.JobInput{
		TaskDescription: desc,
		InputData:       mcp.ParseStringMap(req, "input_data", nil),
		ExpectedOutput:  req.GetString("expected_output", ""),
		WorkflowID:      req.GetString("workflow_id", ""),
	})
	if err != nil {
		return toolError(err), nil
	}
	s.watchJob(job, userID)

	return marshalResult(map[string]any{
		"jobId":  job.ID,
		"status": job.Status,
	})
}

func (s *FlowServer) handleJobStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, err := req.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError("user_id is required"), nil
	}
	jobID, err := req.RequireString("job_id")
	if err != nil {
		return mcp.NewToolResultError("job_id is required"), nil
	}
	s.captureSession(ctx, userID)

	job, err := s.jobs.GetJobStatus(ctx, jobID, userID)
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(job)
}

func (s *FlowServer) handleJobResult(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, err := req.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError("user_id is required"), nil
	}
	jobID, err := req.RequireString("job_id")
	if err != nil {
		return mcp.NewToolResultError("job_id is required"), nil
	}
	s.captureSession(ctx, userID)

	res, err := s.jobs.GetJobResult(ctx, jobID, userID)
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(res)
}

func (s *FlowServer) handleExecutionStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	orgID, err := req.RequireString("organization_id")
	if err != nil {
		return mcp.NewToolResultError("organization_id is required"), nil
	}
	execID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	exec, err := s.executions.GetExecution(ctx, execID, orgID)
	if err != nil {
		return toolError(err), nil
	}
	logs, err := s.executions.ExecutionLogs(ctx, exec.ID)
	if err != nil {
		return toolError(err), nil
	}
	if logs == nil {
		logs = []*store.LogEntry{}
	}
	return marshalResult(struct {
		*store.Execution
		Logs []*store.LogEntry `json:"logs"`
	}{exec, logs})
}

// handleApprove resolves a pending approval. The execution resumes on the queue.
func (s *FlowServer) handleApprove(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	orgID, err := req.RequireString("organization_id")
	if err != nil {
		return mcp.NewToolResultError("organization_id is required"), nil
	}
	execID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	decision, err := req.RequireString("decision")
	if err != nil {
		return mcp.NewToolResultError("decision is required"), nil
	}

	exec, err := s.executions.ResolveApproval(ctx, execID, orgID, schema.ApprovalSignal{
		Decision: schema.ApprovalDecision(decision),
		Actor:    req.GetString("actor", ""),
		Comment:  req.GetString("comment", ""),
	})
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(map[string]any{
		"ok":          true,
		"executionId": exec.ID,
		"decision":    decision,
		"status":      exec.Status,
		"waitState":   exec.WaitState,
	})
}

// watchJob pushes a notification to userID once the job reaches a terminal status.
func (s *FlowServer) watchJob(job *store.Job, userID string) {
	if s.hub == nil {
		return
	}
	ch, cancel, err := s.hub.Subscribe(s.watchCtx, streaming.EventFilter{
		OrganizationID: job.OrganizationID,
		JobID:          job.ID,
		EventTypes:     []string{schema.StreamJobStatus},
	})
	if err != nil {
		s.logger.Warn("job watch not started", "job_id", job.ID, "error", err)
		return
	}

	s.watches.Add(1)
	go func() {
		defer s.watches.Done()
		defer cancel()
		ctx := logging.WithJobID(s.watchCtx, job.ID)

		// The job may have finished between creation and subscription.
		if cur, err := s.jobs.GetJobStatus(ctx, job.ID, userID); err == nil && cur.Status.Terminal() {
			s.notifyJob(ctx, userID, cur.ID, cur.Status, cur.Error)
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				status := schema.RunStatus(ev.Status)
				if !status.Terminal() {
					continue
				}
				var errMsg string
				if p, ok := ev.Payload.(map[string]any); ok {
					errMsg, _ = p["error"].(string)
				}
				s.notifyJob(ctx, userID, job.ID, status, errMsg)
				return
			}
		}
	}()
}

func (s *FlowServer) notifyJob(ctx context.Context, userID, jobID string, status schema.RunStatus, errMsg string) {
	payload := map[string]any{
		"level":  "info",
		"logger": "opflow",
		"data": map[string]any{
			"type":   schema.StreamJobStatus,
			"jobId":  jobID,
			"status": status,
		},
	}
	if errMsg != "" {
		payload["level"] = "error"
		payload["data"].(map[string]any)["error"] = errMsg
	}
	if err := s.notifier.Notify(ctx, userID, payload); err != nil {
		s.logger.WarnContext(ctx, "job notification failed", "user_id", userID, "error", err)
	}
}

// captureSession maps the user ID to its current MCP session for notifications.
func (s *FlowServer) captureSession(ctx context.Context, userID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(userID, session.SessionID())
	}
}

// toolError renders a coded, redacted error result.
func toolError(err error) *mcp.CallToolResult {
	code := schema.CodeOf(err)
	if code == "" {
		code = "INTERNAL_ERROR"
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s: %s", code, schema.PublicMessage(err)))
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
