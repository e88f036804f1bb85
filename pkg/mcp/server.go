package mcp

import (
	"context"
	"log/slog"
	"os"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/opflow/internal/engine"
	"github.com/rendis/opflow/internal/logging"
	"github.com/rendis/opflow/internal/streaming"
	"github.com/rendis/opflow/pkg/schema"
)

// FlowServerDeps holds the dependencies for creating a FlowServer.
type FlowServerDeps struct {
	Executions *engine.ExecutionEngine
	Jobs       *engine.JobEngine
	Events     *engine.EventService
	Hub        streaming.EventHub
	// Notifier overrides the MCP session notifier, mainly for tests.
	Notifier Notifier
	Version  string
	Logger   *slog.Logger
}

// FlowServer exposes event ingestion, automation jobs and approvals as MCP tools.
type FlowServer struct {
	executions *engine.ExecutionEngine
	jobs       *engine.JobEngine
	events     *engine.EventService
	hub        streaming.EventHub
	sessions   *SessionRegistry
	notifier   Notifier
	logger     *slog.Logger
	mcpServer  *server.MCPServer

	// watchers outlive the tool call that started them.
	watchCtx    context.Context
	stopWatches context.CancelFunc
	watches     sync.WaitGroup
}

// NewFlowServer creates a FlowServer with every flow.* tool registered.
func NewFlowServer(deps FlowServerDeps) *FlowServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	watchCtx, stop := context.WithCancel(context.Background())
	s := &FlowServer{
		executions:  deps.Executions,
		jobs:        deps.Jobs,
		events:      deps.Events,
		hub:         deps.Hub,
		sessions:    NewSessionRegistry(),
		logger:      logging.OrDefault(deps.Logger),
		watchCtx:    watchCtx,
		stopWatches: stop,
	}

	mcpSrv := server.NewMCPServer(
		"opflow",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("opflow runs event-driven workflows and AI automation jobs. "+
			"Use flow.create_event to ingest a business event, flow.create_job to queue an automation job, "+
			"flow.job_status and flow.job_result to follow it, flow.execution_status to inspect a workflow execution, "+
			"and flow.approve to resolve a pending approval step."),
	)
	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv

	s.notifier = deps.Notifier
	if s.notifier == nil {
		s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	}
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *FlowServer) Serve(ctx context.Context) error {
	defer s.Close()
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// Close stops pending job watchers and waits for them to exit.
func (s *FlowServer) Close() {
	s.stopWatches()
	s.watches.Wait()
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *FlowServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *FlowServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: createEventTool(), Handler: s.handleCreateEvent},
		{Tool: createJobTool(), Handler: s.handleCreateJob},
		{Tool: jobStatusTool(), Handler: s.handleJobStatus},
		{Tool: jobResultTool(), Handler: s.handleJobResult},
		{Tool: executionStatusTool(), Handler: s.handleExecutionStatus},
		{Tool: approveTool(), Handler: s.handleApprove},
	}
}

// --- Tool definitions ---

func orgArg() mcp.ToolOption {
	return mcp.WithString("organization_id", mcp.Required(), mcp.Description("Organization that owns the resource"))
}

func userArg() mcp.ToolOption {
	return mcp.WithString("user_id", mcp.Required(), mcp.Description("User on whose behalf the call is made"))
}

func createEventTool() mcp.Tool {
	return mcp.NewTool("flow.create_event",
		mcp.WithDescription("Ingest a business event and start every active workflow it triggers"),
		orgArg(),
		mcp.WithString("type", mcp.Required(),
			mcp.Enum(eventTypes()...),
			mcp.Description("Event type"),
		),
		mcp.WithString("name", mcp.Required(), mcp.Description("Human-readable event name")),
		mcp.WithObject("payload", mcp.Required(), mcp.Description("Event payload")),
		mcp.WithString("source", mcp.Description("System that produced the event")),
		mcp.WithObject("metadata", mcp.Description("Free-form metadata")),
	)
}

func eventTypes() []string {
	types := []schema.EventType{
		schema.EventSaleRecorded, schema.EventAppointmentScheduled, schema.EventAppointmentMissed,
		schema.EventPatientRegistered, schema.EventInventoryLow, schema.EventMessageReceived,
		schema.EventFormSubmitted, schema.EventCustom,
	}
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}

func createJobTool() mcp.Tool {
	return mcp.NewTool("flow.create_job",
		mcp.WithDescription("Queue an AI automation job; a notification is pushed when it finishes"),
		orgArg(),
		userArg(),
		mcp.WithString("task_description", mcp.Required(), mcp.Description("What the job should do")),
		mcp.WithObject("input_data", mcp.Required(), mcp.Description("Input handed to the task")),
		mcp.WithString("expected_output", mcp.Description("Description of the desired result")),
		mcp.WithString("workflow_id", mcp.Description("Run this workflow instead of an ad hoc task")),
	)
}

func jobStatusTool() mcp.Tool {
	return mcp.NewTool("flow.job_status",
		mcp.WithDescription("Get an automation job with its logs"),
		userArg(),
		mcp.WithString("job_id", mcp.Required(), mcp.Description("ID of the job")),
	)
}

func jobResultTool() mcp.Tool {
	return mcp.NewTool("flow.job_result",
		mcp.WithDescription("Get the result of a completed automation job"),
		userArg(),
		mcp.WithString("job_id", mcp.Required(), mcp.Description("ID of the job")),
	)
}

func executionStatusTool() mcp.Tool {
	return mcp.NewTool("flow.execution_status",
		mcp.WithDescription("Get a workflow execution with its step results and logs"),
		orgArg(),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
	)
}

func approveTool() mcp.Tool {
	return mcp.NewTool("flow.approve",
		mcp.WithDescription("Approve or reject an execution waiting on an approval step"),
		orgArg(),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the waiting execution")),
		mcp.WithString("decision", mcp.Required(),
			mcp.Enum("approve", "reject"),
			mcp.Description("Approval decision"),
		),
		mcp.WithString("actor", mcp.Description("Who made the decision")),
		mcp.WithString("comment", mcp.Description("Optional comment recorded with the decision")),
	)
}
