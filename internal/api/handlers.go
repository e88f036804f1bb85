package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/rendis/opflow/internal/engine"
	"github.com/rendis/opflow/internal/scheduler"
	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/pkg/schema"
)

// --- events ---

func (s *Server) handleCreateEvent(w http.ResponseWriter, r *http.Request) {
	var in schema.EventInput
	if err := decode(w, r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	out, err := s.deps.Events.CreateEvent(r.Context(), orgID(r), &in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.deps.Events.ListEvents(r.Context(), orgID(r), queryInt(r, "limit", 50))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": nonNil(events)})
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := s.deps.Events.GetEvent(r.Context(), chi.URLParam(r, "id"), orgID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// --- workflows ---

func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var in schema.WorkflowInput
	if err := decode(w, r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	wf, err := s.deps.Workflows.CreateWorkflow(r.Context(), orgID(r), &in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, wf)
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	wfs, err := s.deps.Workflows.ListWorkflows(r.Context(), orgID(r), queryInt(r, "limit", 0))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": nonNil(wfs)})
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.deps.Workflows.GetWorkflow(r.Context(), chi.URLParam(r, "id"), orgID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handleUpdateWorkflow(w http.ResponseWriter, r *http.Request) {
	var in schema.WorkflowInput
	if err := decode(w, r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	wf, err := s.deps.Workflows.UpdateWorkflow(r.Context(), chi.URLParam(r, "id"), orgID(r), &in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

type runRequest struct {
	InputData map[string]any `json:"inputData"`
}

func (s *Server) handleRunWorkflow(w http.ResponseWriter, r *http.Request) {
	var in runRequest
	if r.ContentLength != 0 {
		if err := decode(w, r, &in); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	if in.InputData == nil {
		in.InputData = map[string]any{}
	}
	exec, err := s.deps.Executions.CreateExecution(r.Context(), engine.ExecutionParams{
		WorkflowID:     chi.URLParam(r, "id"),
		OrganizationID: orgID(r),
		InputData:      in.InputData,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, exec)
}

// --- executions ---

type executionView struct {
	*store.Execution
	Logs []*store.LogEntry `json:"logs"`
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	execs, err := s.deps.Executions.ListExecutions(r.Context(), orgID(r),
		r.URL.Query().Get("workflowId"), queryInt(r, "limit", 50))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": nonNil(execs)})
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := s.deps.Executions.GetExecution(r.Context(), chi.URLParam(r, "id"), orgID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	logs, err := s.deps.Executions.ExecutionLogs(r.Context(), exec.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, executionView{Execution: exec, Logs: nonNil(logs)})
}

func (s *Server) handleApproval(w http.ResponseWriter, r *http.Request) {
	var signal schema.ApprovalSignal
	if err := decode(w, r, &signal); err != nil {
		s.writeError(w, r, err)
		return
	}
	if signal.Actor == "" {
		signal.Actor = r.Header.Get(UserHeader)
	}
	exec, err := s.deps.Executions.ResolveApproval(r.Context(), chi.URLParam(r, "id"), orgID(r), signal)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

// --- jobs ---

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var in schema.JobInput
	if err := decode(w, r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err := s.deps.Jobs.CreateJob(r.Context(), orgID(r), userID(r), &in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"jobId": job.ID, "status": job.Status})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.deps.Jobs.ListJobHistory(r.Context(), orgID(r), userID(r), queryInt(r, "limit", 0))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": nonNil(jobs)})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Jobs.GetJobStatus(r.Context(), chi.URLParam(r, "id"), userID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if job.OrganizationID != orgID(r) {
		s.writeError(w, r, schema.NotFound("job", job.ID))
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleGetJobResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.deps.Jobs.GetJobStatus(r.Context(), id, userID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if job.OrganizationID != orgID(r) {
		s.writeError(w, r, schema.NotFound("job", id))
		return
	}
	res, err := s.deps.Jobs.GetJobResult(r.Context(), id, userID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- schedules ---

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var in scheduler.ScheduleInput
	if err := decode(w, r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err := s.deps.Scheduler.Create(r.Context(), orgID(r), userID(r), &in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.deps.Scheduler.List(r.Context(), orgID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": nonNil(jobs)})
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Scheduler.Delete(r.Context(), chi.URLParam(r, "id"), orgID(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// nonNil keeps empty lists encoding as [] rather than null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
