package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/rendis/opflow/internal/diagram"
	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/pkg/schema"
)

func (s *Server) handleWorkflowDiagram(w http.ResponseWriter, r *http.Request) {
	wf, err := s.deps.Workflows.GetWorkflow(r.Context(), chi.URLParam(r, "id"), orgID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeDiagram(w, r, wf, nil)
}

// handleExecutionDiagram draws the execution's workflow with each step's state.
func (s *Server) handleExecutionDiagram(w http.ResponseWriter, r *http.Request) {
	exec, err := s.deps.Executions.GetExecution(r.Context(), chi.URLParam(r, "id"), orgID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	wf, err := s.deps.Workflows.GetWorkflow(r.Context(), exec.WorkflowID, orgID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeDiagram(w, r, wf, exec)
}

func (s *Server) writeDiagram(w http.ResponseWriter, r *http.Request, wf *store.Workflow, exec *store.Execution) {
	format, err := diagram.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		s.writeError(w, r, schema.NewError(schema.ErrCodeValidation, err.Error()))
		return
	}
	model, err := diagram.Build(wf, exec)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	body, contentType, err := diagram.Render(r.Context(), model, format)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}
