package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/opflow/internal/logging"
	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/internal/validation"
	"github.com/rendis/opflow/pkg/schema"
)

// WorkflowService is the workflow catalogue. Definitions are validated in
// full before they are stored; a rejected definition is never persisted.
type WorkflowService struct {
	store     store.Store
	validator validation.Validator
	logger    *slog.Logger
	now       func() time.Time
}

// NewWorkflowService creates a WorkflowService.
func NewWorkflowService(st store.Store, v validation.Validator, logger *slog.Logger) *WorkflowService {
	return &WorkflowService{store: st, validator: v, logger: logging.OrDefault(logger), now: time.Now}
}

// CreateWorkflow validates and stores a new definition. isActive defaults to true.
func (s *WorkflowService) CreateWorkflow(ctx context.Context, orgID string, in *schema.WorkflowInput) (*store.Workflow, error) {
	if orgID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "organization is required")
	}
	if err := s.validator.ValidateWorkflow(in); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	wf := &store.Workflow{ID: uuid.New().String(), OrganizationID: orgID, CreatedAt: now}
	apply(wf, in, now)
	if err := s.store.CreateWorkflow(ctx, wf); err != nil {
		return nil, err
	}
	s.logger.InfoContext(logging.WithOrganizationID(ctx, orgID), "workflow created",
		"workflow_id", wf.ID, "steps", len(wf.Steps))
	return wf, nil
}

// UpdateWorkflow replaces name, description, trigger, steps and isActive.
func (s *WorkflowService) UpdateWorkflow(ctx context.Context, id, orgID string, in *schema.WorkflowInput) (*store.Workflow, error) {
	wf, err := s.GetWorkflow(ctx, id, orgID)
	if err != nil {
		return nil, err
	}
	if err := s.validator.ValidateWorkflow(in); err != nil {
		return nil, err
	}
	apply(wf, in, s.now().UTC())
	if err := s.store.ReplaceWorkflow(ctx, wf); err != nil {
		return nil, err
	}
	s.logger.InfoContext(logging.WithOrganizationID(ctx, orgID), "workflow updated", "workflow_id", wf.ID)
	return wf, nil
}

// GetWorkflow returns a workflow if it belongs to orgID.
func (s *WorkflowService) GetWorkflow(ctx context.Context, id, orgID string) (*store.Workflow, error) {
	wf, err := s.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	if wf.OrganizationID != orgID {
		return nil, schema.NotFound("workflow", id)
	}
	return wf, nil
}

// ListWorkflows lists an organization's workflows, newest first.
func (s *WorkflowService) ListWorkflows(ctx context.Context, orgID string, limit int) ([]*store.Workflow, error) {
	return s.store.ListWorkflows(ctx, store.WorkflowFilter{OrganizationID: orgID, NewestFirst: true, Limit: limit})
}

func apply(wf *store.Workflow, in *schema.WorkflowInput, now time.Time) {
	wf.Name = in.Name
	wf.Description = in.Description
	wf.TriggerEventType = in.TriggerEventType
	wf.TriggerCondition = in.TriggerCondition
	wf.Steps = in.Steps
	wf.IsActive = in.IsActive == nil || *in.IsActive
	wf.UpdatedAt = now
}
