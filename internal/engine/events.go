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

// EventService ingests business events and starts the workflows they trigger.
type EventService struct {
	store      store.Store
	matcher    *Matcher
	executions *ExecutionEngine
	logger     *slog.Logger
	now        func() time.Time
}

// Ingested is the outcome of CreateEvent.
type Ingested struct {
	Event        *store.Event `json:"event"`
	ExecutionIDs []string     `json:"executionIds"`
}

// NewEventService creates an EventService.
func NewEventService(st store.Store, executions *ExecutionEngine, logger *slog.Logger) *EventService {
	return &EventService{
		store:      st,
		matcher:    NewMatcher(st),
		executions: executions,
		logger:     logging.OrDefault(logger),
		now:        time.Now,
	}
}

// CreateEvent validates and persists an event, then creates one execution per
// matching workflow. A workflow whose execution cannot be created is logged
// and skipped; the event itself is already stored.
func (s *EventService) CreateEvent(ctx context.Context, orgID string, in *schema.EventInput) (*Ingested, error) {
	if orgID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "organization is required")
	}
	if err := validation.ValidateEvent(in); err != nil {
		return nil, err
	}
	ev := &store.Event{
		ID:             uuid.New().String(),
		OrganizationID: orgID,
		Type:           in.Type,
		Name:           in.Name,
		Payload:        in.Payload,
		Source:         in.Source,
		Metadata:       in.Metadata,
		CreatedAt:      s.now().UTC(),
	}
	if err := s.store.CreateEvent(ctx, ev); err != nil {
		return nil, err
	}
	ctx = logging.WithOrganizationID(ctx, orgID)

	matched, err := s.matcher.Match(ctx, orgID, ev)
	if err != nil {
		return nil, err
	}
	out := &Ingested{Event: ev, ExecutionIDs: []string{}}
	for _, wf := range matched {
		exec, err := s.executions.CreateExecution(ctx, ExecutionParams{
			WorkflowID:        wf.ID,
			OrganizationID:    orgID,
			TriggeringEventID: ev.ID,
			InputData:         ev.Payload,
		})
		if err != nil {
			s.logger.ErrorContext(ctx, "create triggered execution failed",
				"event_id", ev.ID, "workflow_id", wf.ID, "error", err)
			continue
		}
		out.ExecutionIDs = append(out.ExecutionIDs, exec.ID)
	}
	s.logger.InfoContext(ctx, "event ingested", "event_id", ev.ID, "type", ev.Type, "matched", len(matched))
	return out, nil
}

// GetEvent returns an event if it belongs to orgID.
func (s *EventService) GetEvent(ctx context.Context, id, orgID string) (*store.Event, error) {
	ev, err := s.store.GetEvent(ctx, id)
	if err != nil {
		return nil, err
	}
	if ev.OrganizationID != orgID {
		return nil, schema.NotFound("event", id)
	}
	return ev, nil
}

// ListEvents lists an organization's events, newest first.
func (s *EventService) ListEvents(ctx context.Context, orgID string, limit int) ([]*store.Event, error) {
	return s.store.ListEvents(ctx, store.EventFilter{OrganizationID: orgID, Limit: limit})
}
