package engine

import (
	"context"

	"github.com/rendis/opflow/internal/condition"
	"github.com/rendis/opflow/internal/store"
)

// Matcher selects the workflows an event triggers.
type Matcher struct {
	store store.Store
}

// NewMatcher creates a Matcher.
func NewMatcher(st store.Store) *Matcher {
	return &Matcher{store: st}
}

// Match returns the organization's active workflows subscribed to ev.Type
// whose trigger condition holds for ev.Payload, in creation order.
// Workflows without a trigger type only run manually and never match.
func (m *Matcher) Match(ctx context.Context, orgID string, ev *store.Event) ([]*store.Workflow, error) {
	candidates, err := m.store.ListWorkflows(ctx, store.WorkflowFilter{
		OrganizationID:   orgID,
		TriggerEventType: ev.Type,
		ActiveOnly:       true,
	})
	if err != nil {
		return nil, err
	}
	var matched []*store.Workflow
	for _, wf := range candidates {
		if !wf.IsActive || wf.TriggerEventType == nil || *wf.TriggerEventType != ev.Type {
			continue
		}
		if condition.Evaluate(wf.TriggerCondition, ev.Payload) {
			matched = append(matched, wf)
		}
	}
	return matched, nil
}
