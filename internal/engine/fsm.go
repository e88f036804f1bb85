package engine

import (
	"slices"

	"github.com/rendis/opflow/pkg/schema"
)

// ValidRunTransitions defines the allowed status transitions shared by jobs
// and executions. Terminal states have no outgoing edges.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.StatusPending:   {schema.StatusRunning, schema.StatusFailed},
	schema.StatusRunning:   {schema.StatusRunning, schema.StatusCompleted, schema.StatusFailed},
	schema.StatusCompleted: {},
	schema.StatusFailed:    {},
}

// ValidWaitTransitions defines how a RUNNING execution moves between wait sub-states.
var ValidWaitTransitions = map[schema.WaitState][]schema.WaitState{
	schema.WaitNone:             {schema.WaitAwaitingApproval, schema.WaitSleeping},
	schema.WaitAwaitingApproval: {schema.WaitResumable, schema.WaitNone},
	schema.WaitSleeping:         {schema.WaitNone},
	schema.WaitResumable:        {schema.WaitNone},
}

// CanTransition reports whether a run may move from one status to another.
func CanTransition(from, to schema.RunStatus) bool {
	return slices.Contains(ValidRunTransitions[from], to)
}

// CanWait reports whether a RUNNING execution may move between wait sub-states.
func CanWait(from, to schema.WaitState) bool {
	return slices.Contains(ValidWaitTransitions[from], to)
}

// checkTransition returns INVALID_STATE for a transition the lifecycle forbids.
func checkTransition(kind, id string, from, to schema.RunStatus) error {
	if CanTransition(from, to) {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeInvalidState,
		"invalid %s transition: %s -> %s", kind, from, to).
		WithDetails(map[string]any{kind + "_id": id, "from": string(from), "to": string(to)})
}

// checkWait returns INVALID_STATE for a wait sub-state move the lifecycle forbids.
func checkWait(id string, from, to schema.WaitState) error {
	if CanWait(from, to) {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeInvalidState,
		"invalid wait transition: %q -> %q", from, to).
		WithDetails(map[string]any{"execution_id": id})
}
