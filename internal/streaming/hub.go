package streaming

import (
	"context"
	"time"
)

// StreamEvent is a real-time status change for a job or an execution.
type StreamEvent struct {
	OrganizationID string    `json:"organizationId"`
	ExecutionID    string    `json:"executionId,omitempty"`
	JobID          string    `json:"jobId,omitempty"`
	Step           string    `json:"step,omitempty"`
	EventType      string    `json:"eventType"`
	Status         string    `json:"status,omitempty"`
	Payload        any       `json:"payload,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// EventFilter specifies which events a subscriber wants to receive.
// OrganizationID is always required by the API layer so tenants never see
// each other's events.
type EventFilter struct {
	OrganizationID string   `json:"organizationId,omitempty"`
	ExecutionID    string   `json:"executionId,omitempty"`
	JobID          string   `json:"jobId,omitempty"`
	EventTypes     []string `json:"eventTypes,omitempty"`
}

// EventHub provides pub/sub for job and execution status changes.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
