package schema

import (
	"encoding/json"
	"strconv"
)

// StepType enumerates the kinds of steps a workflow can contain.
// The set is open: handlers are looked up in the step registry by this value.
type StepType string

const (
	StepAIProcess    StepType = "ai_process"
	StepSendMessage  StepType = "send_message"
	StepUpdateRecord StepType = "update_record"
	StepWait         StepType = "wait"
	StepApproval     StepType = "approval"
)

// StepSpec describes a single step in a workflow. Order within
// Workflow.Steps is execution order.
type StepSpec struct {
	StepType  StepType        `json:"stepType"`
	Name      string          `json:"name,omitempty"`
	Config    json.RawMessage `json:"config,omitempty"`
	Condition string          `json:"condition,omitempty"` // CEL guard; false skips the step
	Timeout   string          `json:"timeout,omitempty"`   // e.g. "30s"
	Retry     *RetryPolicy    `json:"retry,omitempty"`
}

// Key returns the name under which the step's output is exposed to later steps.
func (s StepSpec) Key(index int) string {
	if s.Name != "" {
		return s.Name
	}
	return "step_" + strconv.Itoa(index)
}

// Label identifies the step in logs and error messages.
func (s StepSpec) Label(index int) string {
	if s.Name != "" {
		return strconv.Itoa(index+1) + " (" + s.Name + ", " + string(s.StepType) + ")"
	}
	return strconv.Itoa(index+1) + " (" + string(s.StepType) + ")"
}

// RetryPolicy configures bounded in-step retry for retryable failures.
type RetryPolicy struct {
	Max      int    `json:"max"`                 // max retry attempts
	Backoff  string `json:"backoff,omitempty"`   // none | constant | linear | exponential
	Delay    string `json:"delay,omitempty"`     // initial delay (e.g. "1s", "500ms")
	MaxDelay string `json:"max_delay,omitempty"` // upper bound on computed delay
}

// Condition operators accepted by the trigger condition evaluator.
const (
	OpEq       = "=="
	OpNe       = "!="
	OpGt       = ">"
	OpGte      = ">="
	OpLt       = "<"
	OpLte      = "<="
	OpContains = "contains"
)

// Operators lists every accepted condition operator.
var Operators = []string{OpEq, OpNe, OpGt, OpGte, OpLt, OpLte, OpContains}

// Condition is a trigger condition tree. A leaf compares the payload value at
// Field against Value; All / Any combine child conditions.
type Condition struct {
	Field    string      `json:"field,omitempty"`
	Operator string      `json:"operator,omitempty"`
	Value    any         `json:"value,omitempty"`
	All      []Condition `json:"all,omitempty"`
	Any      []Condition `json:"any,omitempty"`
}

// IsLeaf reports whether c is a field comparison rather than a combinator.
func (c *Condition) IsLeaf() bool {
	return len(c.All) == 0 && len(c.Any) == 0
}

// WorkflowInput is the create/update payload for a workflow definition.
// Updates replace every field.
type WorkflowInput struct {
	Name             string     `json:"name"`
	Description      string     `json:"description,omitempty"`
	TriggerEventType *EventType `json:"triggerEventType,omitempty"`
	TriggerCondition *Condition `json:"triggerCondition,omitempty"`
	Steps            []StepSpec `json:"steps"`
	IsActive         *bool      `json:"isActive,omitempty"`
}

// EventInput is the payload accepted when ingesting an event.
type EventInput struct {
	Type     EventType      `json:"type"`
	Name     string         `json:"name"`
	Payload  map[string]any `json:"payload"`
	Source   string         `json:"source,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// JobInput is the payload accepted when requesting an automation job.
type JobInput struct {
	TaskDescription string         `json:"taskDescription"`
	InputData       map[string]any `json:"inputData"`
	ExpectedOutput  string         `json:"expectedOutput,omitempty"`
	WorkflowID      string         `json:"workflowId,omitempty"`
}
