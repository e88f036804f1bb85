// Package diagram renders workflows, optionally overlaid with an execution's
// step states, as Mermaid, ASCII or PNG.
package diagram

// NodeKind classifies a diagram node by its workflow step type.
type NodeKind string

const (
	NodeKindAI       NodeKind = "ai"
	NodeKindMessage  NodeKind = "message"
	NodeKindRecord   NodeKind = "record"
	NodeKindWait     NodeKind = "wait"
	NodeKindApproval NodeKind = "approval"
	NodeKindStep     NodeKind = "step"
	NodeKindStart    NodeKind = "start"
	NodeKindEnd      NodeKind = "end"
)

// Status values carried by StatusOverlay.
const (
	StatusCompleted = "completed"
	StatusSkipped   = "skipped"
	StatusFailed    = "failed"
	StatusRunning   = "running"
	StatusWaiting   = "waiting"
	StatusPending   = "pending"
)

// DiagramModel is the intermediate representation used by all renderers.
// Nodes are in execution order.
type DiagramModel struct {
	Title string
	Nodes []*Node
	Edges []Edge
}

// Node represents a single step in the diagram.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status *StatusOverlay
}

// StatusOverlay carries runtime state for a node.
type StatusOverlay struct {
	Status     string
	DurationMs int64
	Error      string
}

// Edge connects two consecutive nodes. Label holds the target step's guard.
type Edge struct {
	From  string
	To    string
	Label string
}
