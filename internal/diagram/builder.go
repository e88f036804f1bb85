package diagram

import (
	"fmt"
	"strconv"

	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/pkg/schema"
)

const (
	startID = "__start__"
	endID   = "__end__"

	maxGuardLabel = 40
)

// Build constructs a DiagramModel for wf. When exec is non-nil the steps it
// was started with are drawn and its step results are overlaid on them.
func Build(wf *store.Workflow, exec *store.Execution) (*DiagramModel, error) {
	if wf == nil {
		return nil, fmt.Errorf("diagram: workflow is nil")
	}
	if exec != nil && exec.WorkflowID != wf.ID {
		return nil, fmt.Errorf("diagram: execution %s belongs to workflow %s, not %s", exec.ID, exec.WorkflowID, wf.ID)
	}

	plan := wf.Steps
	if exec != nil && exec.Steps != nil {
		plan = exec.Steps
	}

	nodes := make([]*Node, 0, len(plan)+2)
	nodes = append(nodes, &Node{ID: startID, Label: startLabel(wf), Kind: NodeKindStart})
	for i, spec := range plan {
		nodes = append(nodes, &Node{
			ID:    stepID(i),
			Label: nodeLabel(i, spec),
			Kind:  stepTypeToKind(spec.StepType),
		})
	}
	nodes = append(nodes, &Node{ID: endID, Label: "End", Kind: NodeKindEnd})

	edges := make([]Edge, 0, len(nodes)-1)
	for i := 0; i < len(nodes)-1; i++ {
		e := Edge{From: nodes[i].ID, To: nodes[i+1].ID}
		if i < len(plan) {
			e.Label = guardLabel(plan[i].Condition)
		}
		edges = append(edges, e)
	}

	if exec != nil {
		overlayStatus(nodes[1:len(nodes)-1], exec)
	}

	title := wf.Name
	if title == "" {
		title = "Workflow"
	}
	return &DiagramModel{Title: title, Nodes: nodes, Edges: edges}, nil
}

func stepID(i int) string {
	return "step_" + strconv.Itoa(i+1)
}

func startLabel(wf *store.Workflow) string {
	if wf.TriggerEventType != nil {
		return "Start\n(" + string(*wf.TriggerEventType) + ")"
	}
	return "Start\n(manual)"
}

// stepTypeToKind converts a schema.StepType to a NodeKind.
func stepTypeToKind(st schema.StepType) NodeKind {
	switch st {
	case schema.StepAIProcess:
		return NodeKindAI
	case schema.StepSendMessage:
		return NodeKindMessage
	case schema.StepUpdateRecord:
		return NodeKindRecord
	case schema.StepWait:
		return NodeKindWait
	case schema.StepApproval:
		return NodeKindApproval
	default:
		return NodeKindStep
	}
}

// nodeLabel is "<n>. <name>" on the first line and the step type on the second.
func nodeLabel(i int, spec schema.StepSpec) string {
	name := spec.Name
	if name == "" {
		name = string(spec.StepType)
	}
	return fmt.Sprintf("%d. %s\n(%s)", i+1, name, spec.StepType)
}

func guardLabel(cond string) string {
	if cond == "" {
		return ""
	}
	return truncate("if "+cond, maxGuardLabel)
}

// overlayStatus marks each step node from exec. Steps with a recorded result
// take its status; the step the execution is on is running, waiting or failed;
// the rest are pending.
func overlayStatus(steps []*Node, exec *store.Execution) {
	recorded := make(map[int]store.StepResult, len(exec.StepResults))
	for _, r := range exec.StepResults {
		recorded[r.Index] = r
	}

	for i, node := range steps {
		if r, ok := recorded[i]; ok {
			status := string(r.Status)
			if r.Status == schema.StepStatusAwaitingApproval {
				status = StatusWaiting
			}
			node.Status = &StatusOverlay{Status: status, DurationMs: r.DurationMs}
			continue
		}
		node.Status = &StatusOverlay{Status: StatusPending}
		if i != exec.CurrentStepIndex {
			continue
		}
		switch {
		case exec.Status == schema.StatusFailed:
			node.Status = &StatusOverlay{Status: StatusFailed, Error: exec.Error}
		case exec.Status == schema.StatusRunning && exec.WaitState == schema.WaitSleeping:
			node.Status.Status = StatusWaiting
		case exec.Status == schema.StatusRunning:
			node.Status.Status = StatusRunning
		}
	}
}
