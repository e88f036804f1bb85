package schema

// ApprovalDecision is the verdict delivered to an execution suspended on an approval step.
type ApprovalDecision string

const (
	ApprovalApprove ApprovalDecision = "approve"
	ApprovalReject  ApprovalDecision = "reject"
)

// ApprovalSignal resumes or terminates an execution waiting on an approval step.
type ApprovalSignal struct {
	Decision ApprovalDecision `json:"decision"`
	Actor    string           `json:"actor,omitempty"`
	Comment  string           `json:"comment,omitempty"`
}

// Validate checks the decision value.
func (s ApprovalSignal) Validate() error {
	switch s.Decision {
	case ApprovalApprove, ApprovalReject:
		return nil
	default:
		return NewErrorf(ErrCodeValidation, "approval decision must be %q or %q, got %q",
			ApprovalApprove, ApprovalReject, s.Decision)
	}
}
