package schema

// EventType enumerates the kinds of business events that can trigger workflows.
type EventType string

const (
	EventSaleRecorded         EventType = "SALE_RECORDED"
	EventAppointmentScheduled EventType = "APPOINTMENT_SCHEDULED"
	EventAppointmentMissed    EventType = "APPOINTMENT_MISSED"
	EventPatientRegistered    EventType = "PATIENT_REGISTERED"
	EventInventoryLow         EventType = "INVENTORY_LOW"
	EventMessageReceived      EventType = "MESSAGE_RECEIVED"
	EventFormSubmitted        EventType = "FORM_SUBMITTED"
	EventCustom               EventType = "CUSTOM"
)

// EventTypes lists every accepted EventType in declaration order.
var EventTypes = []EventType{
	EventSaleRecorded,
	EventAppointmentScheduled,
	EventAppointmentMissed,
	EventPatientRegistered,
	EventInventoryLow,
	EventMessageReceived,
	EventFormSubmitted,
	EventCustom,
}

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	for _, known := range EventTypes {
		if t == known {
			return true
		}
	}
	return false
}

// RunStatus is the lifecycle state shared by jobs and workflow executions.
type RunStatus string

const (
	StatusPending   RunStatus = "PENDING"
	StatusRunning   RunStatus = "RUNNING"
	StatusCompleted RunStatus = "COMPLETED"
	StatusFailed    RunStatus = "FAILED"
)

// Terminal reports whether no further transition is allowed out of s.
func (s RunStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// WaitState is the sub-state of a RUNNING execution that has handed control back.
type WaitState string

const (
	WaitNone             WaitState = ""
	WaitAwaitingApproval WaitState = "awaiting_approval"
	WaitSleeping         WaitState = "sleeping"
	WaitResumable        WaitState = "resumable"
)

// StepStatus is the outcome recorded for a single step result.
type StepStatus string

const (
	StepStatusCompleted        StepStatus = "completed"
	StepStatusSkipped          StepStatus = "skipped"
	StepStatusAwaitingApproval StepStatus = "awaiting_approval"
)

// LogStatus classifies an execution log entry.
type LogStatus string

const (
	LogInfo    LogStatus = "info"
	LogSuccess LogStatus = "success"
	LogError   LogStatus = "error"
)

// Log step labels written by the engines.
const (
	LogStepJobStarted         = "Job Started"
	LogStepJobCompleted       = "Job Completed"
	LogStepJobFailed          = "Job Failed"
	LogStepExecutionCreated   = "Workflow Execution Created"
	LogStepExecutionStarted   = "Execution Started"
	LogStepExecutionSuspended = "Execution Suspended"
	LogStepExecutionResumed   = "Execution Resumed"
	LogStepExecutionCompleted = "Execution Completed"
	LogStepExecutionFailed    = "Execution Failed"
)

// Stream event types published on the streaming hub.
const (
	StreamJobStatus       = "job_status"
	StreamExecutionStatus = "execution_status"
	StreamStepCompleted   = "step_completed"
)
