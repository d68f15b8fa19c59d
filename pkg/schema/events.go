package schema

// ExecutionStatus represents the lifecycle state of an execution.
type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "PENDING"
	StatusRunning   ExecutionStatus = "RUNNING"
	StatusPaused    ExecutionStatus = "PAUSED"
	StatusCompleted ExecutionStatus = "COMPLETED"
	StatusFailed    ExecutionStatus = "FAILED"
	StatusCancelled ExecutionStatus = "CANCELLED"
)

// IsTerminal reports whether no further step dispatch can happen in this status.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Notification statuses emitted to observers. Execution-level notifications
// reuse the ExecutionStatus values; step-level ones are prefixed.
const (
	NotifyRunning       = string(StatusRunning)
	NotifyPaused        = string(StatusPaused)
	NotifyCompleted     = string(StatusCompleted)
	NotifyFailed        = string(StatusFailed)
	NotifyCancelled     = string(StatusCancelled)
	NotifyStepRunning   = "STEP_RUNNING"
	NotifyStepCompleted = "STEP_COMPLETED"
	NotifyStepFailed    = "STEP_FAILED"
	NotifyStepSkipped   = "STEP_SKIPPED"
)

// StepStatus is the orchestrator's in-memory view of a step.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)

// Output marker keys recorded for steps that failed with continue_on_error.
const (
	OutputErrorKey  = "error"
	OutputFailedKey = "failed"
)
