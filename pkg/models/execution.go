package models

import "time"

// ExecutionStatus is the state-machine status of one workflow run.
type ExecutionStatus string

const (
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusWaiting   ExecutionStatus = "waiting"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// IsTerminal reports whether the status permits no further transitions.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusCancelled:
		return true
	default:
		return false
	}
}

// WaitReason records why a WAITING execution is parked.
type WaitReason string

const (
	WaitReasonDelay         WaitReason = "delay"          // Parked at a delay node until ResumeAt
	WaitReasonDispatchRetry WaitReason = "dispatch_retry" // Parked on a transient send failure, resumed by the retry subsystem
)

// Execution is one run of a workflow against one contact. CurrentNodeID and
// Context are committed after every transition so a crashed worker resumes
// at the last committed node without re-running earlier side effects.
// Version implements optimistic locking: saves carry the version they read,
// and a mismatch means another worker already advanced the row.
type Execution struct {
	ID            string          `json:"id"`
	WorkflowID    string          `json:"workflow_id"`
	ContactID     string          `json:"contact_id"`
	CurrentNodeID string          `json:"current_node_id"`
	Status        ExecutionStatus `json:"status"`
	Context       map[string]any  `json:"context,omitempty"`
	WaitReason    WaitReason      `json:"wait_reason,omitempty"`
	ResumeAt      *time.Time      `json:"resume_at,omitempty"`
	Version       int             `json:"version"`
	StartedAt     time.Time       `json:"started_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}

// ContextKeyError is the context key under which the engine stores the
// diagnostic of a failed execution.
const ContextKeyError = "error"
