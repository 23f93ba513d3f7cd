// Package events defines the bus event types published as workflow
// executions move through their lifecycle.
package events

import (
	"time"
)

type EventType string

// Topic is the single Kafka topic all lifecycle events flow through.
const Topic = "cadenza.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Trigger ingestion.
	TriggerEventReceivedEvent EventType = "trigger.event.received"

	// Execution lifecycle.
	ExecutionStartedEvent   EventType = "execution.started"
	ExecutionWaitingEvent   EventType = "execution.waiting"
	ExecutionResumedEvent   EventType = "execution.resumed"
	ExecutionCompletedEvent EventType = "execution.completed"
	ExecutionFailedEvent    EventType = "execution.failed"
	ExecutionCancelledEvent EventType = "execution.cancelled"

	// Dispatch retry lifecycle.
	RetryScheduledEvent EventType = "retry.scheduled"
	RetryExhaustedEvent EventType = "retry.exhausted"
)

type BaseEvent struct {
	ID             string         `json:"id"`
	Type           EventType      `json:"type"`
	Timestamp      time.Time      `json:"timestamp"`
	OrganizationID string         `json:"organization_id,omitempty"`
	WorkflowID     string         `json:"workflow_id,omitempty"`
	WorkerID       string         `json:"worker_id,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// TriggerEventReceived announces a trigger event appended to the event log,
// not yet matched against any workflow.
type TriggerEventReceived struct {
	BaseEvent

	TriggerEventID string         `json:"trigger_event_id"`
	TriggerType    string         `json:"trigger_type"`
	ContactID      string         `json:"contact_id,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
}

func (t TriggerEventReceived) GetType() EventType {
	return TriggerEventReceivedEvent
}

type ExecutionStarted struct {
	BaseEvent

	ExecutionID string         `json:"execution_id"`
	ContactID   string         `json:"contact_id"`
	TriggerType string         `json:"trigger_type"`
	TriggerData map[string]any `json:"trigger_data,omitempty"`
	VariantID   string         `json:"variant_id,omitempty"`
}

func (e ExecutionStarted) GetType() EventType {
	return ExecutionStartedEvent
}

// ExecutionWaiting is published when an execution parks on a delay node or
// on a pending dispatch retry.
type ExecutionWaiting struct {
	BaseEvent

	ExecutionID string     `json:"execution_id"`
	NodeID      string     `json:"node_id"`
	WaitReason  string     `json:"wait_reason"`
	ResumeAt    *time.Time `json:"resume_at,omitempty"`
}

func (e ExecutionWaiting) GetType() EventType {
	return ExecutionWaitingEvent
}

type ExecutionResumed struct {
	BaseEvent

	ExecutionID string `json:"execution_id"`
	NodeID      string `json:"node_id"`
	WaitReason  string `json:"wait_reason"`
}

func (e ExecutionResumed) GetType() EventType {
	return ExecutionResumedEvent
}

type ExecutionCompleted struct {
	BaseEvent

	ExecutionID   string `json:"execution_id"`
	ContactID     string `json:"contact_id"`
	DurationMs    int64  `json:"duration_ms"`
	NodesExecuted int    `json:"nodes_executed"`
}

func (e ExecutionCompleted) GetType() EventType {
	return ExecutionCompletedEvent
}

type ExecutionFailed struct {
	BaseEvent

	ExecutionID string `json:"execution_id"`
	ContactID   string `json:"contact_id"`
	NodeID      string `json:"node_id"`
	Error       string `json:"error"`
	DurationMs  int64  `json:"duration_ms"`
}

func (e ExecutionFailed) GetType() EventType {
	return ExecutionFailedEvent
}

type ExecutionCancelled struct {
	BaseEvent

	ExecutionID string `json:"execution_id"`
	Reason      string `json:"reason,omitempty"`
}

func (e ExecutionCancelled) GetType() EventType {
	return ExecutionCancelledEvent
}

// RetryScheduled is published when a transient dispatch failure enqueues a
// redelivery attempt.
type RetryScheduled struct {
	BaseEvent

	RetryJobID  string    `json:"retry_job_id"`
	ExecutionID string    `json:"execution_id"`
	NodeID      string    `json:"node_id"`
	Channel     string    `json:"channel"`
	Attempt     int       `json:"attempt"`
	NextRetryAt time.Time `json:"next_retry_at"`
}

func (r RetryScheduled) GetType() EventType {
	return RetryScheduledEvent
}

// RetryExhausted is published when a job burns through its attempt budget.
type RetryExhausted struct {
	BaseEvent

	RetryJobID  string `json:"retry_job_id"`
	ExecutionID string `json:"execution_id"`
	NodeID      string `json:"node_id"`
	Channel     string `json:"channel"`
	Attempts    int    `json:"attempts"`
	LastError   string `json:"last_error"`
}

func (r RetryExhausted) GetType() EventType {
	return RetryExhaustedEvent
}
