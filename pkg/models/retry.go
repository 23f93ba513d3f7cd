package models

import "time"

// RetryJobStatus is the lifecycle state of a queued redelivery.
type RetryJobStatus string

const (
	RetryJobStatusPending RetryJobStatus = "pending"
	RetryJobStatusSent    RetryJobStatus = "sent"
	RetryJobStatusFailed  RetryJobStatus = "failed"
)

// RetryJob is one transiently-failed channel send awaiting redelivery.
// Attempt counts deliveries already made; NextRetryAt follows the
// exponential backoff schedule and strictly increases per attempt.
// Dispatch is at-least-once: a crash between a successful send and the
// status flip to sent can duplicate the send.
type RetryJob struct {
	ID          string         `json:"id"`
	ExecutionID string         `json:"execution_id"`
	NodeID      string         `json:"node_id"`
	Channel     Channel        `json:"channel"`
	ContactID   string         `json:"contact_id"`
	Payload     map[string]any `json:"payload,omitempty"`
	Attempt     int            `json:"attempt"`
	MaxAttempts int            `json:"max_attempts"`
	LastError   string         `json:"last_error,omitempty"`
	NextRetryAt time.Time      `json:"next_retry_at"`
	Status      RetryJobStatus `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}
