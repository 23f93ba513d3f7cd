// Package retry implements the exponential-backoff redelivery queue for
// transiently failed channel sends.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/cadenzahq/cadenza/pkg/dispatch"
	"github.com/cadenzahq/cadenza/pkg/eventbus"
	"github.com/cadenzahq/cadenza/pkg/events"
	"github.com/cadenzahq/cadenza/pkg/models"
	"github.com/cadenzahq/cadenza/pkg/persistence"
)

// Config holds the backoff schedule. Defaults yield 60s, 120s, 240s between
// attempts with at most three redeliveries.
type Config struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	MaxRetries   int

	// SendPause is an optional fixed pause between redeliveries in one
	// ProcessDue sweep, for downstream rate limits. Zero disables it.
	SendPause time.Duration
}

func DefaultConfig() Config {
	return Config{
		InitialDelay: 60 * time.Second,
		Multiplier:   2,
		MaxDelay:     3600 * time.Second,
		MaxRetries:   3,
	}
}

// ExecutionResumer is the engine callback: a nil outcome resumes the parked
// execution past its action node, a non-nil outcome fails it.
type ExecutionResumer interface {
	ResumeFromRetry(ctx context.Context, executionID string, outcome error) error
}

// Sender redelivers one request. *dispatch.Registry implements it.
type Sender interface {
	Send(ctx context.Context, req dispatch.Request) (*dispatch.Result, error)
}

// Stats summarizes one ProcessDue sweep.
type Stats struct {
	Processed   int
	Sent        int
	Rescheduled int
	Failed      int
}

// Queue persists and redelivers retry jobs. Redelivery is at-least-once: a
// crash between a successful send and the status flip to sent duplicates
// the send on the next sweep.
type Queue struct {
	logger  *slog.Logger
	jobs    persistence.RetryJobRepository
	sender  Sender
	resumer ExecutionResumer
	bus     eventbus.EventPublisher
	clock   clockwork.Clock
	config  Config
}

// QueueOption configures optional queue behavior.
type QueueOption func(*Queue)

// WithClock replaces the wall clock for deterministic backoff tests.
func WithClock(clock clockwork.Clock) QueueOption {
	return func(q *Queue) { q.clock = clock }
}

// WithConfig overrides the default backoff schedule.
func WithConfig(config Config) QueueOption {
	return func(q *Queue) { q.config = config }
}

func NewQueue(
	logger *slog.Logger,
	jobs persistence.RetryJobRepository,
	sender Sender,
	resumer ExecutionResumer,
	bus eventbus.EventPublisher,
	opts ...QueueOption,
) *Queue {
	q := &Queue{
		logger:  logger.With("module", "retry"),
		jobs:    jobs,
		sender:  sender,
		resumer: resumer,
		bus:     bus,
		clock:   clockwork.NewRealClock(),
		config:  DefaultConfig(),
	}

	for _, opt := range opts {
		opt(q)
	}

	return q
}

// SetResumer wires the engine callback after construction. The engine and
// the queue reference each other, so one side has to be set late.
func (q *Queue) SetResumer(resumer ExecutionResumer) {
	q.resumer = resumer
}

// Delay returns the backoff before redelivery number attempt (zero-based),
// capped at MaxDelay.
func (q *Queue) Delay(attempt int) time.Duration {
	d := time.Duration(float64(q.config.InitialDelay) * math.Pow(q.config.Multiplier, float64(attempt)))
	if d > q.config.MaxDelay {
		return q.config.MaxDelay
	}

	return d
}

// Enqueue schedules a transiently failed send for redelivery. It reports
// false without persisting anything when cause is permanent; the caller
// fails the execution instead.
func (q *Queue) Enqueue(ctx context.Context, job *models.RetryJob, cause error) (bool, error) {
	if !dispatch.IsTransient(cause) {
		return false, nil
	}

	now := q.clock.Now().UTC()

	if job.ID == "" {
		job.ID = uuid.New().String()
	}

	job.Attempt = 0
	job.MaxAttempts = q.config.MaxRetries
	job.LastError = cause.Error()
	job.NextRetryAt = now.Add(q.Delay(0))
	job.Status = models.RetryJobStatusPending
	job.UpdatedAt = now

	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}

	if err := q.jobs.Save(ctx, job); err != nil {
		return false, fmt.Errorf("failed to save retry job: %w", err)
	}

	q.publish(ctx, job.ID, events.RetryScheduled{
		BaseEvent:   q.baseEvent(events.RetryScheduledEvent),
		RetryJobID:  job.ID,
		ExecutionID: job.ExecutionID,
		NodeID:      job.NodeID,
		Channel:     string(job.Channel),
		Attempt:     job.Attempt,
		NextRetryAt: job.NextRetryAt,
	})

	q.logger.InfoContext(ctx, "Scheduled retry",
		"retry_job_id", job.ID,
		"execution_id", job.ExecutionID,
		"next_retry_at", job.NextRetryAt)

	return true, nil
}

// ProcessDue redelivers every due pending job. Jobs are independent: one
// failure never aborts the sweep.
func (q *Queue) ProcessDue(ctx context.Context) (Stats, error) {
	var stats Stats

	due, err := q.jobs.ListDue(ctx, q.clock.Now().UTC())
	if err != nil {
		return stats, fmt.Errorf("failed to list due retry jobs: %w", err)
	}

	for i, job := range due {
		if q.config.SendPause > 0 && i > 0 {
			q.clock.Sleep(q.config.SendPause)
		}

		stats.Processed++

		switch q.processJob(ctx, job) {
		case outcomeSent:
			stats.Sent++
		case outcomeRescheduled:
			stats.Rescheduled++
		case outcomeFailed:
			stats.Failed++
		}
	}

	return stats, nil
}

type outcome int

const (
	outcomeSent outcome = iota
	outcomeRescheduled
	outcomeFailed
)

func (q *Queue) processJob(ctx context.Context, job *models.RetryJob) outcome {
	templateID, _ := job.Payload["template_id"].(string)

	_, sendErr := q.sender.Send(ctx, dispatch.Request{
		ExecutionID: job.ExecutionID,
		NodeID:      job.NodeID,
		Channel:     job.Channel,
		ContactID:   job.ContactID,
		TemplateID:  templateID,
		Payload:     job.Payload,
	})

	now := q.clock.Now().UTC()
	job.UpdatedAt = now

	if sendErr == nil {
		job.Status = models.RetryJobStatusSent

		if err := q.jobs.Save(ctx, job); err != nil {
			q.logger.ErrorContext(ctx, "Failed to mark retry job sent",
				"retry_job_id", job.ID, "error", err)
		}

		q.notifyResumer(ctx, job.ExecutionID, nil)

		return outcomeSent
	}

	job.Attempt++
	job.LastError = sendErr.Error()

	exhausted := job.Attempt >= job.MaxAttempts
	if exhausted || dispatch.IsPermanent(sendErr) {
		return q.failJob(ctx, job, sendErr)
	}

	job.NextRetryAt = now.Add(q.Delay(job.Attempt))

	if err := q.jobs.Save(ctx, job); err != nil {
		q.logger.ErrorContext(ctx, "Failed to reschedule retry job",
			"retry_job_id", job.ID, "error", err)

		return outcomeFailed
	}

	q.publish(ctx, job.ID, events.RetryScheduled{
		BaseEvent:   q.baseEvent(events.RetryScheduledEvent),
		RetryJobID:  job.ID,
		ExecutionID: job.ExecutionID,
		NodeID:      job.NodeID,
		Channel:     string(job.Channel),
		Attempt:     job.Attempt,
		NextRetryAt: job.NextRetryAt,
	})

	q.logger.InfoContext(ctx, "Rescheduled retry",
		"retry_job_id", job.ID,
		"attempt", job.Attempt,
		"next_retry_at", job.NextRetryAt)

	return outcomeRescheduled
}

// failJob marks the job failed and pushes the failure to the owning
// execution so it never stays parked forever.
func (q *Queue) failJob(ctx context.Context, job *models.RetryJob, cause error) outcome {
	job.Status = models.RetryJobStatusFailed

	if err := q.jobs.Save(ctx, job); err != nil {
		q.logger.ErrorContext(ctx, "Failed to mark retry job failed",
			"retry_job_id", job.ID, "error", err)
	}

	q.publish(ctx, job.ID, events.RetryExhausted{
		BaseEvent:   q.baseEvent(events.RetryExhaustedEvent),
		RetryJobID:  job.ID,
		ExecutionID: job.ExecutionID,
		NodeID:      job.NodeID,
		Channel:     string(job.Channel),
		Attempts:    job.Attempt,
		LastError:   job.LastError,
	})

	q.notifyResumer(ctx, job.ExecutionID, cause)

	q.logger.WarnContext(ctx, "Retry job failed",
		"retry_job_id", job.ID,
		"execution_id", job.ExecutionID,
		"attempts", job.Attempt,
		"error", cause)

	return outcomeFailed
}

func (q *Queue) notifyResumer(ctx context.Context, executionID string, outcome error) {
	if q.resumer == nil {
		return
	}

	if err := q.resumer.ResumeFromRetry(ctx, executionID, outcome); err != nil {
		q.logger.ErrorContext(ctx, "Failed to notify execution of retry outcome",
			"execution_id", executionID, "error", err)
	}
}

func (q *Queue) baseEvent(eventType events.EventType) events.BaseEvent {
	return events.BaseEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: q.clock.Now().UTC(),
	}
}

func (q *Queue) publish(ctx context.Context, key string, event eventbus.Event) {
	if q.bus == nil {
		return
	}

	if err := q.bus.Publish(ctx, key, event); err != nil {
		q.logger.ErrorContext(ctx, "Failed to publish event",
			"event_type", event.GetType(), "error", err)
	}
}
