// Package persistence provides the data storage abstraction for workflows,
// executions, trigger events, retry jobs and A/B tests.
package persistence

import (
	"context"
	"time"

	"github.com/cadenzahq/cadenza/pkg/models"
)

// Persistence exposes one repository per aggregate. Implementations share
// nothing but the backing store; all cross-worker coordination happens
// through the repositories.
type Persistence interface {
	Workflows() WorkflowRepository
	Executions() ExecutionRepository
	Events() EventRepository
	RetryJobs() RetryJobRepository
	ABTests() ABTestRepository
	Contacts() ContactRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// WorkflowRepository stores workflow definitions.
type WorkflowRepository interface {
	Save(ctx context.Context, workflow *models.Workflow) error
	GetByID(ctx context.Context, id string) (*models.Workflow, error)
	List(ctx context.Context, organizationID string) ([]*models.Workflow, error)
	// ListActive returns workflows eligible for trigger matching; an empty
	// organizationID spans all organizations.
	ListActive(ctx context.Context, organizationID string) ([]*models.Workflow, error)
	Delete(ctx context.Context, id string) error
}

// ExecutionRepository stores execution state-machine rows. Update carries
// the version the caller read; ErrVersionConflict means another worker
// advanced the row first.
type ExecutionRepository interface {
	Create(ctx context.Context, execution *models.Execution) error
	GetByID(ctx context.Context, id string) (*models.Execution, error)
	Update(ctx context.Context, execution *models.Execution) error
	ListByWorkflow(ctx context.Context, workflowID string) ([]*models.Execution, error)
	ListWaitingDue(ctx context.Context, now time.Time) ([]*models.Execution, error)
	// FindNonTerminal returns the open execution for a (workflow, contact)
	// pair, or ErrExecutionNotFound when none exists.
	FindNonTerminal(ctx context.Context, workflowID, contactID string) (*models.Execution, error)
}

// EventRepository is the append-only trigger event store. Events are never
// deleted; MarkProcessed is the single permitted mutation.
type EventRepository interface {
	Append(ctx context.Context, event *models.TriggerEvent) error
	GetByID(ctx context.Context, id string) (*models.TriggerEvent, error)
	MarkProcessed(ctx context.Context, id string) error
	ListUnprocessed(ctx context.Context, limit int) ([]*models.TriggerEvent, error)
}

// RetryJobRepository stores pending channel-send redeliveries.
type RetryJobRepository interface {
	Save(ctx context.Context, job *models.RetryJob) error
	GetByID(ctx context.Context, id string) (*models.RetryJob, error)
	ListDue(ctx context.Context, now time.Time) ([]*models.RetryJob, error)
}

// ABTestRepository stores A/B tests and their per-variant metric
// accumulators.
type ABTestRepository interface {
	Save(ctx context.Context, test *models.ABTest) error
	GetByID(ctx context.Context, id string) (*models.ABTest, error)
	// GetActiveByWorkflow returns the running test targeting a workflow,
	// or ErrABTestNotFound when none is running.
	GetActiveByWorkflow(ctx context.Context, workflowID string) (*models.ABTest, error)
	SaveResult(ctx context.Context, result *models.ABTestResult) error
	GetResult(ctx context.Context, testID, variantID string, metric models.WinnerMetric) (*models.ABTestResult, error)
	ListResults(ctx context.Context, testID string, metric models.WinnerMetric) ([]*models.ABTestResult, error)
}

// ContactRepository is the read-mostly contact attribute store used by
// condition evaluation. Save exists for ingestion and tests; the engine
// never writes contacts.
type ContactRepository interface {
	Save(ctx context.Context, contact *models.Contact) error
	GetByID(ctx context.Context, id string) (*models.Contact, error)
}
