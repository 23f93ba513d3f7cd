// Package memory provides an in-memory persistence implementation used by
// unit tests and local development. It honors the same repository contracts
// as the PostgreSQL implementation, including optimistic execution
// versioning.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cadenzahq/cadenza/pkg/models"
	"github.com/cadenzahq/cadenza/pkg/persistence"
)

// Persistence implements persistence.Persistence backed by process memory.
type Persistence struct {
	mu sync.RWMutex

	workflows  map[string]*models.Workflow
	executions map[string]*models.Execution
	events     map[string]*models.TriggerEvent
	eventOrder []string
	retryJobs  map[string]*models.RetryJob
	abTests    map[string]*models.ABTest
	abResults  map[string]*models.ABTestResult
	contacts   map[string]*models.Contact
}

// NewPersistence creates an empty in-memory store.
func NewPersistence() *Persistence {
	return &Persistence{
		workflows:  make(map[string]*models.Workflow),
		executions: make(map[string]*models.Execution),
		events:     make(map[string]*models.TriggerEvent),
		retryJobs:  make(map[string]*models.RetryJob),
		abTests:    make(map[string]*models.ABTest),
		abResults:  make(map[string]*models.ABTestResult),
		contacts:   make(map[string]*models.Contact),
	}
}

func (p *Persistence) Workflows() persistence.WorkflowRepository   { return (*workflowRepo)(p) }
func (p *Persistence) Executions() persistence.ExecutionRepository { return (*executionRepo)(p) }
func (p *Persistence) Events() persistence.EventRepository         { return (*eventRepo)(p) }
func (p *Persistence) RetryJobs() persistence.RetryJobRepository   { return (*retryRepo)(p) }
func (p *Persistence) ABTests() persistence.ABTestRepository       { return (*abTestRepo)(p) }
func (p *Persistence) Contacts() persistence.ContactRepository     { return (*contactRepo)(p) }

// HealthCheck always succeeds for the in-memory store.
func (p *Persistence) HealthCheck(_ context.Context) error { return nil }

// Close discards nothing; memory is released with the process.
func (p *Persistence) Close(_ context.Context) error { return nil }

// --- workflows ---

type workflowRepo Persistence

func (r *workflowRepo) Save(_ context.Context, workflow *models.Workflow) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.workflows[workflow.ID] = workflow

	return nil
}

func (r *workflowRepo) GetByID(_ context.Context, id string) (*models.Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	wf, ok := r.workflows[id]
	if !ok || wf.DeletedAt != nil {
		return nil, persistence.NewStoreError("GetByID", "workflow", id, persistence.ErrWorkflowNotFound)
	}

	return wf, nil
}

func (r *workflowRepo) List(_ context.Context, organizationID string) ([]*models.Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.Workflow

	for _, wf := range r.workflows {
		if wf.DeletedAt == nil && (organizationID == "" || wf.OrganizationID == organizationID) {
			out = append(out, wf)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out, nil
}

func (r *workflowRepo) ListActive(ctx context.Context, organizationID string) ([]*models.Workflow, error) {
	all, err := r.List(ctx, organizationID)
	if err != nil {
		return nil, err
	}

	var active []*models.Workflow

	for _, wf := range all {
		if wf.Status == models.WorkflowStatusActive {
			active = append(active, wf)
		}
	}

	return active, nil
}

func (r *workflowRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	wf, ok := r.workflows[id]
	if !ok {
		return persistence.NewStoreError("Delete", "workflow", id, persistence.ErrWorkflowNotFound)
	}

	now := time.Now().UTC()
	wf.DeletedAt = &now

	return nil
}

// --- executions ---

type executionRepo Persistence

func cloneExecution(e *models.Execution) *models.Execution {
	clone := *e
	clone.Context = make(map[string]any, len(e.Context))

	for k, v := range e.Context {
		clone.Context[k] = v
	}

	if e.ResumeAt != nil {
		t := *e.ResumeAt
		clone.ResumeAt = &t
	}

	if e.CompletedAt != nil {
		t := *e.CompletedAt
		clone.CompletedAt = &t
	}

	return &clone
}

func (r *executionRepo) Create(_ context.Context, execution *models.Execution) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.executions[execution.ID]; exists {
		return persistence.NewStoreError("Create", "execution", execution.ID, persistence.ErrAlreadyExists)
	}

	r.executions[execution.ID] = cloneExecution(execution)

	return nil
}

func (r *executionRepo) GetByID(_ context.Context, id string) (*models.Execution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.executions[id]
	if !ok {
		return nil, persistence.NewStoreError("GetByID", "execution", id, persistence.ErrExecutionNotFound)
	}

	return cloneExecution(e), nil
}

func (r *executionRepo) Update(_ context.Context, execution *models.Execution) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.executions[execution.ID]
	if !ok {
		return persistence.NewStoreError("Update", "execution", execution.ID, persistence.ErrExecutionNotFound)
	}

	if current.Version != execution.Version {
		return persistence.NewStoreError("Update", "execution", execution.ID, persistence.ErrVersionConflict)
	}

	execution.Version++
	execution.UpdatedAt = time.Now().UTC()
	r.executions[execution.ID] = cloneExecution(execution)

	return nil
}

func (r *executionRepo) ListByWorkflow(_ context.Context, workflowID string) ([]*models.Execution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.Execution

	for _, e := range r.executions {
		if e.WorkflowID == workflowID {
			out = append(out, cloneExecution(e))
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })

	return out, nil
}

func (r *executionRepo) ListWaitingDue(_ context.Context, now time.Time) ([]*models.Execution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var due []*models.Execution

	for _, e := range r.executions {
		if e.Status == models.ExecutionStatusWaiting &&
			e.WaitReason == models.WaitReasonDelay &&
			e.ResumeAt != nil && !e.ResumeAt.After(now) {
			due = append(due, cloneExecution(e))
		}
	}

	sort.Slice(due, func(i, j int) bool { return due[i].ResumeAt.Before(*due[j].ResumeAt) })

	return due, nil
}

func (r *executionRepo) FindNonTerminal(_ context.Context, workflowID, contactID string) (*models.Execution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, e := range r.executions {
		if e.WorkflowID == workflowID && e.ContactID == contactID && !e.Status.IsTerminal() {
			return cloneExecution(e), nil
		}
	}

	return nil, persistence.NewStoreError("FindNonTerminal", "execution", workflowID+"/"+contactID, persistence.ErrExecutionNotFound)
}

// --- trigger events ---

type eventRepo Persistence

func (r *eventRepo) Append(_ context.Context, event *models.TriggerEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.events[event.ID]; exists {
		return persistence.NewStoreError("Append", "event", event.ID, persistence.ErrAlreadyExists)
	}

	r.events[event.ID] = event
	r.eventOrder = append(r.eventOrder, event.ID)

	return nil
}

func (r *eventRepo) GetByID(_ context.Context, id string) (*models.TriggerEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.events[id]
	if !ok {
		return nil, persistence.NewStoreError("GetByID", "event", id, persistence.ErrEventNotFound)
	}

	return e, nil
}

func (r *eventRepo) MarkProcessed(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.events[id]
	if !ok {
		return persistence.NewStoreError("MarkProcessed", "event", id, persistence.ErrEventNotFound)
	}

	e.Processed = true

	return nil
}

func (r *eventRepo) ListUnprocessed(_ context.Context, limit int) ([]*models.TriggerEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.TriggerEvent

	for _, id := range r.eventOrder {
		if limit > 0 && len(out) >= limit {
			break
		}

		if e := r.events[id]; !e.Processed {
			out = append(out, e)
		}
	}

	return out, nil
}

// --- retry jobs ---

type retryRepo Persistence

func (r *retryRepo) Save(_ context.Context, job *models.RetryJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	clone := *job
	r.retryJobs[job.ID] = &clone

	return nil
}

func (r *retryRepo) GetByID(_ context.Context, id string) (*models.RetryJob, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	j, ok := r.retryJobs[id]
	if !ok {
		return nil, persistence.NewStoreError("GetByID", "retry_job", id, persistence.ErrRetryJobNotFound)
	}

	clone := *j

	return &clone, nil
}

func (r *retryRepo) ListDue(_ context.Context, now time.Time) ([]*models.RetryJob, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var due []*models.RetryJob

	for _, j := range r.retryJobs {
		if j.Status == models.RetryJobStatusPending && !j.NextRetryAt.After(now) {
			clone := *j
			due = append(due, &clone)
		}
	}

	sort.Slice(due, func(i, k int) bool { return due[i].NextRetryAt.Before(due[k].NextRetryAt) })

	return due, nil
}

// --- a/b tests ---

type abTestRepo Persistence

func resultKey(testID, variantID string, metric models.WinnerMetric) string {
	return testID + "/" + variantID + "/" + string(metric)
}

func (r *abTestRepo) Save(_ context.Context, test *models.ABTest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.abTests[test.ID] = test

	return nil
}

func (r *abTestRepo) GetByID(_ context.Context, id string) (*models.ABTest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.abTests[id]
	if !ok {
		return nil, persistence.NewStoreError("GetByID", "ab_test", id, persistence.ErrABTestNotFound)
	}

	return t, nil
}

func (r *abTestRepo) GetActiveByWorkflow(_ context.Context, workflowID string) (*models.ABTest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, t := range r.abTests {
		if t.WorkflowID == workflowID && t.Status == models.ABTestStatusRunning {
			return t, nil
		}
	}

	return nil, persistence.NewStoreError("GetActiveByWorkflow", "ab_test", workflowID, persistence.ErrABTestNotFound)
}

func (r *abTestRepo) SaveResult(_ context.Context, result *models.ABTestResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	clone := *result
	r.abResults[resultKey(result.TestID, result.VariantID, result.Metric)] = &clone

	return nil
}

func (r *abTestRepo) GetResult(_ context.Context, testID, variantID string, metric models.WinnerMetric) (*models.ABTestResult, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	res, ok := r.abResults[resultKey(testID, variantID, metric)]
	if !ok {
		return nil, persistence.NewStoreError("GetResult", "ab_test_result", testID, persistence.ErrABTestNotFound)
	}

	clone := *res

	return &clone, nil
}

func (r *abTestRepo) ListResults(_ context.Context, testID string, metric models.WinnerMetric) ([]*models.ABTestResult, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.ABTestResult

	for _, res := range r.abResults {
		if res.TestID == testID && res.Metric == metric {
			clone := *res
			out = append(out, &clone)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].VariantID < out[j].VariantID })

	return out, nil
}

// --- contacts ---

type contactRepo Persistence

func (r *contactRepo) Save(_ context.Context, contact *models.Contact) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.contacts[contact.ID] = contact

	return nil
}

func (r *contactRepo) GetByID(_ context.Context, id string) (*models.Contact, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.contacts[id]
	if !ok {
		return nil, persistence.NewStoreError("GetByID", "contact", id, persistence.ErrContactNotFound)
	}

	return c, nil
}
