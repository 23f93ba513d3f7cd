package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadenzahq/cadenza/pkg/dispatch"
	"github.com/cadenzahq/cadenza/pkg/models"
	"github.com/cadenzahq/cadenza/pkg/persistence/memory"
	"github.com/cadenzahq/cadenza/pkg/retry"
)

func newTestEngine(t *testing.T, store *memory.Persistence, sender Sender, opts ...EngineOption) *Engine {
	t.Helper()

	logger := testLogger()
	queue := retry.NewQueue(logger, store.RetryJobs(), sender, nil, nil)

	return NewEngine(logger, store, sender, queue, nil, "worker-test", opts...)
}

func startExecution(t *testing.T, ctx context.Context, engine *Engine, store *memory.Persistence, wf *models.Workflow, event *models.TriggerEvent) *models.Execution {
	t.Helper()

	require.NoError(t, store.Workflows().Save(ctx, wf))

	trigger := wf.TriggerNodes()[0]

	execution, err := engine.Start(ctx, wf, trigger, event)
	require.NoError(t, err)

	return execution
}

func TestEngineLinearWorkflowCompletes(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPersistence()
	sender := &fakeSender{}
	engine := newTestEngine(t, store, sender)

	wf := linearWorkflow(t, models.EventContactCreated)
	event := testEvent(models.EventContactCreated, "contact-1", map[string]any{"list": "newsletter"})

	execution := startExecution(t, ctx, engine, store, wf, event)
	require.NoError(t, engine.Advance(ctx, execution))

	assert.Equal(t, 1, sender.callCount())
	assert.Equal(t, "send", sender.calls[0].NodeID)
	assert.Equal(t, models.ChannelEmail, sender.calls[0].Channel)

	persisted, err := store.Executions().GetByID(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, persisted.Status)
	assert.NotNil(t, persisted.CompletedAt)
}

func TestEngineConditionBranches(t *testing.T) {
	tests := []struct {
		name      string
		score     any
		wantSends int
	}{
		{name: "true branch dispatches", score: 80, wantSends: 1},
		{name: "false branch skips dispatch", score: 10, wantSends: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := memory.NewPersistence()
			sender := &fakeSender{}
			engine := newTestEngine(t, store, sender)

			wf := branchWorkflow(t, models.EventFormSubmission)
			event := testEvent(models.EventFormSubmission, "contact-1", map[string]any{"score": tt.score})

			execution := startExecution(t, ctx, engine, store, wf, event)
			require.NoError(t, engine.Advance(ctx, execution))

			assert.Equal(t, tt.wantSends, sender.callCount())

			persisted, err := store.Executions().GetByID(ctx, execution.ID)
			require.NoError(t, err)
			assert.Equal(t, models.ExecutionStatusCompleted, persisted.Status)
		})
	}
}

func TestEngineConditionReadsContactAttributes(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPersistence()
	sender := &fakeSender{}
	engine := newTestEngine(t, store, sender)

	require.NoError(t, store.Contacts().Save(ctx, &models.Contact{
		ID:             "contact-1",
		OrganizationID: testOrgID,
		Attributes:     map[string]any{"score": 90},
	}))

	wf := branchWorkflow(t, models.EventFormSubmission)
	// Event carries no score; the condition falls through to the contact.
	event := testEvent(models.EventFormSubmission, "contact-1", nil)

	execution := startExecution(t, ctx, engine, store, wf, event)
	require.NoError(t, engine.Advance(ctx, execution))

	assert.Equal(t, 1, sender.callCount())
}

func TestEngineDelayParksAndResumeDueWakes(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPersistence()
	sender := &fakeSender{}
	clock := clockwork.NewFakeClock()
	engine := newTestEngine(t, store, sender, WithClock(clock))

	wf := delayWorkflow(t, models.EventAbandonedCart, "1h")
	event := testEvent(models.EventAbandonedCart, "contact-1", nil)

	execution := startExecution(t, ctx, engine, store, wf, event)
	require.NoError(t, engine.Advance(ctx, execution))

	parked, err := store.Executions().GetByID(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusWaiting, parked.Status)
	assert.Equal(t, models.WaitReasonDelay, parked.WaitReason)
	require.NotNil(t, parked.ResumeAt)
	assert.Equal(t, clock.Now().UTC().Add(time.Hour), *parked.ResumeAt)
	assert.Equal(t, 0, sender.callCount())

	// Not due yet.
	resumed, err := engine.ResumeDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, resumed)

	clock.Advance(time.Hour + time.Minute)

	resumed, err = engine.ResumeDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, resumed)
	assert.Equal(t, 1, sender.callCount())

	final, err := store.Executions().GetByID(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, final.Status)
}

func TestEngineMaxHopsFailsCyclicGraph(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPersistence()
	sender := &fakeSender{}
	engine := newTestEngine(t, store, sender, WithMaxHops(10))

	wf := cyclicWorkflow(t, models.EventTagAdded)
	event := testEvent(models.EventTagAdded, "contact-1", map[string]any{"score": 5})

	execution := startExecution(t, ctx, engine, store, wf, event)
	require.NoError(t, engine.Advance(ctx, execution))

	persisted, err := store.Executions().GetByID(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusFailed, persisted.Status)
	assert.Contains(t, persisted.Context[models.ContextKeyError], "max hops")
}

func TestEngineTransientFailureParksOnRetry(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPersistence()
	sender := &fakeSender{errs: []error{dispatch.Transient(errors.New("smtp timeout"))}}
	engine := newTestEngine(t, store, sender)

	wf := linearWorkflow(t, models.EventContactCreated)
	event := testEvent(models.EventContactCreated, "contact-1", nil)

	execution := startExecution(t, ctx, engine, store, wf, event)
	require.NoError(t, engine.Advance(ctx, execution))

	parked, err := store.Executions().GetByID(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusWaiting, parked.Status)
	assert.Equal(t, models.WaitReasonDispatchRetry, parked.WaitReason)
	assert.Equal(t, "send", parked.CurrentNodeID)

	jobs, err := store.RetryJobs().ListDue(ctx, time.Now().UTC().Add(2*time.Minute))
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, execution.ID, jobs[0].ExecutionID)
	assert.Equal(t, models.RetryJobStatusPending, jobs[0].Status)
}

func TestEnginePermanentFailureFails(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPersistence()
	sender := &fakeSender{errs: []error{dispatch.Permanent(errors.New("unknown recipient"))}}
	engine := newTestEngine(t, store, sender)

	wf := linearWorkflow(t, models.EventContactCreated)
	event := testEvent(models.EventContactCreated, "contact-1", nil)

	execution := startExecution(t, ctx, engine, store, wf, event)
	require.NoError(t, engine.Advance(ctx, execution))

	persisted, err := store.Executions().GetByID(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusFailed, persisted.Status)
	assert.Contains(t, persisted.Context[models.ContextKeyError], "unknown recipient")
}

func TestEngineResumeAfterCrashDispatchesOnce(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPersistence()
	sender := &fakeSender{}
	engine := newTestEngine(t, store, sender)

	wf := linearWorkflow(t, models.EventContactCreated)
	event := testEvent(models.EventContactCreated, "contact-1", nil)

	// Start commits the execution pointing at the action node. The worker
	// "crashes" before Advance runs; a fresh worker picks the row up.
	execution := startExecution(t, ctx, engine, store, wf, event)

	recovered, err := store.Executions().GetByID(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, "send", recovered.CurrentNodeID)
	assert.Equal(t, 0, sender.callCount())

	require.NoError(t, engine.Advance(ctx, recovered))

	assert.Equal(t, 1, sender.callCount())

	final, err := store.Executions().GetByID(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, final.Status)
}

func TestEngineResumeFromRetry(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPersistence()
	sender := &fakeSender{errs: []error{dispatch.Transient(errors.New("rate limited"))}}
	engine := newTestEngine(t, store, sender)

	wf := linearWorkflow(t, models.EventContactCreated)
	event := testEvent(models.EventContactCreated, "contact-1", nil)

	execution := startExecution(t, ctx, engine, store, wf, event)
	require.NoError(t, engine.Advance(ctx, execution))

	// Redelivery succeeded: the execution advances past the action node.
	require.NoError(t, engine.ResumeFromRetry(ctx, execution.ID, nil))

	persisted, err := store.Executions().GetByID(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, persisted.Status)

	// The engine's own dispatch happened once; the redelivery belongs to
	// the retry subsystem.
	assert.Equal(t, 1, sender.callCount())
}

func TestEngineResumeFromRetryFailure(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPersistence()
	sender := &fakeSender{errs: []error{dispatch.Transient(errors.New("rate limited"))}}
	engine := newTestEngine(t, store, sender)

	wf := linearWorkflow(t, models.EventContactCreated)
	event := testEvent(models.EventContactCreated, "contact-1", nil)

	execution := startExecution(t, ctx, engine, store, wf, event)
	require.NoError(t, engine.Advance(ctx, execution))

	cause := dispatch.Permanent(errors.New("retries exhausted"))
	require.NoError(t, engine.ResumeFromRetry(ctx, execution.ID, cause))

	persisted, err := store.Executions().GetByID(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusFailed, persisted.Status)
}

func TestEngineCancel(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPersistence()
	sender := &fakeSender{}
	engine := newTestEngine(t, store, sender)

	wf := delayWorkflow(t, models.EventAbandonedCart, "24h")
	event := testEvent(models.EventAbandonedCart, "contact-1", nil)

	execution := startExecution(t, ctx, engine, store, wf, event)
	require.NoError(t, engine.Advance(ctx, execution))

	require.NoError(t, engine.Cancel(ctx, execution.ID))

	persisted, err := store.Executions().GetByID(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCancelled, persisted.Status)

	err = engine.Cancel(ctx, execution.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExecutionTerminal)
}
