package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadenzahq/cadenza/pkg/models"
	"github.com/cadenzahq/cadenza/pkg/persistence/memory"
)

type stubSelector struct {
	definition *models.Workflow
	variantID  string
}

func (s *stubSelector) SelectForWorkflow(_ context.Context, _, _ string) (*models.Workflow, string, error) {
	return s.definition, s.variantID, nil
}

func newTestActivator(t *testing.T, store *memory.Persistence, sender Sender, selector VariantSelector) *Activator {
	t.Helper()

	logger := testLogger()
	matcher := NewMatcher(logger, store.Workflows())
	engine := newTestEngine(t, store, sender)

	return NewActivator(logger, store, matcher, engine, selector, nil)
}

func TestActivatorIngestRejectsUnknownEventType(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPersistence()
	activator := newTestActivator(t, store, &fakeSender{}, nil)

	event := testEvent(models.EventContactCreated, "contact-1", nil)
	event.Type = "page_viewed"

	err := activator.Ingest(ctx, event)
	require.Error(t, err)
}

func TestActivatorIngestPersistsBeforeAnnouncing(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPersistence()
	activator := newTestActivator(t, store, &fakeSender{}, nil)

	event := testEvent(models.EventContactCreated, "contact-1", map[string]any{"source": "import"})
	require.NoError(t, activator.Ingest(ctx, event))

	persisted, err := store.Events().GetByID(ctx, event.ID)
	require.NoError(t, err)
	assert.False(t, persisted.Processed)
	assert.Equal(t, models.EventContactCreated, persisted.Type)
}

func TestActivatorMarksProcessedWhenNothingMatches(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPersistence()
	activator := newTestActivator(t, store, &fakeSender{}, nil)

	event := testEvent(models.EventEmailClicked, "contact-1", nil)
	require.NoError(t, activator.Ingest(ctx, event))
	require.NoError(t, activator.ProcessEvent(ctx, event.ID))

	persisted, err := store.Events().GetByID(ctx, event.ID)
	require.NoError(t, err)
	assert.True(t, persisted.Processed)

	unprocessed, err := store.Events().ListUnprocessed(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, unprocessed)
}

func TestActivatorStartsExecutionAndMarksProcessed(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPersistence()
	activator := newTestActivator(t, store, &fakeSender{}, nil)

	wf := linearWorkflow(t, models.EventContactCreated)
	require.NoError(t, store.Workflows().Save(ctx, wf))

	event := testEvent(models.EventContactCreated, "contact-1", nil)
	require.NoError(t, activator.Ingest(ctx, event))
	require.NoError(t, activator.ProcessEvent(ctx, event.ID))

	executions, err := store.Executions().ListByWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	require.Len(t, executions, 1)
	assert.Equal(t, "contact-1", executions[0].ContactID)

	persisted, err := store.Events().GetByID(ctx, event.ID)
	require.NoError(t, err)
	assert.True(t, persisted.Processed)
}

func TestActivatorSkipsAlreadyProcessedEvent(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPersistence()
	activator := newTestActivator(t, store, &fakeSender{}, nil)

	wf := linearWorkflow(t, models.EventContactCreated)
	require.NoError(t, store.Workflows().Save(ctx, wf))

	event := testEvent(models.EventContactCreated, "contact-1", nil)
	require.NoError(t, activator.Ingest(ctx, event))
	require.NoError(t, activator.ProcessEvent(ctx, event.ID))
	// Bus redelivery of the same event.
	require.NoError(t, activator.ProcessEvent(ctx, event.ID))

	executions, err := store.Executions().ListByWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Len(t, executions, 1)
}

func TestActivatorSkipsContactWithOpenRun(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPersistence()
	activator := newTestActivator(t, store, &fakeSender{}, nil)

	// The delay keeps the first run open.
	wf := delayWorkflow(t, models.EventAbandonedCart, "24h")
	require.NoError(t, store.Workflows().Save(ctx, wf))

	first := testEvent(models.EventAbandonedCart, "contact-1", nil)
	require.NoError(t, activator.Ingest(ctx, first))
	require.NoError(t, activator.ProcessEvent(ctx, first.ID))

	second := testEvent(models.EventAbandonedCart, "contact-1", nil)
	require.NoError(t, activator.Ingest(ctx, second))
	require.NoError(t, activator.ProcessEvent(ctx, second.ID))

	executions, err := store.Executions().ListByWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Len(t, executions, 1)

	// The skipped event is still marked processed.
	persisted, err := store.Events().GetByID(ctx, second.ID)
	require.NoError(t, err)
	assert.True(t, persisted.Processed)
}

func TestActivatorAllowConcurrentRuns(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPersistence()
	activator := newTestActivator(t, store, &fakeSender{}, nil)
	activator.AllowConcurrentRuns = true

	wf := delayWorkflow(t, models.EventAbandonedCart, "24h")
	require.NoError(t, store.Workflows().Save(ctx, wf))

	for range 2 {
		event := testEvent(models.EventAbandonedCart, "contact-1", nil)
		require.NoError(t, activator.Ingest(ctx, event))
		require.NoError(t, activator.ProcessEvent(ctx, event.ID))
	}

	executions, err := store.Executions().ListByWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Len(t, executions, 2)
}

func TestActivatorSubstitutesVariantDefinition(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPersistence()

	base := linearWorkflow(t, models.EventContactCreated)

	// Variant definitions are stored as drafts: resolvable by ID for the
	// engine, invisible to the matcher.
	variant := linearWorkflow(t, models.EventContactCreated)
	variant.Status = models.WorkflowStatusDraft

	selector := &stubSelector{definition: variant, variantID: "variant-b"}
	activator := newTestActivator(t, store, &fakeSender{}, selector)

	require.NoError(t, store.Workflows().Save(ctx, base))
	require.NoError(t, store.Workflows().Save(ctx, variant))

	event := testEvent(models.EventContactCreated, "contact-1", nil)
	require.NoError(t, activator.Ingest(ctx, event))
	require.NoError(t, activator.ProcessEvent(ctx, event.ID))

	variantRuns, err := store.Executions().ListByWorkflow(ctx, variant.ID)
	require.NoError(t, err)
	assert.Len(t, variantRuns, 1)

	baseRuns, err := store.Executions().ListByWorkflow(ctx, base.ID)
	require.NoError(t, err)
	assert.Empty(t, baseRuns)
}
