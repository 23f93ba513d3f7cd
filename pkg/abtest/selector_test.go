package abtest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadenzahq/cadenza/pkg/models"
	"github.com/cadenzahq/cadenza/pkg/persistence/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func fiftyFiftyTest() *models.ABTest {
	return &models.ABTest{
		ID:             "test-1",
		OrganizationID: "org-1",
		Name:           "subject line test",
		WorkflowID:     "wf-1",
		WinnerMetric:   models.MetricOpenRate,
		Status:         models.ABTestStatusRunning,
		Variants: []*models.ABTestVariant{
			{ID: "control", Name: "Control", TrafficPercent: 0.5, Definition: &models.Workflow{ID: "wf-control"}},
			{ID: "treatment", Name: "Treatment", TrafficPercent: 0.5, Definition: &models.Workflow{ID: "wf-treatment"}},
		},
	}
}

func TestSelectVariantIsStable(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPersistence()
	selector := NewSelector(testLogger(), store.ABTests(), nil)
	test := fiftyFiftyTest()

	first, err := selector.SelectVariant(ctx, test, "contact-42")
	require.NoError(t, err)

	for range 1000 {
		again, err := selector.SelectVariant(ctx, test, "contact-42")
		require.NoError(t, err)
		assert.Equal(t, first.ID, again.ID)
	}
}

func TestSelectVariantSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPersistence()
	test := fiftyFiftyTest()

	first, err := NewSelector(testLogger(), store.ABTests(), nil).SelectVariant(ctx, test, "contact-42")
	require.NoError(t, err)

	// A fresh selector (new process, no cache) computes the same band.
	second, err := NewSelector(testLogger(), store.ABTests(), nil).SelectVariant(ctx, test, "contact-42")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
}

func TestSelectVariantCoversEveryBucket(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPersistence()
	selector := NewSelector(testLogger(), store.ABTests(), nil)

	test := &models.ABTest{
		ID:           "test-3way",
		WorkflowID:   "wf-1",
		WinnerMetric: models.MetricClickRate,
		Status:       models.ABTestStatusRunning,
		Variants: []*models.ABTestVariant{
			{ID: "a", TrafficPercent: 0.33, Definition: &models.Workflow{ID: "wf-a"}},
			{ID: "b", TrafficPercent: 0.33, Definition: &models.Workflow{ID: "wf-b"}},
			{ID: "c", TrafficPercent: 0.34, Definition: &models.Workflow{ID: "wf-c"}},
		},
	}

	counts := make(map[string]int)

	for i := range 1000 {
		variant, err := selector.SelectVariant(ctx, test, fmt.Sprintf("contact-%d", i))
		require.NoError(t, err)

		counts[variant.ID]++
	}

	// Every variant receives traffic; no contact falls outside all bands.
	assert.Len(t, counts, 3)

	total := 0
	for _, n := range counts {
		assert.Greater(t, n, 0)

		total += n
	}

	assert.Equal(t, 1000, total)
}

func TestSelectForWorkflow(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPersistence()
	selector := NewSelector(testLogger(), store.ABTests(), nil)

	test := fiftyFiftyTest()
	require.NoError(t, store.ABTests().Save(ctx, test))

	definition, variantID, err := selector.SelectForWorkflow(ctx, "wf-1", "contact-42")
	require.NoError(t, err)
	require.NotNil(t, definition)
	assert.NotEmpty(t, variantID)

	// No running test for another workflow: base definition stays in play.
	definition, variantID, err = selector.SelectForWorkflow(ctx, "wf-other", "contact-42")
	require.NoError(t, err)
	assert.Nil(t, definition)
	assert.Empty(t, variantID)
}

func TestSelectForWorkflowIgnoresConcludedTests(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPersistence()
	selector := NewSelector(testLogger(), store.ABTests(), nil)

	test := fiftyFiftyTest()
	test.Status = models.ABTestStatusConcluded
	require.NoError(t, store.ABTests().Save(ctx, test))

	definition, _, err := selector.SelectForWorkflow(ctx, "wf-1", "contact-42")
	require.NoError(t, err)
	assert.Nil(t, definition)
}
