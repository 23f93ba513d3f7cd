package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cadenzahq/cadenza/pkg/abtest"
	"github.com/cadenzahq/cadenza/pkg/models"
	"github.com/cadenzahq/cadenza/pkg/persistence"
)

// ErrABTestNotFound is returned when an A/B test is not found.
var ErrABTestNotFound = persistence.ErrABTestNotFound

// ABTest manages the A/B test lifecycle. Variant definitions are persisted
// as draft workflows so the engine can resolve them by ID while the matcher,
// which only sees active workflows, ignores them.
type ABTest struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	recorder    *abtest.Recorder
}

// NewABTest creates a new A/B test service.
func NewABTest(logger *slog.Logger, persist persistence.Persistence, recorder *abtest.Recorder) *ABTest {
	return &ABTest{
		logger:      logger.With("module", "abtest_service"),
		persistence: persist,
		recorder:    recorder,
	}
}

// Create validates and starts a new A/B test against a workflow. Traffic
// conservation and variant integrity are enforced before anything is
// persisted; one running test per workflow.
func (a *ABTest) Create(ctx context.Context, test *models.ABTest) (*models.ABTest, error) {
	base, err := a.persistence.Workflows().GetByID(ctx, test.WorkflowID)
	if err != nil {
		return nil, err
	}

	for _, variant := range test.Variants {
		if variant.ID == "" {
			variant.ID = uuid.New().String()
		}
	}

	if err := test.Validate(); err != nil {
		return nil, NewValidationError("CreateABTest", "INVALID_VARIANTS", err.Error(), ErrInvalidVariants)
	}

	running, err := a.persistence.ABTests().GetActiveByWorkflow(ctx, test.WorkflowID)
	if err != nil && !persistence.IsNotFound(err) {
		return nil, err
	}

	if running != nil {
		return nil, NewValidationError("CreateABTest", "TEST_RUNNING",
			fmt.Sprintf("test %s is already running against workflow %s", running.ID, test.WorkflowID),
			ErrTestAlreadyRunning)
	}

	now := time.Now().UTC()
	test.ID = uuid.New().String()
	test.Status = models.ABTestStatusRunning
	test.CreatedAt = now
	test.UpdatedAt = now

	if test.OrganizationID == "" {
		test.OrganizationID = base.OrganizationID
	}

	for _, variant := range test.Variants {
		if err := a.saveVariantDefinition(ctx, test, variant, now); err != nil {
			return nil, err
		}
	}

	if err := a.persistence.ABTests().Save(ctx, test); err != nil {
		return nil, fmt.Errorf("failed to create a/b test: %w", err)
	}

	a.logger.InfoContext(ctx, "Started a/b test",
		"test_id", test.ID,
		"workflow_id", test.WorkflowID,
		"variants", len(test.Variants))

	return test, nil
}

// saveVariantDefinition validates a variant's workflow snapshot and stores
// it as a draft.
func (a *ABTest) saveVariantDefinition(ctx context.Context, test *models.ABTest, variant *models.ABTestVariant, now time.Time) error {
	def := variant.Definition
	if def == nil {
		return NewValidationError("CreateABTest", "MISSING_DEFINITION",
			fmt.Sprintf("variant %s has no workflow definition", variant.Name), ErrInvalidVariants)
	}

	for _, node := range def.Nodes {
		if err := models.ValidateNodeConfig(node); err != nil {
			return NewValidationError("CreateABTest", "INVALID_NODE_CONFIG", err.Error(), ErrInvalidVariants)
		}
	}

	if err := def.Validate(); err != nil {
		return NewValidationError("CreateABTest", "INVALID_DEFINITION",
			fmt.Sprintf("variant %s: %v", variant.Name, err), ErrInvalidVariants)
	}

	if def.ID == "" {
		def.ID = uuid.New().String()
	}

	def.OrganizationID = test.OrganizationID
	def.Status = models.WorkflowStatusDraft
	def.CreatedAt = now
	def.UpdatedAt = now

	if def.Name == "" {
		def.Name = fmt.Sprintf("%s (%s)", test.Name, variant.Name)
	}

	if err := a.persistence.Workflows().Save(ctx, def); err != nil {
		return fmt.Errorf("failed to save variant definition %s: %w", variant.ID, err)
	}

	return nil
}

// FetchByID retrieves an A/B test by its ID.
func (a *ABTest) FetchByID(ctx context.Context, id string) (*models.ABTest, error) {
	return a.persistence.ABTests().GetByID(ctx, id)
}

// Analyze ranks the test's variants on its winner metric.
func (a *ABTest) Analyze(ctx context.Context, testID string) (*abtest.Analysis, error) {
	return a.recorder.Analyze(ctx, testID)
}

// RecordResult folds one metric observation into the test's accumulators.
func (a *ABTest) RecordResult(ctx context.Context, testID, variantID string, metric models.WinnerMetric, value float64) error {
	if _, err := a.persistence.ABTests().GetByID(ctx, testID); err != nil {
		return err
	}

	return a.recorder.RecordResult(ctx, testID, variantID, metric, value)
}

// Conclude stops a running test. New activations fall back to the base
// workflow definition; frozen assignments stop mattering because concluded
// tests are never selected.
func (a *ABTest) Conclude(ctx context.Context, testID string) (*models.ABTest, error) {
	test, err := a.persistence.ABTests().GetByID(ctx, testID)
	if err != nil {
		return nil, err
	}

	if test.Status == models.ABTestStatusConcluded {
		return nil, NewValidationError("ConcludeABTest", "ALREADY_CONCLUDED",
			fmt.Sprintf("test %s already concluded", testID), ErrTestConcluded)
	}

	test.Status = models.ABTestStatusConcluded
	test.UpdatedAt = time.Now().UTC()

	if err := a.persistence.ABTests().Save(ctx, test); err != nil {
		return nil, fmt.Errorf("failed to conclude a/b test: %w", err)
	}

	a.logger.InfoContext(ctx, "Concluded a/b test", "test_id", testID)

	return test, nil
}
