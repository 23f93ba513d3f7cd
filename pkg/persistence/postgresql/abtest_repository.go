package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cadenzahq/cadenza/pkg/models"
	"github.com/cadenzahq/cadenza/pkg/persistence"
)

// ABTestRepository stores A/B tests (variant definitions as JSONB snapshots)
// and their metric accumulators.
type ABTestRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// Save upserts an A/B test.
func (r *ABTestRepository) Save(ctx context.Context, test *models.ABTest) error {
	variantsJSON, err := json.Marshal(test.Variants)
	if err != nil {
		return fmt.Errorf("failed to marshal variants: %w", err)
	}

	query := `
		INSERT INTO ab_tests (
			id, organization_id, name, workflow_id, winner_metric, status,
			variants, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			winner_metric = EXCLUDED.winner_metric,
			status = EXCLUDED.status,
			variants = EXCLUDED.variants,
			updated_at = EXCLUDED.updated_at
	`

	_, err = r.db.ExecContext(ctx, query,
		test.ID,
		test.OrganizationID,
		test.Name,
		test.WorkflowID,
		test.WinnerMetric,
		test.Status,
		variantsJSON,
		test.CreatedAt,
		test.UpdatedAt,
	)
	if err != nil {
		return persistence.NewStoreError("Save", "ab_test", test.ID, err)
	}

	return nil
}

// GetByID retrieves an A/B test.
func (r *ABTestRepository) GetByID(ctx context.Context, id string) (*models.ABTest, error) {
	query := selectABTest + ` WHERE id = $1`

	test, err := r.scanABTest(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewStoreError("GetByID", "ab_test", id, persistence.ErrABTestNotFound)
		}

		return nil, persistence.NewStoreError("GetByID", "ab_test", id, err)
	}

	return test, nil
}

// GetActiveByWorkflow returns the running test targeting a workflow.
func (r *ABTestRepository) GetActiveByWorkflow(ctx context.Context, workflowID string) (*models.ABTest, error) {
	query := selectABTest + ` WHERE workflow_id = $1 AND status = $2 LIMIT 1`

	test, err := r.scanABTest(r.db.QueryRowContext(ctx, query, workflowID, models.ABTestStatusRunning))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewStoreError("GetActiveByWorkflow", "ab_test", workflowID, persistence.ErrABTestNotFound)
		}

		return nil, persistence.NewStoreError("GetActiveByWorkflow", "ab_test", workflowID, err)
	}

	return test, nil
}

// SaveResult upserts a metric accumulator row.
func (r *ABTestRepository) SaveResult(ctx context.Context, result *models.ABTestResult) error {
	query := `
		INSERT INTO ab_test_results (test_id, variant_id, metric, sample_size, total, mean, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (test_id, variant_id, metric) DO UPDATE SET
			sample_size = EXCLUDED.sample_size,
			total = EXCLUDED.total,
			mean = EXCLUDED.mean,
			updated_at = EXCLUDED.updated_at
	`

	_, err := r.db.ExecContext(ctx, query,
		result.TestID,
		result.VariantID,
		result.Metric,
		result.SampleSize,
		result.Total,
		result.Mean,
		result.UpdatedAt,
	)
	if err != nil {
		return persistence.NewStoreError("SaveResult", "ab_test_result", result.TestID, err)
	}

	return nil
}

// GetResult retrieves one accumulator.
func (r *ABTestRepository) GetResult(ctx context.Context, testID, variantID string, metric models.WinnerMetric) (*models.ABTestResult, error) {
	query := selectABTestResult + ` WHERE test_id = $1 AND variant_id = $2 AND metric = $3`

	result, err := r.scanResult(r.db.QueryRowContext(ctx, query, testID, variantID, metric))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewStoreError("GetResult", "ab_test_result", testID, persistence.ErrABTestNotFound)
		}

		return nil, persistence.NewStoreError("GetResult", "ab_test_result", testID, err)
	}

	return result, nil
}

// ListResults returns all variant accumulators for a test and metric.
func (r *ABTestRepository) ListResults(ctx context.Context, testID string, metric models.WinnerMetric) ([]*models.ABTestResult, error) {
	query := selectABTestResult + ` WHERE test_id = $1 AND metric = $2 ORDER BY variant_id`

	rows, err := r.db.QueryContext(ctx, query, testID, metric)
	if err != nil {
		return nil, fmt.Errorf("failed to query ab test results: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	var results []*models.ABTestResult

	for rows.Next() {
		result, err := r.scanResult(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ab test result: %w", err)
		}

		results = append(results, result)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ab test results: %w", err)
	}

	return results, nil
}

const selectABTest = `
	SELECT id, organization_id, name, workflow_id, winner_metric, status,
		   variants, created_at, updated_at
	FROM ab_tests
`

const selectABTestResult = `
	SELECT test_id, variant_id, metric, sample_size, total, mean, updated_at
	FROM ab_test_results
`

func (r *ABTestRepository) scanABTest(scanner interface{ Scan(dest ...any) error }) (*models.ABTest, error) {
	var (
		test         models.ABTest
		variantsJSON []byte
	)

	err := scanner.Scan(
		&test.ID,
		&test.OrganizationID,
		&test.Name,
		&test.WorkflowID,
		&test.WinnerMetric,
		&test.Status,
		&variantsJSON,
		&test.CreatedAt,
		&test.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(variantsJSON, &test.Variants); err != nil {
		return nil, fmt.Errorf("failed to unmarshal variants: %w", err)
	}

	// Variant definitions carry their own node graphs; decode specs so
	// substituted definitions are engine-ready.
	for _, variant := range test.Variants {
		if variant.Definition == nil {
			continue
		}

		for _, node := range variant.Definition.Nodes {
			if err := node.DecodeSpec(); err != nil {
				return nil, fmt.Errorf("ab test %s variant %s: %w", test.ID, variant.ID, err)
			}
		}
	}

	return &test, nil
}

func (r *ABTestRepository) scanResult(scanner interface{ Scan(dest ...any) error }) (*models.ABTestResult, error) {
	var result models.ABTestResult

	err := scanner.Scan(
		&result.TestID,
		&result.VariantID,
		&result.Metric,
		&result.SampleSize,
		&result.Total,
		&result.Mean,
		&result.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	return &result, nil
}
