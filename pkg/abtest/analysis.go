package abtest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/cadenzahq/cadenza/pkg/models"
	"github.com/cadenzahq/cadenza/pkg/persistence"
)

const (
	// minSampleSize is the floor below which no winner is declared.
	minSampleSize = 30
	// minImprovementPct is the minimum relative improvement over the worst
	// variant for a conclusive result.
	minImprovementPct = 5.0
)

var ErrNoResults = errors.New("a/b test has no recorded results")

// Standing is one variant's position in an analysis, best first.
type Standing struct {
	VariantID  string  `json:"variant_id"`
	SampleSize int     `json:"sample_size"`
	Mean       float64 `json:"mean"`
}

// Analysis ranks variants on the test's winner metric. Winner is empty
// when the result is inconclusive.
type Analysis struct {
	TestID         string              `json:"test_id"`
	Metric         models.WinnerMetric `json:"metric"`
	Standings      []Standing          `json:"standings"`
	Winner         string              `json:"winner,omitempty"`
	ImprovementPct float64             `json:"improvement_pct"`
	Conclusive     bool                `json:"conclusive"`
}

// Recorder accumulates metric observations and analyzes tests.
type Recorder struct {
	logger *slog.Logger
	tests  persistence.ABTestRepository
}

func NewRecorder(logger *slog.Logger, tests persistence.ABTestRepository) *Recorder {
	return &Recorder{
		logger: logger.With("module", "abtest"),
		tests:  tests,
	}
}

// RecordResult folds one observation into the (test, variant, metric)
// accumulator.
func (r *Recorder) RecordResult(ctx context.Context, testID, variantID string, metric models.WinnerMetric, value float64) error {
	result, err := r.tests.GetResult(ctx, testID, variantID, metric)
	if err != nil {
		if !persistence.IsNotFound(err) {
			return err
		}

		result = &models.ABTestResult{
			TestID:    testID,
			VariantID: variantID,
			Metric:    metric,
		}
	}

	result.Record(value)
	result.UpdatedAt = time.Now().UTC()

	return r.tests.SaveResult(ctx, result)
}

// Analyze ranks variants by the test's winner metric and declares a winner
// only when the best variant has enough samples and a material lead.
func (r *Recorder) Analyze(ctx context.Context, testID string) (*Analysis, error) {
	test, err := r.tests.GetByID(ctx, testID)
	if err != nil {
		return nil, err
	}

	results, err := r.tests.ListResults(ctx, testID, test.WinnerMetric)
	if err != nil {
		return nil, err
	}

	if len(results) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoResults, testID)
	}

	standings := make([]Standing, 0, len(results))
	for _, result := range results {
		standings = append(standings, Standing{
			VariantID:  result.VariantID,
			SampleSize: result.SampleSize,
			Mean:       result.Mean,
		})
	}

	lowerIsBetter := test.WinnerMetric.LowerIsBetter()

	sort.SliceStable(standings, func(i, j int) bool {
		if lowerIsBetter {
			return standings[i].Mean < standings[j].Mean
		}

		return standings[i].Mean > standings[j].Mean
	})

	analysis := &Analysis{
		TestID:    testID,
		Metric:    test.WinnerMetric,
		Standings: standings,
	}

	best := standings[0]
	worst := standings[len(standings)-1]

	if worst.Mean != 0 {
		analysis.ImprovementPct = (best.Mean - worst.Mean) / worst.Mean * 100
		if lowerIsBetter {
			analysis.ImprovementPct = -analysis.ImprovementPct
		}
	}

	if best.SampleSize >= minSampleSize && math.Abs(analysis.ImprovementPct) >= minImprovementPct {
		analysis.Winner = best.VariantID
		analysis.Conclusive = true
	}

	return analysis, nil
}
