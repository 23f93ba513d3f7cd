package abtest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadenzahq/cadenza/pkg/models"
	"github.com/cadenzahq/cadenza/pkg/persistence/memory"
)

func recordMany(t *testing.T, recorder *Recorder, testID, variantID string, metric models.WinnerMetric, value float64, n int) {
	t.Helper()

	for range n {
		require.NoError(t, recorder.RecordResult(context.Background(), testID, variantID, metric, value))
	}
}

func TestRecordResultAccumulates(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPersistence()
	recorder := NewRecorder(testLogger(), store.ABTests())

	require.NoError(t, recorder.RecordResult(ctx, "test-1", "control", models.MetricOpenRate, 1))
	require.NoError(t, recorder.RecordResult(ctx, "test-1", "control", models.MetricOpenRate, 0))
	require.NoError(t, recorder.RecordResult(ctx, "test-1", "control", models.MetricOpenRate, 1))

	result, err := store.ABTests().GetResult(ctx, "test-1", "control", models.MetricOpenRate)
	require.NoError(t, err)
	assert.Equal(t, 3, result.SampleSize)
	assert.InDelta(t, 2.0/3.0, result.Mean, 1e-9)
}

func TestAnalyzeDeclaresWinner(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPersistence()
	recorder := NewRecorder(testLogger(), store.ABTests())

	test := fiftyFiftyTest()
	require.NoError(t, store.ABTests().Save(ctx, test))

	recordMany(t, recorder, test.ID, "control", models.MetricOpenRate, 0.20, 50)
	recordMany(t, recorder, test.ID, "treatment", models.MetricOpenRate, 0.30, 50)

	analysis, err := recorder.Analyze(ctx, test.ID)
	require.NoError(t, err)

	assert.True(t, analysis.Conclusive)
	assert.Equal(t, "treatment", analysis.Winner)
	assert.Equal(t, "treatment", analysis.Standings[0].VariantID)
	assert.InDelta(t, 50, analysis.ImprovementPct, 1e-9)
}

func TestAnalyzeLowerIsBetterMetric(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPersistence()
	recorder := NewRecorder(testLogger(), store.ABTests())

	test := fiftyFiftyTest()
	test.WinnerMetric = models.MetricErrorRate
	require.NoError(t, store.ABTests().Save(ctx, test))

	recordMany(t, recorder, test.ID, "control", models.MetricErrorRate, 0.10, 50)
	recordMany(t, recorder, test.ID, "treatment", models.MetricErrorRate, 0.02, 50)

	analysis, err := recorder.Analyze(ctx, test.ID)
	require.NoError(t, err)

	assert.True(t, analysis.Conclusive)
	assert.Equal(t, "treatment", analysis.Winner)
}

func TestAnalyzeInconclusiveOnSmallSample(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPersistence()
	recorder := NewRecorder(testLogger(), store.ABTests())

	test := fiftyFiftyTest()
	require.NoError(t, store.ABTests().Save(ctx, test))

	recordMany(t, recorder, test.ID, "control", models.MetricOpenRate, 0.20, 10)
	recordMany(t, recorder, test.ID, "treatment", models.MetricOpenRate, 0.40, 10)

	analysis, err := recorder.Analyze(ctx, test.ID)
	require.NoError(t, err)

	assert.False(t, analysis.Conclusive)
	assert.Empty(t, analysis.Winner)
}

func TestAnalyzeInconclusiveOnSmallImprovement(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPersistence()
	recorder := NewRecorder(testLogger(), store.ABTests())

	test := fiftyFiftyTest()
	require.NoError(t, store.ABTests().Save(ctx, test))

	recordMany(t, recorder, test.ID, "control", models.MetricOpenRate, 0.200, 100)
	recordMany(t, recorder, test.ID, "treatment", models.MetricOpenRate, 0.204, 100)

	analysis, err := recorder.Analyze(ctx, test.ID)
	require.NoError(t, err)

	assert.False(t, analysis.Conclusive)
	assert.Empty(t, analysis.Winner)
}

func TestAnalyzeWithoutResults(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPersistence()
	recorder := NewRecorder(testLogger(), store.ABTests())

	test := fiftyFiftyTest()
	require.NoError(t, store.ABTests().Save(ctx, test))

	_, err := recorder.Analyze(ctx, test.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoResults)
}
