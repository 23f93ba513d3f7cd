package models

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ABTestStatus is the lifecycle state of an A/B test.
type ABTestStatus string

const (
	ABTestStatusRunning   ABTestStatus = "running"
	ABTestStatusConcluded ABTestStatus = "concluded"
)

// WinnerMetric names the metric an A/B test is judged on. Execution time
// and error rate rank lower-is-better; everything else higher-is-better.
type WinnerMetric string

const (
	MetricConversionRate WinnerMetric = "conversion_rate"
	MetricOpenRate       WinnerMetric = "open_rate"
	MetricClickRate      WinnerMetric = "click_rate"
	MetricExecutionTime  WinnerMetric = "execution_time"
	MetricErrorRate      WinnerMetric = "error_rate"
)

// LowerIsBetter reports the ranking direction for the metric.
func (m WinnerMetric) LowerIsBetter() bool {
	return m == MetricExecutionTime || m == MetricErrorRate
}

// ABTestVariant holds a full alternate workflow definition snapshot and the
// share of traffic routed to it. Variant order is significant: assignment
// walks variants in stored order accumulating traffic bands.
type ABTestVariant struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"            validate:"required"`
	TrafficPercent float64   `json:"traffic_percent" validate:"gt=0,lte=1"`
	Definition     *Workflow `json:"definition"      validate:"required"`
}

// ABTest routes a workflow's triggered contacts across variant definitions.
type ABTest struct {
	ID             string           `json:"id"`
	OrganizationID string           `json:"organization_id" validate:"required"`
	Name           string           `json:"name"            validate:"required,min=3"`
	WorkflowID     string           `json:"workflow_id"     validate:"required"`
	WinnerMetric   WinnerMetric     `json:"winner_metric"   validate:"required"`
	Status         ABTestStatus     `json:"status"`
	Variants       []*ABTestVariant `json:"variants"        validate:"required,min=2"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// trafficTolerance is the accepted rounding slack when checking that
// variant traffic sums to 1.0.
const trafficTolerance = 0.01

var (
	ErrTooFewVariants     = errors.New("a/b test requires at least two variants")
	ErrTrafficNotConserved = errors.New("variant traffic percentages must sum to 1.0")
	ErrDuplicateVariantID = errors.New("duplicate variant id")
)

// Validate enforces traffic conservation and variant integrity at creation
// time; tests violating it are rejected before any assignment happens.
func (t *ABTest) Validate() error {
	if len(t.Variants) < 2 {
		return ErrTooFewVariants
	}

	seen := make(map[string]bool, len(t.Variants))
	total := 0.0

	for _, v := range t.Variants {
		if seen[v.ID] {
			return fmt.Errorf("%w: %s", ErrDuplicateVariantID, v.ID)
		}

		seen[v.ID] = true

		if v.TrafficPercent <= 0 || v.TrafficPercent > 1 {
			return fmt.Errorf("%w: variant %s has traffic %.3f", ErrTrafficNotConserved, v.ID, v.TrafficPercent)
		}

		total += v.TrafficPercent
	}

	if math.Abs(total-1.0) > trafficTolerance {
		return fmt.Errorf("%w: got %.3f", ErrTrafficNotConserved, total)
	}

	return nil
}

// ABTestResult accumulates observed metric samples for one (test, variant,
// metric) tuple.
type ABTestResult struct {
	TestID     string       `json:"test_id"`
	VariantID  string       `json:"variant_id"`
	Metric     WinnerMetric `json:"metric"`
	SampleSize int          `json:"sample_size"`
	Total      float64      `json:"total"`
	Mean       float64      `json:"mean"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// Record folds one observation into the accumulator.
func (r *ABTestResult) Record(value float64) {
	r.SampleSize++
	r.Total += value
	r.Mean = r.Total / float64(r.SampleSize)
}
