// Package abtest implements deterministic variant assignment and naive
// winner analysis for workflow A/B tests.
package abtest

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cadenzahq/cadenza/pkg/models"
	"github.com/cadenzahq/cadenza/pkg/persistence"
)

// assignmentTTL bounds cache entries; the hash recomputes identically on
// expiry, so eviction is invisible to callers.
const assignmentTTL = 24 * time.Hour

var ErrNoVariantBand = errors.New("hash fell outside every variant band")

// Selector assigns contacts to variants. Assignment is a pure function of
// (contactID) over the test's stored variant order: FNV-1a 32-bit of the
// contact ID mod 100, walked against cumulative traffic bands. Restarts,
// other processes, and cache loss never change an assignment.
type Selector struct {
	logger *slog.Logger
	tests  persistence.ABTestRepository
	cache  *redis.Client
}

// NewSelector creates a selector. cache may be nil; it is a read fast path
// only and never the source of truth.
func NewSelector(logger *slog.Logger, tests persistence.ABTestRepository, cache *redis.Client) *Selector {
	return &Selector{
		logger: logger.With("module", "abtest"),
		tests:  tests,
		cache:  cache,
	}
}

// SelectVariant returns the variant assigned to a contact for a test.
func (s *Selector) SelectVariant(ctx context.Context, test *models.ABTest, contactID string) (*models.ABTestVariant, error) {
	if cached := s.cachedAssignment(ctx, test, contactID); cached != nil {
		return cached, nil
	}

	variant, err := assign(test, contactID)
	if err != nil {
		return nil, err
	}

	s.storeAssignment(ctx, test.ID, contactID, variant.ID)

	return variant, nil
}

// SelectForWorkflow resolves the running test for a workflow and assigns
// the contact. It returns a nil workflow when no test is running, which
// tells the activator to use the base definition.
func (s *Selector) SelectForWorkflow(ctx context.Context, workflowID, contactID string) (*models.Workflow, string, error) {
	test, err := s.tests.GetActiveByWorkflow(ctx, workflowID)
	if err != nil {
		if persistence.IsNotFound(err) {
			return nil, "", nil
		}

		return nil, "", err
	}

	variant, err := s.SelectVariant(ctx, test, contactID)
	if err != nil {
		return nil, "", err
	}

	s.logger.DebugContext(ctx, "Assigned variant",
		"test_id", test.ID,
		"contact_id", contactID,
		"variant_id", variant.ID)

	return variant.Definition, variant.ID, nil
}

// assign is the frozen assignment function. Changing the hash, the modulus,
// or the band walk reassigns every contact mid-test; treat this as a wire
// format.
func assign(test *models.ABTest, contactID string) (*models.ABTestVariant, error) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(contactID))
	bucket := h.Sum32() % 100

	upper := uint32(0)

	for _, variant := range test.Variants {
		upper += uint32(math.Round(variant.TrafficPercent * 100))
		if bucket < upper {
			return variant, nil
		}
	}

	// Rounding can leave buckets 98-99 uncovered; they belong to the last
	// band.
	if len(test.Variants) > 0 {
		return test.Variants[len(test.Variants)-1], nil
	}

	return nil, fmt.Errorf("%w: test %s bucket %d", ErrNoVariantBand, test.ID, bucket)
}

func (s *Selector) cachedAssignment(ctx context.Context, test *models.ABTest, contactID string) *models.ABTestVariant {
	if s.cache == nil {
		return nil
	}

	variantID, err := s.cache.Get(ctx, assignmentKey(test.ID, contactID)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.logger.WarnContext(ctx, "Assignment cache read failed", "error", err)
		}

		return nil
	}

	for _, variant := range test.Variants {
		if variant.ID == variantID {
			return variant
		}
	}

	return nil
}

func (s *Selector) storeAssignment(ctx context.Context, testID, contactID, variantID string) {
	if s.cache == nil {
		return
	}

	if err := s.cache.Set(ctx, assignmentKey(testID, contactID), variantID, assignmentTTL).Err(); err != nil {
		s.logger.WarnContext(ctx, "Assignment cache write failed", "error", err)
	}
}

func assignmentKey(testID, contactID string) string {
	return fmt.Sprintf("abtest:assign:%s:%s", testID, contactID)
}
