package workflow

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/cadenzahq/cadenza/pkg/models"
)

// ErrConditionEval marks a condition that could not be evaluated, as opposed
// to one that evaluated to false.
var ErrConditionEval = errors.New("condition evaluation failed")

// evaluateCondition applies a condition spec to the merged view of execution
// context and contact attributes. A missing field is false for every
// operator except exists.
func evaluateCondition(spec *models.ConditionSpec, data map[string]any) (bool, error) {
	value, present := data[spec.Field]

	if spec.Operator == models.OpExists {
		return present, nil
	}

	if !present {
		return false, nil
	}

	switch spec.Operator {
	case models.OpEquals:
		return looseEqual(value, spec.Value), nil
	case models.OpNotEquals:
		return !looseEqual(value, spec.Value), nil
	case models.OpGreaterThan, models.OpGreaterEq, models.OpLessThan, models.OpLessEq:
		return compareNumeric(spec.Operator, value, spec.Value)
	case models.OpContains:
		return contains(value, spec.Value)
	default:
		return false, fmt.Errorf("%w: unknown operator %q", ErrConditionEval, spec.Operator)
	}
}

// looseEqual compares numbers numerically and everything else by string
// form, so "80" in stored config matches 80 from an event payload.
func looseEqual(a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)

	if aok && bok {
		return af == bf
	}

	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func compareNumeric(op models.ConditionOperator, a, b any) (bool, error) {
	af, aok := toFloat(a)
	if !aok {
		return false, fmt.Errorf("%w: value %v is not numeric", ErrConditionEval, a)
	}

	bf, bok := toFloat(b)
	if !bok {
		return false, fmt.Errorf("%w: comparison value %v is not numeric", ErrConditionEval, b)
	}

	switch op {
	case models.OpGreaterThan:
		return af > bf, nil
	case models.OpGreaterEq:
		return af >= bf, nil
	case models.OpLessThan:
		return af < bf, nil
	case models.OpLessEq:
		return af <= bf, nil
	default:
		return false, fmt.Errorf("%w: operator %q is not numeric", ErrConditionEval, op)
	}
}

func contains(haystack, needle any) (bool, error) {
	want := fmt.Sprintf("%v", needle)

	switch h := haystack.(type) {
	case string:
		return strings.Contains(h, want), nil
	case []string:
		for _, item := range h {
			if item == want {
				return true, nil
			}
		}

		return false, nil
	case []any:
		for _, item := range h {
			if fmt.Sprintf("%v", item) == want {
				return true, nil
			}
		}

		return false, nil
	default:
		return false, fmt.Errorf("%w: contains needs a string or list, got %T", ErrConditionEval, haystack)
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)

		return f, err == nil
	default:
		return 0, false
	}
}
