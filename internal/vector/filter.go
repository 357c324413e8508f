package vector

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/sievehq/sieve/internal/apperr"
	"github.com/sievehq/sieve/pkg/models"
)

// ValidateFilterFields rejects metadata field names that collide with
// back-end operator sigils. Letting a "$"-prefixed field through would be
// interpreted as an operator by document-style filter languages.
func ValidateFilterFields(filters []models.Filter) error {
	for _, f := range filters {
		if f.Field == "" {
			return apperr.New(apperr.Validation, "vector.filter", "filter field must not be empty")
		}
		if strings.HasPrefix(f.Field, "$") {
			return apperr.Newf(apperr.Validation, "vector.filter",
				"filter field %q collides with an operator sigil", f.Field)
		}
		if !models.ValidOperator(f.Operator) {
			return apperr.Newf(apperr.Validation, "vector.filter",
				"unknown filter operator %q", f.Operator)
		}
	}
	return nil
}

// MatchesFilters evaluates filters against a metadata mapping with the
// shared operator semantics. Used directly by the flat store and as the
// reference behavior the remote adapters translate to.
func MatchesFilters(meta map[string]any, filters []models.Filter) bool {
	for _, f := range filters {
		if !matchesFilter(meta, f) {
			return false
		}
	}
	return true
}

func matchesFilter(meta map[string]any, f models.Filter) bool {
	val, present := lookupField(meta, f.Field)

	switch f.Operator {
	case models.OpEq:
		return present && looseEqual(val, f.Value)
	case models.OpNe:
		return !present || !looseEqual(val, f.Value)
	case models.OpGt, models.OpLt, models.OpGte, models.OpLte:
		if !present {
			return false
		}
		cmp, ok := compare(val, f.Value)
		if !ok {
			return false
		}
		switch f.Operator {
		case models.OpGt:
			return cmp > 0
		case models.OpLt:
			return cmp < 0
		case models.OpGte:
			return cmp >= 0
		default:
			return cmp <= 0
		}
	case models.OpIn:
		if !present {
			return false
		}
		list, ok := f.Value.([]any)
		if !ok {
			return false
		}
		for _, item := range list {
			if looseEqual(val, item) {
				return true
			}
		}
		return false
	case models.OpContains:
		if !present {
			return false
		}
		switch v := val.(type) {
		case string:
			needle, _ := f.Value.(string)
			return needle != "" && strings.Contains(strings.ToLower(v), strings.ToLower(needle))
		case []any:
			for _, item := range v {
				if looseEqual(item, f.Value) {
					return true
				}
			}
			return false
		case []string:
			needle, _ := f.Value.(string)
			for _, item := range v {
				if item == needle {
					return true
				}
			}
			return false
		}
		return false
	default:
		return false
	}
}

// lookupField resolves a metadata field. The date filter extracted by the
// parser targets the conventional modifiedAt/createdAt timestamps.
func lookupField(meta map[string]any, field string) (any, bool) {
	if meta == nil {
		return nil, false
	}
	if v, ok := meta[field]; ok {
		return v, true
	}
	if field == "date" {
		if v, ok := meta[models.MetaModifiedAt]; ok {
			return v, true
		}
		if v, ok := meta[models.MetaCreatedAt]; ok {
			return v, true
		}
	}
	return nil, false
}

// looseEqual compares across the numeric types JSON decoding produces.
func looseEqual(a, b any) bool {
	if a == b {
		return true
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

// compare orders two values: numerically when both parse as numbers,
// lexicographically otherwise (ISO dates order correctly as strings).
func compare(a, b any) (int, bool) {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		default:
			return 0, true
		}
	}
	as := fmt.Sprintf("%v", a)
	bs := fmt.Sprintf("%v", b)
	return strings.Compare(as, bs), true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
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
