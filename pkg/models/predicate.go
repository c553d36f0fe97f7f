package models

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrFieldMissing is returned when a predicate references a field the contact does not have.
	ErrFieldMissing = errors.New("contact field missing")

	// ErrIncomparable is returned when the field and the literal cannot be compared.
	ErrIncomparable = errors.New("values are not comparable")
)

// Evaluate applies the predicate to the contact snapshot.
func (p Predicate) Evaluate(contact *Contact) (bool, error) {
	actual, ok := contact.Field(p.Field)

	if p.Operator == OpExists {
		return ok && actual != nil, nil
	}

	if !ok {
		return false, fmt.Errorf("%w: %s", ErrFieldMissing, p.Field)
	}

	switch p.Operator {
	case OpEquals:
		return equalValues(actual, p.Value), nil
	case OpNotEquals:
		return !equalValues(actual, p.Value), nil
	case OpGreater, OpGreaterEq, OpLess, OpLessEq:
		return compareOrdered(p.Operator, actual, p.Value)
	case OpContains:
		return containsValue(actual, p.Value)
	case OpNotContains:
		found, err := containsValue(actual, p.Value)

		return !found, err
	default:
		return false, fmt.Errorf("unsupported operator %q", p.Operator)
	}
}

func equalValues(actual, expected any) bool {
	af, aok := ToFloat(actual)
	ef, eok := ToFloat(expected)

	if aok && eok {
		return af == ef
	}

	ab, aok := actual.(bool)
	eb, eok := expected.(bool)

	if aok && eok {
		return ab == eb
	}

	return fmt.Sprint(actual) == fmt.Sprint(expected)
}

func compareOrdered(op PredicateOperator, actual, expected any) (bool, error) {
	var cmp int

	af, aok := ToFloat(actual)
	ef, eok := ToFloat(expected)

	switch {
	case aok && eok:
		cmp = compare(af, ef)
	default:
		at, aok := actual.(time.Time)
		if !aok {
			return false, fmt.Errorf("%w: %T %s %T", ErrIncomparable, actual, op, expected)
		}

		es, eok := expected.(string)
		if !eok {
			return false, fmt.Errorf("%w: %T %s %T", ErrIncomparable, actual, op, expected)
		}

		et, err := time.Parse(time.RFC3339, es)
		if err != nil {
			return false, fmt.Errorf("%w: %w", ErrIncomparable, err)
		}

		cmp = at.Compare(et)
	}

	switch op {
	case OpGreater:
		return cmp > 0, nil
	case OpGreaterEq:
		return cmp >= 0, nil
	case OpLess:
		return cmp < 0, nil
	default:
		return cmp <= 0, nil
	}
}

func compare(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func containsValue(actual, expected any) (bool, error) {
	needle := fmt.Sprint(expected)

	switch v := actual.(type) {
	case string:
		return strings.Contains(v, needle), nil
	case []string:
		return slices.Contains(v, needle), nil
	case []any:
		for _, item := range v {
			if fmt.Sprint(item) == needle {
				return true, nil
			}
		}

		return false, nil
	default:
		return false, fmt.Errorf("%w: contains on %T", ErrIncomparable, actual)
	}
}

// ToFloat converts JSON-ish numeric values, including numeric strings.
func ToFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)

		return f, err == nil
	default:
		return 0, false
	}
}

// ToBool converts booleans and boolean strings.
func ToBool(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		parsed, err := strconv.ParseBool(b)

		return parsed, err == nil
	default:
		return false, false
	}
}
