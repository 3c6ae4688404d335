package engine

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/bucketco/flagcore/pkg/rules"
)

// dateLayouts are tried in order when a field or argument is parsed as a
// date. Bare dates parse as midnight UTC, which makes the absolute-date
// operators inclusive on the day boundary.
var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// operatorsNeedingValues lists the operators that compare against values[0]
// or the value list. Presence-style operators work on the field alone.
var operatorsNeedingValues = map[rules.Operator]struct{}{
	rules.OpIs: {}, rules.OpIsNot: {}, rules.OpAnyOf: {}, rules.OpNotAnyOf: {},
	rules.OpContains: {}, rules.OpNotContain: {}, rules.OpGT: {}, rules.OpLT: {},
	rules.OpBefore: {}, rules.OpAfter: {}, rules.OpDateBefore: {}, rules.OpDateAfter: {},
}

// evaluateOperator applies a single comparison operator to a field value.
// Malformed inputs (missing values, unparseable numbers or dates, unknown
// operators) degrade to false; the engine never fails an evaluation.
func evaluateOperator(fieldValue string, op rules.Operator, values []string, now time.Time, logger zerolog.Logger) bool {
	if _, needs := operatorsNeedingValues[op]; needs && len(values) == 0 {
		logger.Warn().
			Str("operator", string(op)).
			Msg("Context filter has no values for a comparison operator")
		return false
	}

	switch op {
	case rules.OpIs:
		return fieldValue == values[0]
	case rules.OpIsNot:
		return fieldValue != values[0]

	case rules.OpAnyOf:
		return containsString(values, fieldValue)
	case rules.OpNotAnyOf:
		return !containsString(values, fieldValue)

	case rules.OpContains:
		return strings.Contains(strings.ToLower(fieldValue), strings.ToLower(values[0]))
	case rules.OpNotContain:
		return !strings.Contains(strings.ToLower(fieldValue), strings.ToLower(values[0]))

	case rules.OpGT:
		if !bothFiniteNumbers(fieldValue, values[0], logger) {
			return false
		}
		// Deliberate: numerics that parse are still compared as strings, so
		// callers must supply values that sort textually in numeric order.
		return fieldValue > values[0]
	case rules.OpLT:
		if !bothFiniteNumbers(fieldValue, values[0], logger) {
			return false
		}
		return fieldValue < values[0]

	case rules.OpBefore, rules.OpAfter:
		days, err := strconv.Atoi(values[0])
		if err != nil {
			return false
		}
		cutoff := now.Add(-time.Duration(days) * 24 * time.Hour)
		fieldTime, ok := parseDate(fieldValue)
		if !ok {
			return false
		}
		if op == rules.OpAfter {
			return fieldTime.After(cutoff)
		}
		return fieldTime.Before(cutoff)

	case rules.OpDateBefore, rules.OpDateAfter:
		argTime, ok := parseDate(values[0])
		if !ok {
			return false
		}
		fieldTime, ok := parseDate(fieldValue)
		if !ok {
			return false
		}
		// Inclusive on equality in both directions.
		if op == rules.OpDateAfter {
			return !fieldTime.Before(argTime)
		}
		return !fieldTime.After(argTime)

	case rules.OpSet:
		return fieldValue != ""
	case rules.OpNotSet:
		return fieldValue == ""

	case rules.OpIsTrue:
		return fieldValue == "true"
	case rules.OpIsFalse:
		return fieldValue == "false"

	default:
		logger.Error().
			Str("operator", string(op)).
			Msg("Unknown context operator")
		return false
	}
}

func containsString(values []string, target string) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}

func bothFiniteNumbers(a, b string, logger zerolog.Logger) bool {
	return isFiniteNumber(a, logger) && isFiniteNumber(b, logger)
}

func isFiniteNumber(s string, logger zerolog.Logger) bool {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
		logger.Debug().
			Str("value", s).
			Msg("Value is not a finite number, numeric comparison is false")
		return false
	}
	return true
}

func parseDate(s string) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
