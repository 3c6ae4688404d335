package engine

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/bucketco/flagcore/pkg/hashing"
	"github.com/bucketco/flagcore/pkg/rules"
)

// missingSet accumulates context paths a rule required but the context did
// not supply.
type missingSet map[string]struct{}

func (m missingSet) add(field string) {
	m[field] = struct{}{}
}

// evalEnv carries the per-evaluation ambient inputs. The clock is fixed for
// the duration of one flag evaluation so relative-date operators inside one
// rule list agree on "now".
type evalEnv struct {
	now    time.Time
	logger zerolog.Logger
}

// evalFilter recursively evaluates a filter node against a flattened
// context. Group operators short-circuit on the boolean result; missing
// fields encountered before the short-circuit are still recorded.
func evalFilter(f rules.Filter, flat map[string]string, missing missingSet, env evalEnv) bool {
	switch node := f.(type) {
	case rules.ConstantFilter:
		return node.Value

	case rules.ContextFilter:
		return contextLeaf(node.Field, node.Operator, node.Values, flat, missing, env)

	case rules.RolloutFilter:
		return rolloutLeaf(node.Key, node.PartialRolloutAttribute, node.PartialRolloutThreshold, flat, missing)

	case rules.NegationFilter:
		return !evalFilter(node.Filter, flat, missing, env)

	case rules.GroupFilter:
		switch node.Operator {
		case rules.GroupAnd:
			for _, child := range node.Filters {
				if !evalFilter(child, flat, missing, env) {
					return false
				}
			}
			return true
		case rules.GroupOr:
			for _, child := range node.Filters {
				if evalFilter(child, flat, missing, env) {
					return true
				}
			}
			return false
		default:
			env.logger.Error().
				Str("operator", string(node.Operator)).
				Msg("Unknown group operator")
			return false
		}

	case nil:
		env.logger.Error().Msg("Filter node is nil")
		return false

	default:
		env.logger.Error().
			Interface("filter", f).
			Msg("Unknown filter node")
		return false
	}
}

// contextLeaf checks field presence before delegating to the operator.
// Absence always records the field and yields false, so NOT_SET can only
// match a field that is present with an empty value.
func contextLeaf(field string, op rules.Operator, values []string, flat map[string]string, missing missingSet, env evalEnv) bool {
	fieldValue, present := flat[field]
	if !present {
		missing.add(field)
		return false
	}
	return evaluateOperator(fieldValue, op, values, env.now, env.logger)
}

// rolloutLeaf buckets the rollout attribute under the flag key. The
// attribute must be present even at the maximum threshold; when it is
// missing the field is recorded and the leaf is false.
func rolloutLeaf(key, attribute string, threshold int, flat map[string]string, missing missingSet) bool {
	attrValue, present := flat[attribute]
	if !present {
		missing.add(attribute)
		return false
	}
	if threshold >= hashing.MaxThreshold {
		return true
	}
	return hashing.Bucket(key, attrValue) < threshold
}
