// Package rules defines the flag rule data model: the filter AST, the
// comparison operators, and the rule/flag containers the engine consumes.
// Rule definitions are produced by the delivery plane; this package only
// decodes and validates them.
package rules

import (
	"fmt"

	"github.com/bucketco/flagcore/pkg/hashing"
)

// Operator is a comparison applied to a single context field.
type Operator string

const (
	OpIs         Operator = "IS"
	OpIsNot      Operator = "IS_NOT"
	OpAnyOf      Operator = "ANY_OF"
	OpNotAnyOf   Operator = "NOT_ANY_OF"
	OpContains   Operator = "CONTAINS"
	OpNotContain Operator = "NOT_CONTAINS"
	OpGT         Operator = "GT"
	OpLT         Operator = "LT"
	OpSet        Operator = "SET"
	OpNotSet     Operator = "NOT_SET"
	OpIsTrue     Operator = "IS_TRUE"
	OpIsFalse    Operator = "IS_FALSE"
	OpBefore     Operator = "BEFORE"
	OpAfter      Operator = "AFTER"
	OpDateBefore Operator = "DATE_BEFORE"
	OpDateAfter  Operator = "DATE_AFTER"
)

var knownOperators = map[Operator]struct{}{
	OpIs: {}, OpIsNot: {}, OpAnyOf: {}, OpNotAnyOf: {},
	OpContains: {}, OpNotContain: {}, OpGT: {}, OpLT: {},
	OpSet: {}, OpNotSet: {}, OpIsTrue: {}, OpIsFalse: {},
	OpBefore: {}, OpAfter: {}, OpDateBefore: {}, OpDateAfter: {},
}

// Known reports whether op is part of the closed operator enumeration.
func (op Operator) Known() bool {
	_, ok := knownOperators[op]
	return ok
}

// GroupOperator combines the children of a group filter.
type GroupOperator string

const (
	GroupAnd GroupOperator = "and"
	GroupOr  GroupOperator = "or"
)

// Filter is one node of the filter AST. The set of implementations is
// closed: GroupFilter, NegationFilter, ContextFilter, RolloutFilter and
// ConstantFilter.
type Filter interface {
	filterNode()
}

// GroupFilter combines child filters with "and" or "or". An empty "and"
// group is true, an empty "or" group is false.
type GroupFilter struct {
	Operator GroupOperator `json:"operator"`
	Filters  []Filter      `json:"filters"`
}

// NegationFilter inverts its child.
type NegationFilter struct {
	Filter Filter `json:"filter"`
}

// ContextFilter compares one flattened context field against a value list.
type ContextFilter struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Values   []string `json:"values"`
}

// RolloutFilter matches the fraction of entities whose hashed bucket falls
// below the threshold. Key carries the flag key the rollout is salted with.
type RolloutFilter struct {
	Key                     string `json:"key"`
	PartialRolloutAttribute string `json:"partialRolloutAttribute"`
	PartialRolloutThreshold int    `json:"partialRolloutThreshold"`
}

// ConstantFilter evaluates to a fixed boolean. Malformed or unknown filter
// nodes decode to a false constant.
type ConstantFilter struct {
	Value bool `json:"value"`
}

func (GroupFilter) filterNode()    {}
func (NegationFilter) filterNode() {}
func (ContextFilter) filterNode()  {}
func (RolloutFilter) filterNode()  {}
func (ConstantFilter) filterNode() {}

// Rule pairs a filter with the value served when the filter matches. The
// value is opaque to the engine: a boolean for simple flags, or an arbitrary
// JSON document for multi-variant flags.
type Rule struct {
	Value  any    `json:"value"`
	Filter Filter `json:"filter"`
}

// Flag is a keyed, ordered rule list. Order is significant: the first
// matching rule wins.
type Flag struct {
	Key   string `json:"key"`
	Rules []Rule `json:"rules"`
}

// Validate checks the structural invariants the compiled evaluator relies
// on. Evaluation of an invalid tree degrades to false at the offending leaf;
// Validate exists so construction-time callers can fail fast instead.
func Validate(f Filter) error {
	switch node := f.(type) {
	case nil:
		return fmt.Errorf("filter is nil")
	case GroupFilter:
		if node.Operator != GroupAnd && node.Operator != GroupOr {
			return fmt.Errorf("unknown group operator %q", node.Operator)
		}
		for i, child := range node.Filters {
			if err := Validate(child); err != nil {
				return fmt.Errorf("group child %d: %w", i, err)
			}
		}
		return nil
	case NegationFilter:
		if err := Validate(node.Filter); err != nil {
			return fmt.Errorf("negation child: %w", err)
		}
		return nil
	case ContextFilter:
		if node.Field == "" {
			return fmt.Errorf("context filter field is empty")
		}
		if !node.Operator.Known() {
			return fmt.Errorf("unknown context operator %q", node.Operator)
		}
		return nil
	case RolloutFilter:
		if node.PartialRolloutAttribute == "" {
			return fmt.Errorf("rollout filter attribute is empty")
		}
		if node.PartialRolloutThreshold < 0 || node.PartialRolloutThreshold > hashing.MaxThreshold {
			return fmt.Errorf("rollout threshold %d out of range [0, %d]",
				node.PartialRolloutThreshold, hashing.MaxThreshold)
		}
		return nil
	case ConstantFilter:
		return nil
	default:
		return fmt.Errorf("unknown filter node %T", f)
	}
}

// Validate checks the rule's filter tree.
func (r Rule) Validate() error {
	return Validate(r.Filter)
}

// Validate checks the flag key and every rule.
func (f Flag) Validate() error {
	if f.Key == "" {
		return fmt.Errorf("flag key is empty")
	}
	for i, rule := range f.Rules {
		if err := rule.Validate(); err != nil {
			return fmt.Errorf("flag %q rule %d: %w", f.Key, i, err)
		}
	}
	return nil
}
