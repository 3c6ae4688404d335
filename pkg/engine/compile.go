package engine

import (
	"fmt"
	"strings"

	"github.com/bucketco/flagcore/pkg/flatten"
	"github.com/bucketco/flagcore/pkg/rules"
)

// Evaluator is the compiled form of a rule list. It validates the rule tree
// once, hoists the per-node work the interpreted path repeats on every call
// (set-membership tables for ANY_OF, lower-cased substrings for CONTAINS),
// and is then safe for concurrent use.
type Evaluator struct {
	compiled []compiledRule
	opts     options
}

type compiledRule struct {
	value  any
	filter compiledFilter
}

type compiledFilter interface {
	eval(flat map[string]string, missing missingSet, env evalEnv) bool
}

// NewEvaluator compiles a rule list. A structurally invalid rule set fails
// here, at construction, so Evaluate itself never errors.
func NewEvaluator(ruleList []rules.Rule, opts ...Option) (*Evaluator, error) {
	o := newOptions(opts)

	compiled := make([]compiledRule, len(ruleList))
	for i, rule := range ruleList {
		if err := rule.Validate(); err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		compiled[i] = compiledRule{value: rule.Value, filter: compileFilter(rule.Filter)}
	}

	return &Evaluator{compiled: compiled, opts: o}, nil
}

// Evaluate runs the compiled rule list against a nested context.
func (e *Evaluator) Evaluate(flagKey string, ctx map[string]any) Result {
	flat := flatten.FlattenWithLogger(anyContext(ctx), e.opts.logger)
	return e.EvaluateFlattened(flagKey, flat)
}

// EvaluateFlattened runs the compiled rule list against an already
// flattened context.
func (e *Evaluator) EvaluateFlattened(flagKey string, flat map[string]string) Result {
	env := evalEnv{now: e.opts.clock(), logger: e.opts.logger}
	missing := make(missingSet)

	ruleResults := make([]bool, len(e.compiled))
	firstIdx := -1
	for i, rule := range e.compiled {
		ruleResults[i] = rule.filter.eval(flat, missing, env)
		if ruleResults[i] && firstIdx < 0 {
			firstIdx = i
		}
	}

	result := Result{
		FlagKey:               flagKey,
		Context:               flat,
		RuleEvaluationResults: ruleResults,
		MissingContextFields:  missing.sorted(),
		Reason:                ReasonNoMatch,
	}
	if firstIdx >= 0 {
		result.Value = e.compiled[firstIdx].value
		result.Reason = fmt.Sprintf("rule #%d matched", firstIdx)
	}
	return result
}

func compileFilter(f rules.Filter) compiledFilter {
	switch node := f.(type) {
	case rules.ConstantFilter:
		return constantNode(node.Value)

	case rules.ContextFilter:
		return compileContext(node)

	case rules.RolloutFilter:
		return rolloutNode{key: node.Key, attribute: node.PartialRolloutAttribute, threshold: node.PartialRolloutThreshold}

	case rules.NegationFilter:
		return negationNode{child: compileFilter(node.Filter)}

	case rules.GroupFilter:
		children := make([]compiledFilter, len(node.Filters))
		for i, child := range node.Filters {
			children[i] = compileFilter(child)
		}
		return groupNode{and: node.Operator == rules.GroupAnd, children: children}

	default:
		// Validate rejects anything else before compilation.
		return constantNode(false)
	}
}

func compileContext(node rules.ContextFilter) compiledFilter {
	switch node.Operator {
	case rules.OpAnyOf, rules.OpNotAnyOf:
		if len(node.Values) == 0 {
			return contextNode(node)
		}
		members := make(map[string]struct{}, len(node.Values))
		for _, value := range node.Values {
			members[value] = struct{}{}
		}
		return membershipNode{field: node.Field, members: members, negate: node.Operator == rules.OpNotAnyOf}

	case rules.OpContains, rules.OpNotContain:
		if len(node.Values) > 0 {
			return substringNode{
				field:  node.Field,
				needle: strings.ToLower(node.Values[0]),
				negate: node.Operator == rules.OpNotContain,
			}
		}
		return contextNode(node)

	default:
		return contextNode(node)
	}
}

type constantNode bool

func (n constantNode) eval(map[string]string, missingSet, evalEnv) bool {
	return bool(n)
}

type negationNode struct {
	child compiledFilter
}

func (n negationNode) eval(flat map[string]string, missing missingSet, env evalEnv) bool {
	return !n.child.eval(flat, missing, env)
}

type groupNode struct {
	and      bool
	children []compiledFilter
}

func (n groupNode) eval(flat map[string]string, missing missingSet, env evalEnv) bool {
	for _, child := range n.children {
		if child.eval(flat, missing, env) != n.and {
			return !n.and
		}
	}
	return n.and
}

// contextNode is the uncompiled fallback for operators with no hoisted form.
type contextNode rules.ContextFilter

func (n contextNode) eval(flat map[string]string, missing missingSet, env evalEnv) bool {
	return contextLeaf(n.Field, n.Operator, n.Values, flat, missing, env)
}

type membershipNode struct {
	field   string
	members map[string]struct{}
	negate  bool
}

func (n membershipNode) eval(flat map[string]string, missing missingSet, env evalEnv) bool {
	fieldValue, present := flat[n.field]
	if !present {
		missing.add(n.field)
		return false
	}
	_, member := n.members[fieldValue]
	return member != n.negate
}

type substringNode struct {
	field  string
	needle string
	negate bool
}

func (n substringNode) eval(flat map[string]string, missing missingSet, env evalEnv) bool {
	fieldValue, present := flat[n.field]
	if !present {
		missing.add(n.field)
		return false
	}
	return strings.Contains(strings.ToLower(fieldValue), n.needle) != n.negate
}

type rolloutNode struct {
	key       string
	attribute string
	threshold int
}

func (n rolloutNode) eval(flat map[string]string, missing missingSet, env evalEnv) bool {
	return rolloutLeaf(n.key, n.attribute, n.threshold, flat, missing)
}
