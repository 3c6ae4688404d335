// Package engine decides which value a feature flag resolves to for a given
// caller context. It is deterministic and side-effect free: the same rule
// list and flattened context always produce the same result, and evaluation
// never fails — malformed inputs degrade to non-matching rules with a log
// line.
package engine

import (
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/bucketco/flagcore/pkg/flatten"
	"github.com/bucketco/flagcore/pkg/rules"
)

// ReasonNoMatch is the reason reported when no rule matched.
const ReasonNoMatch = "no matched rules"

// Result is the evaluation envelope for one flag.
type Result struct {
	FlagKey string `json:"flagKey"`

	// Value is the matched rule's value; absent when no rule matched.
	Value any `json:"value,omitempty"`

	// Context is the flattened context the rules were evaluated against.
	Context map[string]string `json:"context"`

	// RuleEvaluationResults holds one boolean per rule, in rule order.
	RuleEvaluationResults []bool `json:"ruleEvaluationResults"`

	// MissingContextFields lists context paths any rule required but the
	// context did not supply, deduplicated and sorted.
	MissingContextFields []string `json:"missingContextFields"`

	Reason string `json:"reason"`
}

// Option configures an evaluation or a compiled evaluator.
type Option func(*options)

type options struct {
	logger zerolog.Logger
	clock  func() time.Time
}

func newOptions(opts []Option) options {
	o := options{
		logger: zerolog.Nop(),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithLogger routes evaluation diagnostics to the given logger. The engine
// is silent by default.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.logger = logger.With().Str("component", "engine").Logger()
	}
}

// WithClock overrides the wall clock used by the relative-date operators.
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		o.clock = clock
	}
}

// EvaluateFlag evaluates an ordered rule list against a nested context and
// returns the envelope for the first matching rule, if any.
func EvaluateFlag(flagKey string, ruleList []rules.Rule, ctx map[string]any, opts ...Option) Result {
	o := newOptions(opts)
	flat := flatten.FlattenWithLogger(anyContext(ctx), o.logger)
	return evaluateFlattened(flagKey, ruleList, flat, o)
}

// EvaluateFlagFlattened is EvaluateFlag for callers that already flattened
// (and possibly memoized) the context.
func EvaluateFlagFlattened(flagKey string, ruleList []rules.Rule, flat map[string]string, opts ...Option) Result {
	return evaluateFlattened(flagKey, ruleList, flat, newOptions(opts))
}

// EvaluateFlags evaluates every flag in the list against one context,
// flattening it once.
func EvaluateFlags(flags []rules.Flag, ctx map[string]any, opts ...Option) map[string]Result {
	o := newOptions(opts)
	flat := flatten.FlattenWithLogger(anyContext(ctx), o.logger)

	results := make(map[string]Result, len(flags))
	for _, flag := range flags {
		results[flag.Key] = evaluateFlattened(flag.Key, flag.Rules, flat, o)
	}
	return results
}

func evaluateFlattened(flagKey string, ruleList []rules.Rule, flat map[string]string, o options) Result {
	env := evalEnv{now: o.clock(), logger: o.logger}
	missing := make(missingSet)

	ruleResults := make([]bool, len(ruleList))
	firstIdx := -1
	for i, rule := range ruleList {
		ruleResults[i] = evalFilter(rule.Filter, flat, missing, env)
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
		result.Value = ruleList[firstIdx].Value
		result.Reason = fmt.Sprintf("rule #%d matched", firstIdx)
	}

	o.logger.Debug().
		Str("flag_key", flagKey).
		Str("reason", result.Reason).
		Strs("missing_context_fields", result.MissingContextFields).
		Msg("Flag evaluated")

	return result
}

func (m missingSet) sorted() []string {
	fields := make([]string, 0, len(m))
	for field := range m {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	return fields
}

func anyContext(ctx map[string]any) any {
	if ctx == nil {
		return map[string]any{}
	}
	return ctx
}
