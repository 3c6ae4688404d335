package rules

import (
	"encoding/json"
)

// Filter type discriminants on the wire.
const (
	typeGroup    = "group"
	typeNegation = "negation"
	typeContext  = "context"
	typeRollout  = "rolloutPercentage"
	typeConstant = "constant"
)

// DecodeFilter decodes one filter node from its tagged JSON form. Unknown
// discriminants and structurally malformed nodes decode to a false constant
// so that a bad rule can never match; unknown fields are ignored.
func DecodeFilter(data []byte) Filter {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return ConstantFilter{Value: false}
	}

	switch probe.Type {
	case typeGroup:
		var raw struct {
			Operator GroupOperator     `json:"operator"`
			Filters  []json.RawMessage `json:"filters"`
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return ConstantFilter{Value: false}
		}
		children := make([]Filter, 0, len(raw.Filters))
		for _, child := range raw.Filters {
			children = append(children, DecodeFilter(child))
		}
		return GroupFilter{Operator: raw.Operator, Filters: children}

	case typeNegation:
		var raw struct {
			Filter json.RawMessage `json:"filter"`
		}
		if err := json.Unmarshal(data, &raw); err != nil || len(raw.Filter) == 0 {
			return ConstantFilter{Value: false}
		}
		return NegationFilter{Filter: DecodeFilter(raw.Filter)}

	case typeContext:
		var node ContextFilter
		if err := json.Unmarshal(data, &node); err != nil {
			return ConstantFilter{Value: false}
		}
		return node

	case typeRollout:
		var node RolloutFilter
		if err := json.Unmarshal(data, &node); err != nil {
			return ConstantFilter{Value: false}
		}
		return node

	case typeConstant:
		var node ConstantFilter
		if err := json.Unmarshal(data, &node); err != nil {
			return ConstantFilter{Value: false}
		}
		return node

	default:
		return ConstantFilter{Value: false}
	}
}

// UnmarshalJSON decodes a rule, routing the filter through DecodeFilter. A
// missing filter decodes to a false constant rather than an error so a bad
// rule degrades instead of rejecting the whole document.
func (r *Rule) UnmarshalJSON(data []byte) error {
	var raw struct {
		Value  json.RawMessage `json:"value"`
		Filter json.RawMessage `json:"filter"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	r.Value = nil
	if len(raw.Value) > 0 {
		var value any
		if err := json.Unmarshal(raw.Value, &value); err != nil {
			return err
		}
		r.Value = value
	}

	if len(raw.Filter) == 0 {
		r.Filter = ConstantFilter{Value: false}
		return nil
	}
	r.Filter = DecodeFilter(raw.Filter)
	return nil
}

// MarshalJSON re-emits the tagged wire form.
func (f GroupFilter) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type     string        `json:"type"`
		Operator GroupOperator `json:"operator"`
		Filters  []Filter      `json:"filters"`
	}{typeGroup, f.Operator, f.Filters})
}

func (f NegationFilter) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type   string `json:"type"`
		Filter Filter `json:"filter"`
	}{typeNegation, f.Filter})
}

func (f ContextFilter) MarshalJSON() ([]byte, error) {
	type plain ContextFilter
	return json.Marshal(struct {
		Type string `json:"type"`
		plain
	}{typeContext, plain(f)})
}

func (f RolloutFilter) MarshalJSON() ([]byte, error) {
	type plain RolloutFilter
	return json.Marshal(struct {
		Type string `json:"type"`
		plain
	}{typeRollout, plain(f)})
}

func (f ConstantFilter) MarshalJSON() ([]byte, error) {
	type plain ConstantFilter
	return json.Marshal(struct {
		Type string `json:"type"`
		plain
	}{typeConstant, plain(f)})
}
