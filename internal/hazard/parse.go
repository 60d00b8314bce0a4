package hazard

import (
	"fmt"
	"sort"

	"github.com/guardsmith/guardsmith/internal/catalog"
)

// ParseCode classifies why a hazard spec failed to parse.
type ParseCode string

const (
	CodeMalformedSpec   ParseCode = "malformed_spec"
	CodeUnknownVariable ParseCode = "unknown_variable"
	CodeBadOperator     ParseCode = "bad_operator"
	CodeTypeMismatch    ParseCode = "type_mismatch"
	CodeBadQualifier    ParseCode = "bad_qualifier"
)

// ParseError reports a spec authoring defect. It is surfaced to the spec
// author with its detail and is never auto-retried.
type ParseError struct {
	Code     ParseCode
	HazardID string
	Detail   string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("hazard %s: %s: %s", e.HazardID, e.Code, e.Detail)
}

// IsParseCode reports whether err is a ParseError with the given code.
func IsParseCode(err error, code ParseCode) bool {
	pe, ok := err.(*ParseError)
	return ok && pe.Code == code
}

// Parse turns a hazard spec into a typed constraint. It validates the
// variable against the closed observable catalog and checks operator and
// threshold compatibility with the observable's kind. Parse is pure and
// deterministic: the same spec always yields the same constraint or the
// same error class.
func Parse(spec *Spec, cat *catalog.Catalog) (*Constraint, error) {
	if err := ValidateSpec(spec); err != nil {
		return nil, &ParseError{Code: CodeMalformedSpec, HazardID: spec.ID, Detail: err.Error()}
	}

	obs, ok := cat.Lookup(spec.Logic.Variable)
	if !ok {
		return nil, &ParseError{
			Code:     CodeUnknownVariable,
			HazardID: spec.ID,
			Detail:   fmt.Sprintf("variable %q is not in observable catalog %s", spec.Logic.Variable, cat.Version()),
		}
	}

	op := Op(spec.Logic.Operator)
	if !validOps[op] {
		return nil, &ParseError{
			Code:     CodeBadOperator,
			HazardID: spec.ID,
			Detail:   fmt.Sprintf("operator %q is not one of <, <=, >, >=, ==, !=, in-set", spec.Logic.Operator),
		}
	}

	expr, err := typeCheck(spec.ID, obs, op, spec.Logic.Threshold)
	if err != nil {
		return nil, err
	}

	if t := spec.Logic.Temporal; t != nil {
		if t.MaxAgeSeconds <= 0 {
			return nil, &ParseError{
				Code:     CodeBadQualifier,
				HazardID: spec.ID,
				Detail:   fmt.Sprintf("temporal qualifier max_age_seconds must be positive, got %v", t.MaxAgeSeconds),
			}
		}
	}

	if st := spec.Logic.State; st != nil {
		sobs, ok := cat.Lookup(st.Requires)
		if !ok {
			return nil, &ParseError{
				Code:     CodeUnknownVariable,
				HazardID: spec.ID,
				Detail:   fmt.Sprintf("state qualifier requires unknown observable %q", st.Requires),
			}
		}
		if sobs.Kind != catalog.KindBool {
			return nil, &ParseError{
				Code:     CodeTypeMismatch,
				HazardID: spec.ID,
				Detail:   fmt.Sprintf("state qualifier observable %q must be bool, is %s", st.Requires, sobs.Kind),
			}
		}
	}

	return &Constraint{
		HazardID:    spec.ID,
		Version:     spec.Version,
		Severity:    spec.Severity,
		Description: spec.Description,
		Variable:    spec.Logic.Variable,
		Expr:        expr,
		Temporal:    spec.Logic.Temporal,
		State:       spec.Logic.State,
	}, nil
}

// typeCheck builds the typed expression for one observable/operator/threshold
// combination, rejecting incompatible pairings.
func typeCheck(hazardID string, obs catalog.Observable, op Op, threshold any) (Expr, error) {
	mismatch := func(format string, args ...any) error {
		return &ParseError{Code: CodeTypeMismatch, HazardID: hazardID, Detail: fmt.Sprintf(format, args...)}
	}

	switch obs.Kind {
	case catalog.KindNumber:
		if op == OpInSet {
			return nil, mismatch("membership tests apply to string observables, %s is number", obs.Name)
		}
		v, ok := toFloat(threshold)
		if !ok {
			return nil, mismatch("%s is number but threshold is %T", obs.Name, threshold)
		}
		return NumericCmp{Op: op, Value: v}, nil

	case catalog.KindString:
		switch op {
		case OpEqual, OpNotEqual:
			if s, ok := threshold.(string); ok {
				return StringCmp{Op: op, Value: s}, nil
			}
			if set, ok := toStringSet(threshold); ok {
				if op == OpEqual {
					return nil, mismatch("%s compared against a set with ==, use in-set for membership", obs.Name)
				}
				return SetMember{Values: set, Negate: true}, nil
			}
			return nil, mismatch("%s is string but threshold is %T", obs.Name, threshold)
		case OpInSet:
			set, ok := toStringSet(threshold)
			if !ok {
				return nil, mismatch("in-set threshold for %s must be a non-empty list of strings", obs.Name)
			}
			return SetMember{Values: set}, nil
		default:
			return nil, mismatch("ordering operator %s applies to number observables, %s is string", op, obs.Name)
		}

	case catalog.KindBool:
		switch op {
		case OpEqual, OpNotEqual:
			if b, ok := threshold.(bool); ok {
				return BoolCmp{Op: op, Value: b}, nil
			}
			return nil, mismatch("%s is bool but threshold is %T", obs.Name, threshold)
		default:
			return nil, mismatch("operator %s does not apply to bool observable %s", op, obs.Name)
		}
	}
	return nil, mismatch("observable %s has unsupported kind %s", obs.Name, obs.Kind)
}

// toFloat coerces JSON and Go numeric threshold shapes to float64.
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
	default:
		return 0, false
	}
}

// toStringSet coerces a threshold to a sorted, deduplicated string set.
// Empty lists and lists with non-string members are rejected.
func toStringSet(v any) ([]string, bool) {
	var raw []string
	switch list := v.(type) {
	case []string:
		raw = list
	case []any:
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			raw = append(raw, s)
		}
	default:
		return nil, false
	}
	if len(raw) == 0 {
		return nil, false
	}
	seen := make(map[string]bool, len(raw))
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out, true
}
