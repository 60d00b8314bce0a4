// Package guard compiles guard parameter documents into synchronous,
// side-effect-free predicates invoked in-process before every sensitive
// action. The predicate shapes are fixed at build time; verified bundles only
// parameterize them. No generated code is ever loaded at runtime.
package guard

import (
	"fmt"

	"github.com/guardsmith/guardsmith/internal/codegen"
	"github.com/guardsmith/guardsmith/internal/hazard"
)

// Snapshot carries the observable readings for one action. Values maps
// observable names to float64, string, or bool readings; Ages maps observable
// names to the age of their sample in seconds, for guards with a freshness
// bound.
type Snapshot struct {
	Values map[string]any
	Ages   map[string]float64
}

// Result is one guard's judgement of one snapshot.
type Result struct {
	HazardID  string
	Checksum  string
	Severity  string
	Violation bool
	Reason    string
}

// Fn is a compiled guard predicate. Implementations are pure, perform no I/O,
// and read only the snapshot handed to them.
type Fn func(snap *Snapshot) Result

// Compile instantiates the predicate shape a guard doc names. Unknown shapes
// and malformed parameters fail compilation; nothing is ever guessed.
func Compile(doc *codegen.GuardDoc, checksum string) (Fn, error) {
	base, err := compileShape(doc)
	if err != nil {
		return nil, err
	}

	variable := doc.Variable
	hazardID := doc.HazardID
	severity := doc.Severity

	var maxAge float64
	hasMaxAge := doc.MaxAgeSeconds != nil
	if hasMaxAge {
		maxAge = *doc.MaxAgeSeconds
	}
	requiresState := doc.RequiresState

	return func(snap *Snapshot) Result {
		r := Result{HazardID: hazardID, Checksum: checksum, Severity: severity}

		// A valid required-state observable excuses the hazard outright.
		// Missing or false means no excuse.
		if requiresState != "" {
			if ok, valid := snap.Values[requiresState].(bool); valid && ok {
				r.Reason = "excused by " + requiresState
				return r
			}
		}

		// Freshness bound. A missing or stale sample is a violation: safety
		// cannot be proven from a signal that is absent or out of date.
		if hasMaxAge {
			age, ok := snap.Ages[variable]
			if !ok {
				r.Violation = true
				r.Reason = fmt.Sprintf("no sample age recorded for %s, max %vs", variable, maxAge)
				return r
			}
			if age > maxAge {
				r.Violation = true
				r.Reason = fmt.Sprintf("sample for %s is %vs old, max %vs", variable, age, maxAge)
				return r
			}
		}

		violation, reason := base(snap)
		r.Violation = violation
		r.Reason = reason
		return r
	}, nil
}

// shapeFn evaluates the core comparison and reports (violation, reason).
type shapeFn func(snap *Snapshot) (bool, string)

func compileShape(doc *codegen.GuardDoc) (shapeFn, error) {
	variable := doc.Variable

	switch doc.Shape {
	case codegen.ShapeNumericCmp:
		if doc.Number == nil {
			return nil, fmt.Errorf("guard %s: numeric_cmp missing number", doc.HazardID)
		}
		threshold := *doc.Number
		cmp, err := numericOp(doc.HazardID, hazard.Op(doc.Op))
		if err != nil {
			return nil, err
		}
		op := doc.Op
		return func(snap *Snapshot) (bool, string) {
			v, ok := toFloat(snap.Values[variable])
			if !ok {
				return true, missingReason(variable)
			}
			if cmp(v, threshold) {
				return true, fmt.Sprintf("%s=%v %s %v", variable, v, op, threshold)
			}
			return false, ""
		}, nil

	case codegen.ShapeStringCmp:
		if doc.Text == nil {
			return nil, fmt.Errorf("guard %s: string_cmp missing text", doc.HazardID)
		}
		want := *doc.Text
		negate, err := eqNegate(doc.HazardID, hazard.Op(doc.Op))
		if err != nil {
			return nil, err
		}
		op := doc.Op
		return func(snap *Snapshot) (bool, string) {
			v, ok := snap.Values[variable].(string)
			if !ok {
				return true, missingReason(variable)
			}
			if (v == want) != negate {
				return true, fmt.Sprintf("%s=%q %s %q", variable, v, op, want)
			}
			return false, ""
		}, nil

	case codegen.ShapeBoolCmp:
		if doc.Flag == nil {
			return nil, fmt.Errorf("guard %s: bool_cmp missing flag", doc.HazardID)
		}
		want := *doc.Flag
		negate, err := eqNegate(doc.HazardID, hazard.Op(doc.Op))
		if err != nil {
			return nil, err
		}
		op := doc.Op
		return func(snap *Snapshot) (bool, string) {
			v, ok := snap.Values[variable].(bool)
			if !ok {
				return true, missingReason(variable)
			}
			if (v == want) != negate {
				return true, fmt.Sprintf("%s=%t %s %t", variable, v, op, want)
			}
			return false, ""
		}, nil

	case codegen.ShapeSetMember:
		if len(doc.Set) == 0 {
			return nil, fmt.Errorf("guard %s: set_member has empty set", doc.HazardID)
		}
		members := make(map[string]bool, len(doc.Set))
		for _, m := range doc.Set {
			members[m] = true
		}
		negate := doc.Negate
		return func(snap *Snapshot) (bool, string) {
			v, ok := snap.Values[variable].(string)
			if !ok {
				return true, missingReason(variable)
			}
			if members[v] != negate {
				return true, fmt.Sprintf("%s=%q membership violation", variable, v)
			}
			return false, ""
		}, nil

	default:
		return nil, fmt.Errorf("guard %s: unknown shape %q", doc.HazardID, doc.Shape)
	}
}

func numericOp(hazardID string, op hazard.Op) (func(v, t float64) bool, error) {
	switch op {
	case hazard.OpLess:
		return func(v, t float64) bool { return v < t }, nil
	case hazard.OpLessEq:
		return func(v, t float64) bool { return v <= t }, nil
	case hazard.OpGreater:
		return func(v, t float64) bool { return v > t }, nil
	case hazard.OpGreaterEq:
		return func(v, t float64) bool { return v >= t }, nil
	case hazard.OpEqual:
		return func(v, t float64) bool { return v == t }, nil
	case hazard.OpNotEqual:
		return func(v, t float64) bool { return v != t }, nil
	default:
		return nil, fmt.Errorf("guard %s: numeric operator %q", hazardID, op)
	}
}

// eqNegate reports whether the equality result should be inverted: false for
// ==, true for !=.
func eqNegate(hazardID string, op hazard.Op) (bool, error) {
	switch op {
	case hazard.OpEqual:
		return false, nil
	case hazard.OpNotEqual:
		return true, nil
	default:
		return false, fmt.Errorf("guard %s: equality operator %q", hazardID, op)
	}
}

func missingReason(variable string) string {
	return fmt.Sprintf("observable %s missing from snapshot", variable)
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
	default:
		return 0, false
	}
}
