package codegen

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/guardsmith/guardsmith/internal/hazard"
)

// renderRule turns a constraint into a CEL expression that is true exactly
// when the hazard condition is met. Observables are always addressed as map
// keys on `input`, quoted with %q, so no authored value can escape into
// expression syntax.
func renderRule(c *hazard.Constraint) (string, error) {
	base, err := renderExpr(c.HazardID, c.Variable, c.Expr)
	if err != nil {
		return "", err
	}

	// A stale sample counts as the condition being met. Sample ages ride in
	// on dedicated "age.<variable>" keys.
	if c.Temporal != nil {
		base = fmt.Sprintf("input[%q] > %s || (%s)",
			"age."+c.Variable, formatNumber(c.Temporal.MaxAgeSeconds), base)
	}

	// A required state observable, when true, excuses the hazard entirely.
	if c.State != nil {
		base = fmt.Sprintf("!(input[%q] == true) && (%s)", c.State.Requires, base)
	}

	return base, nil
}

// renderExpr maps each expression shape onto its fixed template. The switch
// is exhaustive over the closed union; anything else fails generation.
func renderExpr(hazardID, variable string, e hazard.Expr) (string, error) {
	ref := fmt.Sprintf("input[%q]", variable)

	switch x := e.(type) {
	case hazard.NumericCmp:
		op, ok := celCmpOps[x.Op]
		if !ok {
			return "", &UnsupportedConstraintError{HazardID: hazardID, Detail: fmt.Sprintf("numeric operator %q", x.Op)}
		}
		return fmt.Sprintf("%s %s %s", ref, op, formatNumber(x.Value)), nil

	case hazard.StringCmp:
		op, ok := celEqOps[x.Op]
		if !ok {
			return "", &UnsupportedConstraintError{HazardID: hazardID, Detail: fmt.Sprintf("string operator %q", x.Op)}
		}
		return fmt.Sprintf("%s %s %q", ref, op, x.Value), nil

	case hazard.BoolCmp:
		op, ok := celEqOps[x.Op]
		if !ok {
			return "", &UnsupportedConstraintError{HazardID: hazardID, Detail: fmt.Sprintf("bool operator %q", x.Op)}
		}
		return fmt.Sprintf("%s %s %t", ref, op, x.Value), nil

	case hazard.SetMember:
		if len(x.Values) == 0 {
			return "", &UnsupportedConstraintError{HazardID: hazardID, Detail: "empty membership set"}
		}
		members := make([]string, len(x.Values))
		for i, v := range x.Values {
			members[i] = strconv.Quote(v)
		}
		expr := fmt.Sprintf("%s in [%s]", ref, strings.Join(members, ", "))
		if x.Negate {
			expr = fmt.Sprintf("!(%s)", expr)
		}
		return expr, nil

	default:
		return "", &UnsupportedConstraintError{HazardID: hazardID, Detail: fmt.Sprintf("expression type %T", e)}
	}
}

// celCmpOps maps constraint operators onto CEL comparison operators.
var celCmpOps = map[hazard.Op]string{
	hazard.OpLess:      "<",
	hazard.OpLessEq:    "<=",
	hazard.OpGreater:   ">",
	hazard.OpGreaterEq: ">=",
	hazard.OpEqual:     "==",
	hazard.OpNotEqual:  "!=",
}

// celEqOps is the equality subset accepted for string and bool shapes.
var celEqOps = map[hazard.Op]string{
	hazard.OpEqual:    "==",
	hazard.OpNotEqual: "!=",
}

// formatNumber renders a float64 as a CEL double literal. Snapshot values
// arrive as doubles, so literals must be doubles too or comparisons have no
// overload at eval time.
func formatNumber(v float64) string {
	s := strconv.FormatFloat(v, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}
