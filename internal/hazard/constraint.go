package hazard

import "fmt"

// Op is a comparison operator accepted in constraint logic.
type Op string

const (
	OpLess      Op = "<"
	OpLessEq    Op = "<="
	OpGreater   Op = ">"
	OpGreaterEq Op = ">="
	OpEqual     Op = "=="
	OpNotEqual  Op = "!="
	OpInSet     Op = "in-set"
)

// validOps is the set of accepted operator values.
var validOps = map[Op]bool{
	OpLess:      true,
	OpLessEq:    true,
	OpGreater:   true,
	OpGreaterEq: true,
	OpEqual:     true,
	OpNotEqual:  true,
	OpInSet:     true,
}

// Expr is the typed comparison at the core of a constraint. The union is
// closed: exactly the types in this package implement it, and every consumer
// switches over the concrete types, failing closed on anything else.
type Expr interface {
	exprKind() string
}

// NumericCmp compares a number-kind observable against a threshold.
type NumericCmp struct {
	Op    Op
	Value float64
}

// StringCmp compares a string-kind observable for equality or inequality.
type StringCmp struct {
	Op    Op
	Value string
}

// BoolCmp compares a bool-kind observable for equality or inequality.
type BoolCmp struct {
	Op    Op
	Value bool
}

// SetMember tests membership of a string-kind observable in a fixed set.
// Values is sorted and deduplicated at parse time. Negate inverts the test
// (authored as operator "!=" with a set threshold).
type SetMember struct {
	Values []string
	Negate bool
}

func (NumericCmp) exprKind() string { return "numeric" }
func (StringCmp) exprKind() string  { return "string" }
func (BoolCmp) exprKind() string    { return "bool" }
func (SetMember) exprKind() string  { return "set" }

// Operator returns the wire operator this expression round-trips to.
func Operator(e Expr) Op {
	switch x := e.(type) {
	case NumericCmp:
		return x.Op
	case StringCmp:
		return x.Op
	case BoolCmp:
		return x.Op
	case SetMember:
		if x.Negate {
			return OpNotEqual
		}
		return OpInSet
	default:
		return ""
	}
}

// Constraint is the typed result of parsing one hazard spec. It carries
// everything downstream stages need so they never re-read the raw record.
type Constraint struct {
	HazardID    string
	Version     int
	Severity    Severity
	Description string
	Variable    string
	Expr        Expr
	Temporal    *TemporalQualifier
	State       *StateQualifier
}

// Key returns the stable identity of the constraint's spec version.
func (c *Constraint) Key() string {
	return fmt.Sprintf("%s/v%d", c.HazardID, c.Version)
}
