// Package judge verifies generated enforcement artifacts before they can be
// published. It back-translates both generated sources into natural-language
// statements of the condition they enforce, then scores those statements for
// semantic equivalence against the hazard's original description and against
// each other. A reject verdict is a first-class state, not a transient error.
package judge

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/cel-go/cel"
	exprpb "google.golang.org/genproto/googleapis/api/expr/v1alpha1"

	"github.com/guardsmith/guardsmith/internal/codegen"
	"github.com/guardsmith/guardsmith/internal/hazard"
)

// Statement is the structured reading of one generated source: which
// observable it constrains, with which operator and threshold, under which
// qualifiers, plus the natural-language rendering used for scoring.
type Statement struct {
	Variable      string
	Op            hazard.Op
	Threshold     string
	MaxAgeSeconds *float64
	Requires      string
	Text          string

	// ageVariable records which observable the freshness clause referenced,
	// so a rule guarding one variable's value but another's age is caught.
	ageVariable string
}

// EquivalentTo reports whether two statements describe the same condition.
func (s *Statement) EquivalentTo(o *Statement) bool {
	if s.Variable != o.Variable || s.Op != o.Op || s.Threshold != o.Threshold {
		return false
	}
	if (s.MaxAgeSeconds == nil) != (o.MaxAgeSeconds == nil) {
		return false
	}
	if s.MaxAgeSeconds != nil && *s.MaxAgeSeconds != *o.MaxAgeSeconds {
		return false
	}
	return s.Requires == o.Requires
}

// Backtranslator turns generated sources back into statements. Rule sources
// are re-parsed through CEL and decoded from the AST, so the translation
// reads what the engine would actually evaluate, not what the generator
// intended to write.
type Backtranslator struct {
	env *cel.Env
}

// NewBacktranslator builds a translator with a parse-only CEL environment.
func NewBacktranslator() (*Backtranslator, error) {
	env, err := cel.NewEnv(
		cel.Variable("input", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &Backtranslator{env: env}, nil
}

// Rule back-translates a CEL policy rule.
func (b *Backtranslator) Rule(src string) (*Statement, error) {
	parsed, issues := b.env.Parse(src)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("rule does not parse: %w", issues.Err())
	}
	expr := parsed.Expr() //nolint:staticcheck // AST traversal still needs the proto form
	st := &Statement{}
	if err := decodeRule(expr, st); err != nil {
		return nil, err
	}
	if st.ageVariable != "" && st.ageVariable != "age."+st.Variable {
		return nil, fmt.Errorf("freshness clause reads %q but constraint is on %q", st.ageVariable, st.Variable)
	}
	st.Text = renderText(st)
	return st, nil
}

// Guard back-translates a guard parameter document.
func (b *Backtranslator) Guard(src string) (*Statement, error) {
	doc, err := codegen.ParseGuardDoc(src)
	if err != nil {
		return nil, err
	}
	st := &Statement{Variable: doc.Variable}

	switch doc.Shape {
	case codegen.ShapeNumericCmp:
		st.Op = hazard.Op(doc.Op)
		st.Threshold = formatThresholdNumber(*doc.Number)
	case codegen.ShapeStringCmp:
		st.Op = hazard.Op(doc.Op)
		st.Threshold = strconv.Quote(*doc.Text)
	case codegen.ShapeBoolCmp:
		st.Op = hazard.Op(doc.Op)
		st.Threshold = strconv.FormatBool(*doc.Flag)
	case codegen.ShapeSetMember:
		if doc.Negate {
			st.Op = hazard.OpNotEqual
		} else {
			st.Op = hazard.OpInSet
		}
		st.Threshold = formatThresholdSet(doc.Set)
	default:
		return nil, fmt.Errorf("guard doc %s: unknown shape %q", doc.HazardID, doc.Shape)
	}

	st.MaxAgeSeconds = doc.MaxAgeSeconds
	st.Requires = doc.RequiresState
	st.Text = renderText(st)
	return st, nil
}

// decodeRule walks the closed grammar the generator emits: an optional state
// conjunct, an optional freshness disjunct, then one comparison or membership
// test. Anything outside that grammar fails back-translation.
func decodeRule(e *exprpb.Expr, st *Statement) error {
	call, ok := asCall(e)
	if !ok {
		return fmt.Errorf("rule is not a comparison expression")
	}

	switch call.Function {
	case "_&&_":
		if st.Requires != "" || st.MaxAgeSeconds != nil {
			return fmt.Errorf("unexpected nested conjunction")
		}
		if len(call.Args) != 2 {
			return fmt.Errorf("malformed conjunction")
		}
		requires, err := decodeStateExcuse(call.Args[0])
		if err != nil {
			return err
		}
		st.Requires = requires
		return decodeRule(call.Args[1], st)

	case "_||_":
		if st.MaxAgeSeconds != nil {
			return fmt.Errorf("unexpected nested disjunction")
		}
		if len(call.Args) != 2 {
			return fmt.Errorf("malformed disjunction")
		}
		ageVar, maxAge, err := decodeFreshness(call.Args[0])
		if err != nil {
			return err
		}
		st.ageVariable = ageVar
		st.MaxAgeSeconds = &maxAge
		return decodeRule(call.Args[1], st)

	case "_<_", "_<=_", "_>_", "_>=_", "_==_", "_!=_":
		variable, err := decodeInputRef(call.Args[0])
		if err != nil {
			return err
		}
		threshold, err := decodeLiteral(call.Args[1])
		if err != nil {
			return err
		}
		st.Variable = variable
		st.Op = celFnOps[call.Function]
		st.Threshold = threshold
		return nil

	case "@in":
		return decodeMembership(call, st, false)

	case "!_":
		if len(call.Args) != 1 {
			return fmt.Errorf("malformed negation")
		}
		inner, ok := asCall(call.Args[0])
		if !ok || inner.Function != "@in" {
			return fmt.Errorf("negation of something other than a membership test")
		}
		return decodeMembership(inner, st, true)

	default:
		return fmt.Errorf("unexpected function %q in rule", call.Function)
	}
}

// decodeStateExcuse expects !(input["<state>"] == true).
func decodeStateExcuse(e *exprpb.Expr) (string, error) {
	not, ok := asCall(e)
	if !ok || not.Function != "!_" || len(not.Args) != 1 {
		return "", fmt.Errorf("state clause is not a negation")
	}
	eq, ok := asCall(not.Args[0])
	if !ok || eq.Function != "_==_" || len(eq.Args) != 2 {
		return "", fmt.Errorf("state clause is not an equality test")
	}
	variable, err := decodeInputRef(eq.Args[0])
	if err != nil {
		return "", err
	}
	c, ok := asConst(eq.Args[1])
	if !ok {
		return "", fmt.Errorf("state clause compares against a non-literal")
	}
	bv, ok := c.ConstantKind.(*exprpb.Constant_BoolValue)
	if !ok || !bv.BoolValue {
		return "", fmt.Errorf("state clause does not test for true")
	}
	return variable, nil
}

// decodeFreshness expects input["age.<var>"] > <seconds>.
func decodeFreshness(e *exprpb.Expr) (string, float64, error) {
	gt, ok := asCall(e)
	if !ok || gt.Function != "_>_" || len(gt.Args) != 2 {
		return "", 0, fmt.Errorf("freshness clause is not an age comparison")
	}
	ageVar, err := decodeInputRef(gt.Args[0])
	if err != nil {
		return "", 0, err
	}
	if !strings.HasPrefix(ageVar, "age.") {
		return "", 0, fmt.Errorf("freshness clause reads %q, want an age.* key", ageVar)
	}
	c, ok := asConst(gt.Args[1])
	if !ok {
		return "", 0, fmt.Errorf("freshness bound is not a literal")
	}
	dv, ok := c.ConstantKind.(*exprpb.Constant_DoubleValue)
	if !ok {
		return "", 0, fmt.Errorf("freshness bound is not a double literal")
	}
	return ageVar, dv.DoubleValue, nil
}

func decodeMembership(call *exprpb.Expr_Call, st *Statement, negate bool) error {
	if len(call.Args) != 2 {
		return fmt.Errorf("malformed membership test")
	}
	variable, err := decodeInputRef(call.Args[0])
	if err != nil {
		return err
	}
	listExpr, ok := call.Args[1].ExprKind.(*exprpb.Expr_ListExpr)
	if !ok {
		return fmt.Errorf("membership test against a non-list")
	}
	var members []string
	for _, el := range listExpr.ListExpr.Elements {
		c, ok := asConst(el)
		if !ok {
			return fmt.Errorf("membership list holds a non-literal")
		}
		sv, ok := c.ConstantKind.(*exprpb.Constant_StringValue)
		if !ok {
			return fmt.Errorf("membership list holds a non-string literal")
		}
		members = append(members, sv.StringValue)
	}
	if len(members) == 0 {
		return fmt.Errorf("membership list is empty")
	}
	st.Variable = variable
	if negate {
		st.Op = hazard.OpNotEqual
	} else {
		st.Op = hazard.OpInSet
	}
	st.Threshold = formatThresholdSet(members)
	return nil
}

// decodeInputRef expects input["<name>"] and returns the observable name.
func decodeInputRef(e *exprpb.Expr) (string, error) {
	idx, ok := asCall(e)
	if !ok || idx.Function != "_[_]" || len(idx.Args) != 2 {
		return "", fmt.Errorf("operand is not an input lookup")
	}
	ident, ok := idx.Args[0].ExprKind.(*exprpb.Expr_IdentExpr)
	if !ok || ident.IdentExpr.Name != "input" {
		return "", fmt.Errorf("lookup target is not the input map")
	}
	c, ok := asConst(idx.Args[1])
	if !ok {
		return "", fmt.Errorf("lookup key is not a literal")
	}
	sv, ok := c.ConstantKind.(*exprpb.Constant_StringValue)
	if !ok {
		return "", fmt.Errorf("lookup key is not a string literal")
	}
	return sv.StringValue, nil
}

// decodeLiteral renders a comparison threshold in canonical form.
func decodeLiteral(e *exprpb.Expr) (string, error) {
	c, ok := asConst(e)
	if !ok {
		return "", fmt.Errorf("threshold is not a literal")
	}
	switch v := c.ConstantKind.(type) {
	case *exprpb.Constant_DoubleValue:
		return formatThresholdNumber(v.DoubleValue), nil
	case *exprpb.Constant_Int64Value:
		return formatThresholdNumber(float64(v.Int64Value)), nil
	case *exprpb.Constant_StringValue:
		return strconv.Quote(v.StringValue), nil
	case *exprpb.Constant_BoolValue:
		return strconv.FormatBool(v.BoolValue), nil
	default:
		return "", fmt.Errorf("threshold literal has unsupported kind %T", v)
	}
}

func asCall(e *exprpb.Expr) (*exprpb.Expr_Call, bool) {
	if e == nil {
		return nil, false
	}
	k, ok := e.ExprKind.(*exprpb.Expr_CallExpr)
	if !ok {
		return nil, false
	}
	return k.CallExpr, true
}

func asConst(e *exprpb.Expr) (*exprpb.Constant, bool) {
	if e == nil {
		return nil, false
	}
	k, ok := e.ExprKind.(*exprpb.Expr_ConstExpr)
	if !ok {
		return nil, false
	}
	return k.ConstExpr, true
}

// celFnOps maps CEL comparison functions back to constraint operators.
var celFnOps = map[string]hazard.Op{
	"_<_":  hazard.OpLess,
	"_<=_": hazard.OpLessEq,
	"_>_":  hazard.OpGreater,
	"_>=_": hazard.OpGreaterEq,
	"_==_": hazard.OpEqual,
	"_!=_": hazard.OpNotEqual,
}

// formatThresholdNumber renders numbers without a forced fraction, matching
// how a risk analyst would write them.
func formatThresholdNumber(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func formatThresholdSet(members []string) string {
	return strings.Join(members, ", ")
}

// opPhrases renders operators as comparison phrases.
var opPhrases = map[hazard.Op]string{
	hazard.OpLess:      "is less than",
	hazard.OpLessEq:    "is at most",
	hazard.OpGreater:   "is greater than",
	hazard.OpGreaterEq: "is at least",
	hazard.OpEqual:     "equals",
	hazard.OpNotEqual:  "does not equal",
	hazard.OpInSet:     "is one of",
}

// renderText builds the natural-language statement handed to the scorer.
func renderText(st *Statement) string {
	var b strings.Builder
	b.WriteString("deny the action when ")
	b.WriteString(st.Variable)
	b.WriteString(" ")
	if st.Op == hazard.OpNotEqual && strings.Contains(st.Threshold, ", ") {
		b.WriteString("is not one of")
	} else {
		b.WriteString(opPhrases[st.Op])
	}
	b.WriteString(" ")
	b.WriteString(st.Threshold)
	if st.MaxAgeSeconds != nil {
		fmt.Fprintf(&b, ", or when the %s reading is more than %s seconds old",
			st.Variable, formatThresholdNumber(*st.MaxAgeSeconds))
	}
	if st.Requires != "" {
		fmt.Fprintf(&b, ", unless %s is true", st.Requires)
	}
	return b.String()
}
