package codegen

import (
	"strings"
	"testing"

	"github.com/guardsmith/guardsmith/internal/catalog"
	"github.com/guardsmith/guardsmith/internal/hazard"
)

func mustConstraint(t testing.TB, spec *hazard.Spec) *hazard.Constraint {
	t.Helper()
	c, err := hazard.Parse(spec, catalog.Builtin())
	if err != nil {
		t.Fatalf("failed to parse spec: %v", err)
	}
	return c
}

func staleDataSpec() *hazard.Spec {
	return &hazard.Spec{
		ID:          "UCA-7",
		Version:     1,
		Description: "Trading on market data older than 30 seconds is unsafe",
		Severity:    hazard.SevCritical,
		Logic: hazard.ConstraintLogic{
			Variable:  "data.age_seconds",
			Operator:  ">",
			Threshold: float64(30),
		},
	}
}

// evalRule compiles and runs a generated rule the way the decision engine
// would, so tests exercise the exact source that ships.
func evalRule(t testing.TB, g *Generator, ruleSrc string, input map[string]any) bool {
	t.Helper()
	ast, issues := g.env.Compile(ruleSrc)
	if issues != nil && issues.Err() != nil {
		t.Fatalf("rule does not compile: %v\nsource: %s", issues.Err(), ruleSrc)
	}
	prg, err := g.env.Program(ast)
	if err != nil {
		t.Fatalf("program: %v", err)
	}
	out, _, err := prg.Eval(map[string]any{"input": input})
	if err != nil {
		t.Fatalf("eval: %v\nsource: %s", err, ruleSrc)
	}
	b, ok := out.Value().(bool)
	if !ok {
		t.Fatalf("rule result is %T, want bool", out.Value())
	}
	return b
}

func TestGenerateNumericRule(t *testing.T) {
	g, err := NewGenerator()
	if err != nil {
		t.Fatal(err)
	}
	a, err := g.Generate(mustConstraint(t, staleDataSpec()))
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	want := `input["data.age_seconds"] > 30.0`
	if a.RuleSource != want {
		t.Errorf("expected rule %q, got %q", want, a.RuleSource)
	}
	if a.HazardID != "UCA-7" || a.Version != 1 {
		t.Errorf("expected UCA-7/v1 identity, got %s/v%d", a.HazardID, a.Version)
	}
	if !strings.HasPrefix(a.Checksum, "sha256:") {
		t.Errorf("expected sha256-prefixed checksum, got %s", a.Checksum)
	}
	if a.GeneratedAt.IsZero() {
		t.Error("expected generation timestamp to be set")
	}

	// The rule fires on stale data and stays quiet on fresh data.
	if !evalRule(t, g, a.RuleSource, map[string]any{"data.age_seconds": 45.0}) {
		t.Error("expected rule to fire at age 45")
	}
	if evalRule(t, g, a.RuleSource, map[string]any{"data.age_seconds": 10.0}) {
		t.Error("expected rule to stay quiet at age 10")
	}
}

func TestGenerateDeterministic(t *testing.T) {
	g, err := NewGenerator()
	if err != nil {
		t.Fatal(err)
	}
	first, err := g.Generate(mustConstraint(t, staleDataSpec()))
	if err != nil {
		t.Fatal(err)
	}
	second, err := g.Generate(mustConstraint(t, staleDataSpec()))
	if err != nil {
		t.Fatal(err)
	}
	if first.RuleSource != second.RuleSource {
		t.Errorf("rule sources differ:\n%s\n%s", first.RuleSource, second.RuleSource)
	}
	if first.GuardSource != second.GuardSource {
		t.Errorf("guard sources differ:\n%s\n%s", first.GuardSource, second.GuardSource)
	}
	if first.Checksum != second.Checksum {
		t.Errorf("checksums differ: %s vs %s", first.Checksum, second.Checksum)
	}
}

func TestGenerateStringRule(t *testing.T) {
	g, _ := NewGenerator()
	spec := staleDataSpec()
	spec.Logic = hazard.ConstraintLogic{Variable: "trade.currency", Operator: "!=", Threshold: "USD"}
	a, err := g.Generate(mustConstraint(t, spec))
	if err != nil {
		t.Fatal(err)
	}
	want := `input["trade.currency"] != "USD"`
	if a.RuleSource != want {
		t.Errorf("expected rule %q, got %q", want, a.RuleSource)
	}
	if !evalRule(t, g, a.RuleSource, map[string]any{"trade.currency": "EUR"}) {
		t.Error("expected rule to fire for EUR")
	}
	if evalRule(t, g, a.RuleSource, map[string]any{"trade.currency": "USD"}) {
		t.Error("expected rule to stay quiet for USD")
	}
}

func TestGenerateBoolRule(t *testing.T) {
	g, _ := NewGenerator()
	spec := staleDataSpec()
	spec.Logic = hazard.ConstraintLogic{Variable: "session.authenticated", Operator: "==", Threshold: false}
	a, err := g.Generate(mustConstraint(t, spec))
	if err != nil {
		t.Fatal(err)
	}
	want := `input["session.authenticated"] == false`
	if a.RuleSource != want {
		t.Errorf("expected rule %q, got %q", want, a.RuleSource)
	}
}

func TestGenerateSetRule(t *testing.T) {
	g, _ := NewGenerator()
	spec := staleDataSpec()
	spec.Logic = hazard.ConstraintLogic{
		Variable:  "transfer.destination",
		Operator:  "in-set",
		Threshold: []any{"acct-9", "acct-3"},
	}
	a, err := g.Generate(mustConstraint(t, spec))
	if err != nil {
		t.Fatal(err)
	}
	want := `input["transfer.destination"] in ["acct-3", "acct-9"]`
	if a.RuleSource != want {
		t.Errorf("expected rule %q, got %q", want, a.RuleSource)
	}
	if !evalRule(t, g, a.RuleSource, map[string]any{"transfer.destination": "acct-9"}) {
		t.Error("expected rule to fire for listed destination")
	}
	if evalRule(t, g, a.RuleSource, map[string]any{"transfer.destination": "acct-1"}) {
		t.Error("expected rule to stay quiet for unlisted destination")
	}
}

func TestGenerateNegatedSetRule(t *testing.T) {
	g, _ := NewGenerator()
	spec := staleDataSpec()
	spec.Logic = hazard.ConstraintLogic{
		Variable:  "account.tier",
		Operator:  "!=",
		Threshold: []any{"gold", "platinum"},
	}
	a, err := g.Generate(mustConstraint(t, spec))
	if err != nil {
		t.Fatal(err)
	}
	want := `!(input["account.tier"] in ["gold", "platinum"])`
	if a.RuleSource != want {
		t.Errorf("expected rule %q, got %q", want, a.RuleSource)
	}
	if !evalRule(t, g, a.RuleSource, map[string]any{"account.tier": "basic"}) {
		t.Error("expected rule to fire for tier outside the set")
	}
}

func TestGenerateTemporalQualifier(t *testing.T) {
	g, _ := NewGenerator()
	spec := staleDataSpec()
	spec.Logic = hazard.ConstraintLogic{
		Variable:  "market.volatility_index",
		Operator:  ">",
		Threshold: float64(40),
		Temporal:  &hazard.TemporalQualifier{MaxAgeSeconds: 10},
	}
	a, err := g.Generate(mustConstraint(t, spec))
	if err != nil {
		t.Fatal(err)
	}
	want := `input["age.market.volatility_index"] > 10.0 || (input["market.volatility_index"] > 40.0)`
	if a.RuleSource != want {
		t.Errorf("expected rule %q, got %q", want, a.RuleSource)
	}

	// Fresh sample under threshold: quiet.
	if evalRule(t, g, a.RuleSource, map[string]any{"market.volatility_index": 20.0, "age.market.volatility_index": 2.0}) {
		t.Error("expected quiet for fresh in-range sample")
	}
	// Stale sample, even in range, fires.
	if !evalRule(t, g, a.RuleSource, map[string]any{"market.volatility_index": 20.0, "age.market.volatility_index": 30.0}) {
		t.Error("expected stale sample to fire")
	}
}

func TestGenerateStateQualifier(t *testing.T) {
	g, _ := NewGenerator()
	spec := staleDataSpec()
	spec.Logic = hazard.ConstraintLogic{
		Variable:  "transfer.amount",
		Operator:  ">=",
		Threshold: float64(10000),
		State:     &hazard.StateQualifier{Requires: "approval.token_valid"},
	}
	a, err := g.Generate(mustConstraint(t, spec))
	if err != nil {
		t.Fatal(err)
	}
	want := `!(input["approval.token_valid"] == true) && (input["transfer.amount"] >= 10000.0)`
	if a.RuleSource != want {
		t.Errorf("expected rule %q, got %q", want, a.RuleSource)
	}

	// Approval token present excuses the transfer.
	if evalRule(t, g, a.RuleSource, map[string]any{"transfer.amount": 50000.0, "approval.token_valid": true}) {
		t.Error("expected quiet when approval token is valid")
	}
	if !evalRule(t, g, a.RuleSource, map[string]any{"transfer.amount": 50000.0, "approval.token_valid": false}) {
		t.Error("expected fire when approval token is absent")
	}
}

func TestGenerateQuotingIsInert(t *testing.T) {
	g, _ := NewGenerator()
	spec := staleDataSpec()
	hostile := `USD" || true || "`
	spec.Logic = hazard.ConstraintLogic{Variable: "trade.currency", Operator: "==", Threshold: hostile}
	a, err := g.Generate(mustConstraint(t, spec))
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	// The hostile value stays a literal: only an exact match fires.
	if evalRule(t, g, a.RuleSource, map[string]any{"trade.currency": "USD"}) {
		t.Errorf("hostile threshold escaped into rule syntax: %s", a.RuleSource)
	}
	if !evalRule(t, g, a.RuleSource, map[string]any{"trade.currency": hostile}) {
		t.Error("expected exact literal match to fire")
	}
}

func TestGenerateUnsupportedOperator(t *testing.T) {
	g, _ := NewGenerator()
	c := &hazard.Constraint{
		HazardID: "UCA-99",
		Version:  1,
		Severity: hazard.SevWarning,
		Variable: "trade.amount",
		Expr:     hazard.NumericCmp{Op: "~=", Value: 1},
	}
	_, err := g.Generate(c)
	if err == nil {
		t.Fatal("expected generation to fail for unsupported operator")
	}
	if _, ok := err.(*UnsupportedConstraintError); !ok {
		t.Errorf("expected UnsupportedConstraintError, got %T: %v", err, err)
	}
}

func TestChecksumExcludesTimestamp(t *testing.T) {
	if Checksum("a", "b") != Checksum("a", "b") {
		t.Error("expected stable checksum for identical sources")
	}
	if Checksum("a", "b") == Checksum("a", "c") {
		t.Error("expected different checksums for different guard sources")
	}
	// The separator keeps (rule="ab", guard="") distinct from (rule="a", guard="b").
	if Checksum("ab", "") == Checksum("a", "b") {
		t.Error("expected separator to disambiguate source boundaries")
	}
}

func TestFormatNumber(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{30, "30.0"},
		{0.5, "0.5"},
		{10000, "10000.0"},
		{-2, "-2.0"},
		{1e21, "1e+21"},
	}
	for _, tt := range tests {
		got := formatNumber(tt.in)
		if got != tt.want {
			t.Errorf("formatNumber(%v) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestGuardDocRoundTrip(t *testing.T) {
	g, _ := NewGenerator()
	spec := staleDataSpec()
	spec.Logic.Temporal = &hazard.TemporalQualifier{MaxAgeSeconds: 15}
	spec.Logic.State = &hazard.StateQualifier{Requires: "approval.token_valid"}
	a, err := g.Generate(mustConstraint(t, spec))
	if err != nil {
		t.Fatal(err)
	}

	doc, err := ParseGuardDoc(a.GuardSource)
	if err != nil {
		t.Fatalf("guard doc does not parse back: %v", err)
	}
	if doc.Guard != GuardDocFormat {
		t.Errorf("expected format %s, got %s", GuardDocFormat, doc.Guard)
	}
	if doc.HazardID != "UCA-7" || doc.SpecVersion != 1 {
		t.Errorf("expected UCA-7/v1, got %s/v%d", doc.HazardID, doc.SpecVersion)
	}
	if doc.Shape != ShapeNumericCmp || doc.Op != ">" {
		t.Errorf("expected numeric_cmp >, got %s %s", doc.Shape, doc.Op)
	}
	if doc.Number == nil || *doc.Number != 30 {
		t.Errorf("expected number 30, got %v", doc.Number)
	}
	if doc.MaxAgeSeconds == nil || *doc.MaxAgeSeconds != 15 {
		t.Errorf("expected max age 15, got %v", doc.MaxAgeSeconds)
	}
	if doc.RequiresState != "approval.token_valid" {
		t.Errorf("expected requires_state approval.token_valid, got %s", doc.RequiresState)
	}
}

func TestParseGuardDocRejects(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"not json", "not json"},
		{"wrong format", `{"guard":"guardspec/v0","hazard_id":"UCA-1","variable":"trade.amount","shape":"numeric_cmp","op":">","number":1}`},
		{"missing hazard id", `{"guard":"guardspec/v1","variable":"trade.amount","shape":"numeric_cmp","op":">","number":1}`},
		{"unknown shape", `{"guard":"guardspec/v1","hazard_id":"UCA-1","variable":"trade.amount","shape":"regex_match"}`},
		{"numeric missing number", `{"guard":"guardspec/v1","hazard_id":"UCA-1","variable":"trade.amount","shape":"numeric_cmp","op":">"}`},
		{"numeric bad op", `{"guard":"guardspec/v1","hazard_id":"UCA-1","variable":"trade.amount","shape":"numeric_cmp","op":"~=","number":1}`},
		{"set empty", `{"guard":"guardspec/v1","hazard_id":"UCA-1","variable":"account.tier","shape":"set_member","set":[]}`},
		{"bad max age", `{"guard":"guardspec/v1","hazard_id":"UCA-1","variable":"trade.amount","shape":"numeric_cmp","op":">","number":1,"max_age_seconds":-4}`},
	}
	for _, tt := range tests {
		if _, err := ParseGuardDoc(tt.src); err == nil {
			t.Errorf("%s: expected parse to fail", tt.name)
		}
	}
}
