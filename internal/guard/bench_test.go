package guard

import (
	"testing"

	"github.com/guardsmith/guardsmith/internal/catalog"
	"github.com/guardsmith/guardsmith/internal/codegen"
	"github.com/guardsmith/guardsmith/internal/hazard"
)

func benchSet(b *testing.B, n int) *Set {
	b.Helper()
	g, err := codegen.NewGenerator()
	if err != nil {
		b.Fatal(err)
	}
	cat := catalog.Builtin()
	var artifacts []codegen.Artifact
	for i := 0; i < n; i++ {
		spec := &hazard.Spec{
			ID: "UCA-" + string(rune('A'+i%26)) + "-" + string(rune('0'+i/26)), Version: 1,
			Description: "bench hazard", Severity: hazard.SevWarning,
			Logic: hazard.ConstraintLogic{Variable: "trade.amount", Operator: ">", Threshold: float64(1000000 + i)},
		}
		c, err := hazard.Parse(spec, cat)
		if err != nil {
			b.Fatal(err)
		}
		a, err := g.Generate(c)
		if err != nil {
			b.Fatal(err)
		}
		artifacts = append(artifacts, *a)
	}
	set, err := CompileSet(1, "sha256:bench", artifacts)
	if err != nil {
		b.Fatal(err)
	}
	return set
}

func BenchmarkEvalSingleGuard(b *testing.B) {
	set := benchSet(b, 1)
	snap := &Snapshot{Values: map[string]any{"trade.amount": 500.0}}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		set.Eval(snap)
	}
}

func BenchmarkEvalTwentyGuards(b *testing.B) {
	set := benchSet(b, 20)
	snap := &Snapshot{Values: map[string]any{"trade.amount": 500.0}}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		set.Eval(snap)
	}
}
