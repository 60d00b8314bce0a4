// Package codegen renders typed constraints into two synchronized enforcement
// sources: a CEL policy rule for the external decision engine and a canonical
// guard parameter document for the in-process guard compiler. Rendering is
// template driven and keyed on the constraint's expression shape; values are
// substituted as typed literals, never interpolated as free text.
package codegen

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/guardsmith/guardsmith/internal/hazard"
)

// Artifact is the pair of enforcement sources generated from one constraint,
// with the checksum that identifies it in bundles and verdicts.
type Artifact struct {
	HazardID    string          `json:"hazard_id"`
	Version     int             `json:"version"`
	Severity    hazard.Severity `json:"severity"`
	RuleSource  string          `json:"rule_source"`
	GuardSource string          `json:"guard_source"`
	Checksum    string          `json:"checksum"`
	GeneratedAt time.Time       `json:"generated_at"`
}

// Key returns the spec identity the artifact derives from.
func (a *Artifact) Key() string {
	return fmt.Sprintf("%s/v%d", a.HazardID, a.Version)
}

// UnsupportedConstraintError reports a constraint the generator has no
// template for. It is a hard stop for that hazard only; the pipeline
// continues with other hazards.
type UnsupportedConstraintError struct {
	HazardID string
	Detail   string
}

func (e *UnsupportedConstraintError) Error() string {
	return fmt.Sprintf("hazard %s: unsupported constraint: %s", e.HazardID, e.Detail)
}

// Generator renders constraints into artifacts. Safe for concurrent use.
type Generator struct {
	env *cel.Env
}

// NewGenerator builds a generator whose CEL environment matches the decision
// engine's: a single `input` variable typed map<string, dyn>.
func NewGenerator() (*Generator, error) {
	env, err := cel.NewEnv(
		cel.Variable("input", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &Generator{env: env}, nil
}

// Generate renders both sources for a constraint and seals them under one
// checksum. Identical constraints always produce byte-identical sources; the
// checksum covers only the two sources, so re-generation of the same
// constraint reproduces the same checksum regardless of when it ran.
func (g *Generator) Generate(c *hazard.Constraint) (*Artifact, error) {
	ruleSrc, err := renderRule(c)
	if err != nil {
		return nil, err
	}

	// Every rendered rule must compile in the engine's environment and
	// evaluate to a boolean. A failure here means a template defect, not an
	// authoring defect.
	ast, issues := g.env.Compile(ruleSrc)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("generated rule for %s does not compile: %w", c.HazardID, issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("generated rule for %s evaluates to %s, want bool", c.HazardID, ast.OutputType())
	}

	guardSrc, err := renderGuardDoc(c)
	if err != nil {
		return nil, err
	}

	return &Artifact{
		HazardID:    c.HazardID,
		Version:     c.Version,
		Severity:    c.Severity,
		RuleSource:  ruleSrc,
		GuardSource: guardSrc,
		Checksum:    Checksum(ruleSrc, guardSrc),
		GeneratedAt: time.Now().UTC(),
	}, nil
}

// Checksum computes the content address of an artifact's source pair.
func Checksum(ruleSource, guardSource string) string {
	h := sha256.New()
	h.Write([]byte(ruleSource))
	h.Write([]byte("\n"))
	h.Write([]byte(guardSource))
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}
