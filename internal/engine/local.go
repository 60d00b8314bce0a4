package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/guardsmith/guardsmith/internal/codegen"
	"github.com/guardsmith/guardsmith/internal/hazard"
)

// LocalDecider is an in-process decision engine evaluating the bundle's CEL
// rules directly. It stands in for the external engine in development and in
// single-binary deployments; the wire contract is identical.
//
// Severity maps to decisions: a matched critical rule denies, a matched
// warning routes to manual review, informational matches are recorded in the
// reason but allow.
type LocalDecider struct {
	env      *cel.Env
	mu       sync.RWMutex
	prgCache map[string]cel.Program
	version  int64
	rules    []localRule
}

type localRule struct {
	hazardID string
	severity hazard.Severity
	program  cel.Program
}

// NewLocalDecider builds an empty decider; load rules with SetArtifacts.
func NewLocalDecider() (*LocalDecider, error) {
	env, err := cel.NewEnv(
		cel.Variable("input", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &LocalDecider{
		env:      env,
		prgCache: make(map[string]cel.Program),
	}, nil
}

// SetArtifacts replaces the rule set wholesale. Programs are cached by
// artifact checksum, so republished rules do not recompile.
func (d *LocalDecider) SetArtifacts(version int64, artifacts []codegen.Artifact) error {
	rules := make([]localRule, 0, len(artifacts))
	for i := range artifacts {
		a := &artifacts[i]
		prg, err := d.compile(a.Checksum, a.RuleSource)
		if err != nil {
			return fmt.Errorf("rule for %s: %w", a.HazardID, err)
		}
		rules = append(rules, localRule{hazardID: a.HazardID, severity: a.Severity, program: prg})
	}

	d.mu.Lock()
	d.version = version
	d.rules = rules
	d.mu.Unlock()
	return nil
}

func (d *LocalDecider) compile(checksum, source string) (cel.Program, error) {
	d.mu.RLock()
	prg, hit := d.prgCache[checksum]
	d.mu.RUnlock()
	if hit {
		return prg, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if prg, hit = d.prgCache[checksum]; hit {
		return prg, nil
	}
	ast, issues := d.env.Compile(source)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	p, err := d.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	d.prgCache[checksum] = p
	return p, nil
}

// Decide evaluates every loaded rule against the snapshot. A rule that fails
// to evaluate counts as matched: absence of a signal never proves safety.
func (d *LocalDecider) Decide(ctx context.Context, req *Request) (*Result, error) {
	d.mu.RLock()
	version := d.version
	rules := d.rules
	d.mu.RUnlock()

	input := map[string]any{"input": req.Input}
	decision := Allow
	var matched []string

	for _, r := range rules {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		hit, detail := evalRule(r.program, input)
		if !hit {
			continue
		}
		matched = append(matched, fmt.Sprintf("%s (%s)%s", r.hazardID, r.severity, detail))
		decision = worse(decision, decisionFor(r.severity))
	}

	if len(matched) == 0 {
		return &Result{Decision: Allow, Reason: fmt.Sprintf("no hazard condition matched (bundle v%d)", version)}, nil
	}
	return &Result{
		Decision: decision,
		Reason:   fmt.Sprintf("matched %s (bundle v%d)", strings.Join(matched, ", "), version),
	}, nil
}

func evalRule(prg cel.Program, input map[string]any) (bool, string) {
	out, _, err := prg.Eval(input)
	if err != nil {
		return true, fmt.Sprintf(" [evaluation failed: %v]", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return true, " [non-boolean result]"
	}
	return val, ""
}

func decisionFor(sev hazard.Severity) Decision {
	switch sev {
	case hazard.SevCritical:
		return Deny
	case hazard.SevWarning:
		return ManualReview
	default:
		return Allow
	}
}

var decisionRank = map[Decision]int{
	Allow:        0,
	ManualReview: 1,
	Deny:         2,
}

func worse(a, b Decision) Decision {
	if decisionRank[b] > decisionRank[a] {
		return b
	}
	return a
}
