package judge

import (
	"context"
	"fmt"
	"time"

	"github.com/guardsmith/guardsmith/internal/codegen"
	"github.com/guardsmith/guardsmith/internal/hazard"
)

// Config holds the judge's decision parameters. All of them are deployment
// tunables; the defaults are conservative so a borderline artifact rejects.
type Config struct {
	// AcceptThreshold is the minimum similarity between a back-translation
	// and the hazard description.
	AcceptThreshold float64
	// AgreementThreshold is the minimum similarity between the rule and
	// guard back-translations.
	AgreementThreshold float64
	// MaxAttempts bounds scorer retries; exhausting them yields a reject
	// verdict, never an indefinite hang.
	MaxAttempts int
	// RetryBackoff is multiplied by the attempt number between retries.
	RetryBackoff time.Duration
}

// DefaultConfig returns the built-in judge parameters.
func DefaultConfig() Config {
	return Config{
		AcceptThreshold:    0.72,
		AgreementThreshold: 0.80,
		MaxAttempts:        3,
		RetryBackoff:       500 * time.Millisecond,
	}
}

// Verdict is the judge's decision on one artifact. Verdicts are never
// overwritten: a re-run produces a new verdict and the latest one for a
// checksum is authoritative.
type Verdict struct {
	ArtifactChecksum string    `json:"artifact_checksum"`
	Accept           bool      `json:"accept"`
	Confidence       float64   `json:"confidence"`
	Rationale        string    `json:"rationale"`
	JudgeModel       string    `json:"judge_model"`
	CreatedAt        time.Time `json:"created_at"`
}

// Judge verifies artifacts by back-translation and equivalence scoring.
type Judge struct {
	translator *Backtranslator
	scorer     Scorer
	cfg        Config
}

// New builds a judge around an equivalence scorer.
func New(scorer Scorer, cfg Config) (*Judge, error) {
	if scorer == nil {
		return nil, fmt.Errorf("judge needs a scorer")
	}
	translator, err := NewBacktranslator()
	if err != nil {
		return nil, err
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Judge{translator: translator, scorer: scorer, cfg: cfg}, nil
}

// Verify back-translates both generated sources and scores them against the
// hazard description and against each other. Every operational failure mode
// lands in a reject verdict with its rationale; the error return is reserved
// for invariant violations in the inputs.
func (j *Judge) Verify(ctx context.Context, spec *hazard.Spec, art *codegen.Artifact) (*Verdict, error) {
	if spec == nil || art == nil {
		return nil, fmt.Errorf("verify needs a spec and an artifact")
	}
	v := &Verdict{
		ArtifactChecksum: art.Checksum,
		JudgeModel:       j.scorer.Name(),
		CreatedAt:        time.Now().UTC(),
	}

	ruleSt, err := j.translator.Rule(art.RuleSource)
	if err != nil {
		v.Rationale = fmt.Sprintf("rule back-translation failed: %v", err)
		return v, nil
	}
	guardSt, err := j.translator.Guard(art.GuardSource)
	if err != nil {
		v.Rationale = fmt.Sprintf("guard back-translation failed: %v", err)
		return v, nil
	}

	// The two representations must enforce the same condition. Structural
	// disagreement is generator drift and rejects before any scoring.
	if !ruleSt.EquivalentTo(guardSt) {
		v.Rationale = fmt.Sprintf("rule and guard enforce different conditions: %q vs %q", ruleSt.Text, guardSt.Text)
		return v, nil
	}

	ruleScore, err := j.score(ctx, ruleSt.Text, spec.Description)
	if err != nil {
		v.Rationale = fmt.Sprintf("scorer failed after %d attempts: %v", j.cfg.MaxAttempts, err)
		return v, nil
	}
	guardScore, err := j.score(ctx, guardSt.Text, spec.Description)
	if err != nil {
		v.Rationale = fmt.Sprintf("scorer failed after %d attempts: %v", j.cfg.MaxAttempts, err)
		return v, nil
	}
	agreement, err := j.score(ctx, ruleSt.Text, guardSt.Text)
	if err != nil {
		v.Rationale = fmt.Sprintf("scorer failed after %d attempts: %v", j.cfg.MaxAttempts, err)
		return v, nil
	}

	v.Confidence = min3(ruleScore, guardScore, agreement)
	switch {
	case ruleScore < j.cfg.AcceptThreshold:
		v.Rationale = fmt.Sprintf("rule reads %q, which scored %.2f against the hazard description (threshold %.2f)",
			ruleSt.Text, ruleScore, j.cfg.AcceptThreshold)
	case guardScore < j.cfg.AcceptThreshold:
		v.Rationale = fmt.Sprintf("guard reads %q, which scored %.2f against the hazard description (threshold %.2f)",
			guardSt.Text, guardScore, j.cfg.AcceptThreshold)
	case agreement < j.cfg.AgreementThreshold:
		v.Rationale = fmt.Sprintf("rule and guard back-translations scored %.2f against each other (threshold %.2f)",
			agreement, j.cfg.AgreementThreshold)
	default:
		v.Accept = true
		v.Rationale = fmt.Sprintf("rule and guard both read %q, aligned with the hazard description (confidence %.2f)",
			ruleSt.Text, v.Confidence)
	}
	return v, nil
}

// score runs the scorer with bounded retries. Scores outside [0,1] count as
// failures and are retried like transport errors.
func (j *Judge) score(ctx context.Context, textA, textB string) (float64, error) {
	var lastErr error
	for attempt := 1; attempt <= j.cfg.MaxAttempts; attempt++ {
		s, err := j.scorer.Score(ctx, textA, textB)
		if err == nil {
			if s < 0 || s > 1 {
				lastErr = fmt.Errorf("scorer returned %v, outside [0,1]", s)
			} else {
				return s, nil
			}
		} else {
			lastErr = err
		}
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		if attempt < j.cfg.MaxAttempts {
			time.Sleep(time.Duration(attempt) * j.cfg.RetryBackoff)
		}
	}
	return 0, lastErr
}

func min3(a, b, c float64) float64 {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}
