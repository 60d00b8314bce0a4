package guardsmith

import (
	"fmt"

	"github.com/guardsmith/guardsmith/internal/gate"
)

// Outcome is a terminal enforcement decision.
type Outcome string

const (
	Allowed      Outcome = Outcome(gate.Allowed)
	Denied       Outcome = Outcome(gate.Denied)
	ManualReview Outcome = Outcome(gate.ManualReview)
)

// Action describes a sensitive action about to be performed. Input carries
// the observable values the action depends on; Ages carries each sample's
// age in seconds for freshness-bounded guards. A guard whose observable is
// absent from Input treats the hazard condition as met.
type Action struct {
	Name  string
	Class string
	Input map[string]any
	Ages  map[string]float64
}

// Decision is the enforcement outcome for one action.
type Decision struct {
	Outcome       Outcome
	Reason        string
	Hazards       []string
	BundleVersion int64
	EngineChecked bool
	InvocationID  string
	ReviewToken   string
}

// Allowed reports whether the decision permits the action.
func (d Decision) Allowed() bool {
	return d.Outcome == Allowed
}

// BlockedError is returned by wrapped functions when the gate denies an
// action or routes it to manual review.
type BlockedError struct {
	Action       Action
	Outcome      Outcome
	Reason       string
	Hazards      []string
	InvocationID string
	ReviewToken  string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("guardsmith blocked (%s): %s", e.Outcome, e.Reason)
}

func toDecision(d gate.Decision) Decision {
	return Decision{
		Outcome:       Outcome(d.Outcome),
		Reason:        d.Reason,
		Hazards:       d.Hazards,
		BundleVersion: d.BundleVersion,
		EngineChecked: d.EngineChecked,
		InvocationID:  d.InvocationID,
		ReviewToken:   d.ReviewToken,
	}
}
