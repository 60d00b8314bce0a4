// Package engine talks to the policy-decision engine: the authoritative,
// out-of-process evaluator of the declarative rule half of each artifact. The
// gate treats any failure here as a deny; this package only classifies the
// failure.
package engine

import (
	"context"
	"errors"
)

// Decision is the engine's answer for one action.
type Decision string

const (
	Allow        Decision = "ALLOW"
	Deny         Decision = "DENY"
	ManualReview Decision = "MANUAL_REVIEW"
)

var validDecisions = map[Decision]bool{
	Allow:        true,
	Deny:         true,
	ManualReview: true,
}

// ValidDecision reports whether d is one of the three decision strings.
func ValidDecision(d Decision) bool {
	return validDecisions[d]
}

// Request carries one action and its observable snapshot to the engine.
type Request struct {
	Action string         `json:"action"`
	Input  map[string]any `json:"input"`
}

// Result is the engine's decision with its stated reason.
type Result struct {
	Decision Decision `json:"decision"`
	Reason   string   `json:"reason,omitempty"`
}

// Decider answers policy queries. Implementations must be safe for
// concurrent use; the gate shares one across all invocations.
type Decider interface {
	Decide(ctx context.Context, req *Request) (*Result, error)
}

var (
	// ErrUnreachable reports a connection or protocol failure.
	ErrUnreachable = errors.New("policy engine unreachable")
	// ErrTimeout reports an engine that did not answer within the deadline.
	// Reachable but slow counts as unreachable past the deadline.
	ErrTimeout = errors.New("policy engine timed out")
)
