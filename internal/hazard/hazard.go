// Package hazard defines hazard specification records and their parsing into
// typed constraints. A hazard spec is authored once by the upstream
// risk-discovery process and is immutable after submission; a change arrives
// as a new (id, version) pair, never as a mutation in place.
package hazard

import (
	"fmt"
	"regexp"
	"time"
)

// Severity classifies the impact tier of a hazard.
type Severity string

const (
	SevInformational Severity = "informational"
	SevWarning       Severity = "warning"
	SevCritical      Severity = "critical"
)

// SeverityRank maps severity to a comparable integer for triage ordering.
var SeverityRank = map[Severity]int{
	SevInformational: 0,
	SevWarning:       1,
	SevCritical:      2,
}

// validSeverities is the set of accepted severity values.
var validSeverities = map[Severity]bool{
	SevInformational: true,
	SevWarning:       true,
	SevCritical:      true,
}

// validID matches alphanumeric characters, dashes, and underscores only.
var validID = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Spec is one hazard record as submitted by the risk-discovery process.
type Spec struct {
	ID          string          `json:"id"`
	Version     int             `json:"version"`
	Description string          `json:"description"`
	Severity    Severity        `json:"severity"`
	Logic       ConstraintLogic `json:"constraint_logic"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Key returns the stable identity of this spec version, e.g. "UCA-7/v2".
func (s *Spec) Key() string {
	return fmt.Sprintf("%s/v%d", s.ID, s.Version)
}

// ConstraintLogic is the wire form of a constraint before type checking.
// Threshold is numeric, string, boolean, or a list of strings depending on
// the operator and the observable's kind.
type ConstraintLogic struct {
	Variable  string             `json:"variable"`
	Operator  string             `json:"operator"`
	Threshold any                `json:"threshold"`
	Temporal  *TemporalQualifier `json:"temporal,omitempty"`
	State     *StateQualifier    `json:"state,omitempty"`
}

// TemporalQualifier bounds how old the observable's sample may be. A sample
// older than MaxAgeSeconds counts as the hazard condition being met.
type TemporalQualifier struct {
	MaxAgeSeconds float64 `json:"max_age_seconds"`
}

// StateQualifier names a boolean observable that excuses the hazard when
// true, e.g. a prior human approval token.
type StateQualifier struct {
	Requires string `json:"requires"`
}

// ValidateSpec checks that a spec has all required fields and safe values.
// Constraint-level validation happens in Parse; this only covers the record
// envelope.
func ValidateSpec(s *Spec) error {
	if s.ID == "" {
		return fmt.Errorf("hazard ID is required")
	}
	if !validID.MatchString(s.ID) {
		return fmt.Errorf("hazard ID contains invalid characters: only alphanumeric, dash, and underscore allowed")
	}
	if s.Version < 1 {
		return fmt.Errorf("hazard version must be >= 1, got %d", s.Version)
	}
	if s.Description == "" {
		return fmt.Errorf("hazard description is required")
	}
	if !validSeverities[s.Severity] {
		return fmt.Errorf("invalid severity %q: must be one of: informational, warning, critical", s.Severity)
	}
	if s.Logic.Variable == "" {
		return fmt.Errorf("constraint variable is required")
	}
	if s.Logic.Operator == "" {
		return fmt.Errorf("constraint operator is required")
	}
	return nil
}
