package guard

import (
	"fmt"

	"github.com/guardsmith/guardsmith/internal/codegen"
)

// Entry is one compiled guard with the identity it enforces.
type Entry struct {
	HazardID string
	Checksum string
	Severity string
	Fn       Fn
}

// Set is the registry of compiled guards for one bundle version, keyed by
// hazard identifier. A Set is immutable after compilation; the gate swaps
// whole sets atomically and never mutates one in place.
type Set struct {
	BundleVersion  int64
	BundleChecksum string
	guards         []Entry
	byID           map[string]int
}

// NewSet assembles a Set from prepared entries, keyed by hazard identifier.
// CompileSet is the usual path; NewSet serves callers composing guards
// directly.
func NewSet(version int64, bundleChecksum string, entries []Entry) (*Set, error) {
	s := &Set{
		BundleVersion:  version,
		BundleChecksum: bundleChecksum,
		guards:         make([]Entry, 0, len(entries)),
		byID:           make(map[string]int, len(entries)),
	}
	for _, e := range entries {
		if e.Fn == nil {
			return nil, fmt.Errorf("guard for hazard %s is nil", e.HazardID)
		}
		if _, dup := s.byID[e.HazardID]; dup {
			return nil, fmt.Errorf("duplicate guard for hazard %s", e.HazardID)
		}
		s.byID[e.HazardID] = len(s.guards)
		s.guards = append(s.guards, e)
	}
	return s, nil
}

// CompileSet compiles every artifact in a bundle into its guard. One
// uncompilable artifact fails the whole set, so a half-usable bundle can
// never become the active snapshot.
func CompileSet(version int64, bundleChecksum string, artifacts []codegen.Artifact) (*Set, error) {
	entries := make([]Entry, 0, len(artifacts))
	for _, a := range artifacts {
		doc, err := codegen.ParseGuardDoc(a.GuardSource)
		if err != nil {
			return nil, fmt.Errorf("bundle v%d: %w", version, err)
		}
		fn, err := Compile(doc, a.Checksum)
		if err != nil {
			return nil, fmt.Errorf("bundle v%d: %w", version, err)
		}
		entries = append(entries, Entry{
			HazardID: a.HazardID,
			Checksum: a.Checksum,
			Severity: string(a.Severity),
			Fn:       fn,
		})
	}
	s, err := NewSet(version, bundleChecksum, entries)
	if err != nil {
		return nil, fmt.Errorf("bundle v%d: %w", version, err)
	}
	return s, nil
}

// Eval runs every guard against the snapshot in bundle order and returns the
// violations. An empty result means every guard is satisfied.
func (s *Set) Eval(snap *Snapshot) []Result {
	var violations []Result
	for i := range s.guards {
		r := s.guards[i].Fn(snap)
		if r.Violation {
			violations = append(violations, r)
		}
	}
	return violations
}

// Lookup returns the compiled guard for a hazard identifier.
func (s *Set) Lookup(hazardID string) (Fn, bool) {
	i, ok := s.byID[hazardID]
	if !ok {
		return nil, false
	}
	return s.guards[i].Fn, true
}

// HazardIDs returns the guarded hazard identifiers in bundle order.
func (s *Set) HazardIDs() []string {
	ids := make([]string, len(s.guards))
	for i := range s.guards {
		ids[i] = s.guards[i].HazardID
	}
	return ids
}

// Len returns the number of compiled guards in the set.
func (s *Set) Len() int { return len(s.guards) }
