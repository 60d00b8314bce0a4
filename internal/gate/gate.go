// Package gate is the runtime enforcement point every sensitive action
// passes through. An invocation walks a fixed decision path: the compiled
// guards first (in-process, no I/O), then the remote policy-decision engine
// when the action class requires authoritative confirmation. Engine failure,
// guard fault, and missing bundle all resolve to a deny. Each invocation
// emits exactly one decision entry to the audit trail.
package gate

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/guardsmith/guardsmith/internal/audit"
	"github.com/guardsmith/guardsmith/internal/bundle"
	"github.com/guardsmith/guardsmith/internal/engine"
	"github.com/guardsmith/guardsmith/internal/guard"
)

// Outcome is a terminal gate decision.
type Outcome string

const (
	Allowed      Outcome = "ALLOWED"
	Denied       Outcome = "DENIED"
	ManualReview Outcome = "MANUAL_REVIEW"
)

// DefaultEngineTimeout bounds the engine check. An engine that is reachable
// but slower than this counts as unreachable.
const DefaultEngineTimeout = 2 * time.Second

// Action is one sensitive action presented to the gate.
type Action struct {
	Name  string
	Class string
	Input map[string]any
	Ages  map[string]float64 // sample ages in seconds, for freshness-bounded guards
}

// Decision is what action initiators see. Internal failure detail stays in
// the audit trail, never in the decision.
type Decision struct {
	Outcome       Outcome
	Reason        string
	Hazards       []string
	BundleVersion int64
	EngineChecked bool
	InvocationID  string
	ReviewToken   string
}

// Reviewer receives actions routed to the manual-review queue.
type Reviewer interface {
	Enqueue(invocationID, action, reason string, input map[string]string) (token string, err error)
}

// Config holds the gate's runtime knobs.
type Config struct {
	// EngineTimeout bounds each engine check. Zero means DefaultEngineTimeout.
	EngineTimeout time.Duration

	// EngineClasses lists the action classes that require engine confirmation
	// after a clean guard pass. Empty means every class requires it whenever
	// an engine is configured.
	EngineClasses []string
}

// Options wires the gate's collaborators. Every field except Config may be
// nil; a nil engine skips the engine stage entirely.
type Options struct {
	Config Config
	Engine engine.Decider
	Log    *audit.Log
	Mirror *audit.Mirror
	Review Reviewer
}

// Gate holds an atomically-swapped reference to the current compiled guard
// set. Invocations load the reference once and evaluate against that set for
// their whole lifetime, so a bundle swap mid-invocation is never observed as
// a mix of old and new rules.
type Gate struct {
	cfg     Config
	engine  engine.Decider
	log     *audit.Log
	mirror  *audit.Mirror
	review  Reviewer
	current atomic.Pointer[guard.Set]
}

// New creates a Gate. No bundle is loaded yet; until SetBundle succeeds,
// every check denies.
func New(opts Options) *Gate {
	cfg := opts.Config
	if cfg.EngineTimeout <= 0 {
		cfg.EngineTimeout = DefaultEngineTimeout
	}
	return &Gate{
		cfg:    cfg,
		engine: opts.Engine,
		log:    opts.Log,
		mirror: opts.Mirror,
		review: opts.Review,
	}
}

// SetBundle compiles a bundle's artifacts and swaps them in as the active
// guard set. The previous set stays live for invocations already holding it.
func (g *Gate) SetBundle(b *bundle.Bundle) error {
	set, err := guard.CompileSet(b.Version, b.Checksum, b.Artifacts)
	if err != nil {
		return fmt.Errorf("gate: %w", err)
	}
	g.current.Store(set)
	return nil
}

// BundleVersion returns the active bundle version, or 0 when none is loaded.
func (g *Gate) BundleVersion() int64 {
	if s := g.current.Load(); s != nil {
		return s.BundleVersion
	}
	return 0
}

// Check runs one sensitive action through the decision path. It always
// returns a terminal decision and records exactly one audit entry, even when
// a guard faults or the caller has already gone away.
func (g *Gate) Check(ctx context.Context, action Action) Decision {
	d := Decision{InvocationID: newInvocationID()}
	var fault string

	set := g.current.Load()
	if set == nil {
		d.Outcome = Denied
		d.Reason = "no policy bundle loaded"
		g.emit(action, d, fault, "")
		return d
	}
	d.BundleVersion = set.BundleVersion

	violations, guardFault := evalGuards(set, &guard.Snapshot{Values: action.Input, Ages: action.Ages})
	switch {
	case guardFault != "":
		fault = guardFault
		d.Outcome = Denied
		d.Reason = fmt.Sprintf("guard fault (bundle v%d)", set.BundleVersion)

	case len(violations) > 0:
		d.Outcome = Denied
		for _, v := range violations {
			d.Hazards = append(d.Hazards, v.HazardID)
		}
		d.Reason = fmt.Sprintf("blocked by %s: %s (bundle v%d)",
			strings.Join(d.Hazards, ", "), violations[0].Reason, set.BundleVersion)

	case g.engine != nil && g.requiresEngine(action.Class):
		d.EngineChecked = true
		g.engineCheck(ctx, action, &d, &fault)

	default:
		d.Outcome = Allowed
		d.Reason = fmt.Sprintf("no hazard condition matched (bundle v%d)", set.BundleVersion)
	}

	if d.Outcome == ManualReview && g.review != nil {
		token, err := g.review.Enqueue(d.InvocationID, action.Name, d.Reason, audit.RedactSnapshot(action.Input))
		if err != nil {
			fmt.Fprintf(os.Stderr, "gate: enqueue review: %v\n", err)
		} else {
			d.ReviewToken = token
		}
	}

	g.emit(action, d, fault, set.BundleChecksum)
	return d
}

// requiresEngine reports whether the action class needs engine confirmation.
func (g *Gate) requiresEngine(class string) bool {
	if len(g.cfg.EngineClasses) == 0 {
		return true
	}
	for _, c := range g.cfg.EngineClasses {
		if c == class {
			return true
		}
	}
	return false
}

// engineCheck consults the remote engine and writes the outcome into d.
// The call is detached from the caller's cancellation: the decision must
// complete and reach the audit trail even if the caller abandons the result.
// Only the engine deadline bounds it.
func (g *Gate) engineCheck(ctx context.Context, action Action, d *Decision, fault *string) {
	ectx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.cfg.EngineTimeout)
	defer cancel()

	res, err := g.engine.Decide(ectx, &engine.Request{Action: action.Name, Input: action.Input})
	if err != nil {
		*fault = err.Error()
		d.Outcome = Denied
		if errors.Is(err, engine.ErrTimeout) {
			d.Reason = "policy engine timed out"
		} else {
			d.Reason = "policy engine unreachable"
		}
		return
	}

	switch res.Decision {
	case engine.Allow:
		d.Outcome = Allowed
	case engine.ManualReview:
		d.Outcome = ManualReview
	default:
		d.Outcome = Denied
	}
	d.Reason = res.Reason
}

// evalGuards runs the compiled guards, containing any panic from a predicate.
// A fault is a violation of unknown scope: the caller denies and records it.
func evalGuards(set *guard.Set, snap *guard.Snapshot) (violations []guard.Result, fault string) {
	defer func() {
		if r := recover(); r != nil {
			violations = nil
			fault = fmt.Sprintf("guard panic: %v", r)
		}
	}()
	return set.Eval(snap), ""
}

// emit records the decision entry. Log failures go to stderr; a decision is
// never blocked or changed by its own bookkeeping.
func (g *Gate) emit(action Action, d Decision, fault, bundleChecksum string) {
	entry := audit.Entry{
		InvocationID:   d.InvocationID,
		Action:         audit.ActionRef{Name: action.Name, Class: action.Class},
		Outcome:        auditOutcome(d.Outcome),
		Reason:         d.Reason,
		Hazards:        d.Hazards,
		BundleVersion:  d.BundleVersion,
		BundleChecksum: bundleChecksum,
		EngineChecked:  d.EngineChecked,
		Fault:          fault,
		Input:          audit.RedactSnapshot(action.Input),
	}

	if g.log != nil {
		if err := g.log.Record(entry); err != nil {
			fmt.Fprintf(os.Stderr, "gate: record decision: %v\n", err)
		}
	}
	if g.mirror != nil {
		g.mirror.Dispatch(entry)
	}
	if fault != "" {
		fmt.Fprintf(os.Stderr, "gate: %s fault on %s: %s\n", d.InvocationID, action.Name, fault)
	}
}

func auditOutcome(o Outcome) string {
	switch o {
	case Allowed:
		return audit.OutcomeAllow
	case ManualReview:
		return audit.OutcomeReview
	default:
		return audit.OutcomeDeny
	}
}

func newInvocationID() string {
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("inv-%x", time.Now().UnixNano())
	}
	return "inv-" + hex.EncodeToString(b)
}
