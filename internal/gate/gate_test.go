package gate

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/guardsmith/guardsmith/internal/audit"
	"github.com/guardsmith/guardsmith/internal/bundle"
	"github.com/guardsmith/guardsmith/internal/catalog"
	"github.com/guardsmith/guardsmith/internal/codegen"
	"github.com/guardsmith/guardsmith/internal/engine"
	"github.com/guardsmith/guardsmith/internal/guard"
	"github.com/guardsmith/guardsmith/internal/hazard"
	"github.com/guardsmith/guardsmith/internal/judge"
)

func makeArtifact(t *testing.T, id, variable, op string, threshold any) codegen.Artifact {
	t.Helper()
	spec := &hazard.Spec{
		ID:          id,
		Version:     1,
		Description: "constraint under test",
		Severity:    hazard.SevCritical,
		Logic: hazard.ConstraintLogic{
			Variable:  variable,
			Operator:  op,
			Threshold: threshold,
		},
	}
	c, err := hazard.Parse(spec, catalog.Builtin())
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	gen, err := codegen.NewGenerator()
	if err != nil {
		t.Fatalf("generator failed: %v", err)
	}
	art, err := gen.Generate(c)
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	return *art
}

func testBundle(version int64, arts ...codegen.Artifact) *bundle.Bundle {
	return &bundle.Bundle{
		Version:     version,
		Artifacts:   arts,
		Checksum:    bundle.AggregateChecksum(version, arts),
		PublishedAt: time.Now().UTC(),
	}
}

func newGate(t *testing.T, opts Options, arts ...codegen.Artifact) *Gate {
	t.Helper()
	g := New(opts)
	if len(arts) > 0 {
		if err := g.SetBundle(testBundle(1, arts...)); err != nil {
			t.Fatalf("set bundle: %v", err)
		}
	}
	return g
}

type stubDecider struct {
	calls atomic.Int32
	fn    func(ctx context.Context, req *engine.Request) (*engine.Result, error)
}

func (s *stubDecider) Decide(ctx context.Context, req *engine.Request) (*engine.Result, error) {
	s.calls.Add(1)
	return s.fn(ctx, req)
}

func allowEngine() *stubDecider {
	return &stubDecider{fn: func(ctx context.Context, req *engine.Request) (*engine.Result, error) {
		return &engine.Result{Decision: engine.Allow, Reason: "engine allow"}, nil
	}}
}

type stubReviewer struct {
	mu       sync.Mutex
	enqueued []string
}

func (s *stubReviewer) Enqueue(inv, action, reason string, input map[string]string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enqueued = append(s.enqueued, action)
	return "rv-stub1", nil
}

func TestCheckDeniesWithoutBundle(t *testing.T) {
	g := New(Options{})

	d := g.Check(context.Background(), Action{Name: "submit_order", Input: map[string]any{}})

	if d.Outcome != Denied {
		t.Fatalf("expected DENIED without a bundle, got %s", d.Outcome)
	}
	if d.Reason != "no policy bundle loaded" {
		t.Errorf("unexpected reason %q", d.Reason)
	}
	if d.BundleVersion != 0 {
		t.Errorf("expected bundle version 0, got %d", d.BundleVersion)
	}
}

func TestCheckAllowsCleanSnapshot(t *testing.T) {
	g := newGate(t, Options{}, makeArtifact(t, "UCA-7", "data.age_seconds", ">", float64(30)))

	d := g.Check(context.Background(), Action{
		Name:  "submit_order",
		Class: "trade",
		Input: map[string]any{"data.age_seconds": 10.0},
	})

	if d.Outcome != Allowed {
		t.Fatalf("expected ALLOWED, got %s (%s)", d.Outcome, d.Reason)
	}
	if d.Reason != "no hazard condition matched (bundle v1)" {
		t.Errorf("unexpected reason %q", d.Reason)
	}
	if d.EngineChecked {
		t.Error("no engine configured, but EngineChecked is set")
	}
	if len(d.Hazards) != 0 {
		t.Errorf("expected no hazards, got %v", d.Hazards)
	}
	if !strings.HasPrefix(d.InvocationID, "inv-") {
		t.Errorf("unexpected invocation id %q", d.InvocationID)
	}
	if d.BundleVersion != 1 {
		t.Errorf("expected bundle version 1, got %d", d.BundleVersion)
	}
}

func TestCheckGuardDenyShortCircuitsEngine(t *testing.T) {
	eng := allowEngine()
	g := newGate(t, Options{Engine: eng}, makeArtifact(t, "UCA-7", "data.age_seconds", ">", float64(30)))

	d := g.Check(context.Background(), Action{
		Name:  "submit_order",
		Class: "trade",
		Input: map[string]any{"data.age_seconds": 60.0},
	})

	if d.Outcome != Denied {
		t.Fatalf("expected DENIED, got %s", d.Outcome)
	}
	if len(d.Hazards) != 1 || d.Hazards[0] != "UCA-7" {
		t.Errorf("expected hazards [UCA-7], got %v", d.Hazards)
	}
	if !strings.Contains(d.Reason, "blocked by UCA-7") || !strings.Contains(d.Reason, "bundle v1") {
		t.Errorf("unexpected reason %q", d.Reason)
	}
	if eng.calls.Load() != 0 {
		t.Errorf("guard deny must not reach the engine, got %d calls", eng.calls.Load())
	}
	if d.EngineChecked {
		t.Error("EngineChecked set on a guard deny")
	}
}

func TestCheckMissingObservableDenies(t *testing.T) {
	g := newGate(t, Options{}, makeArtifact(t, "UCA-7", "data.age_seconds", ">", float64(30)))

	d := g.Check(context.Background(), Action{Name: "submit_order", Input: map[string]any{}})

	if d.Outcome != Denied {
		t.Fatalf("expected DENIED for missing observable, got %s", d.Outcome)
	}
	if !strings.Contains(d.Reason, "missing from snapshot") {
		t.Errorf("unexpected reason %q", d.Reason)
	}
}

func TestCheckEngineConfirmsAllow(t *testing.T) {
	eng := allowEngine()
	g := newGate(t, Options{Engine: eng}, makeArtifact(t, "UCA-7", "data.age_seconds", ">", float64(30)))

	d := g.Check(context.Background(), Action{
		Name:  "submit_order",
		Class: "trade",
		Input: map[string]any{"data.age_seconds": 10.0},
	})

	if d.Outcome != Allowed {
		t.Fatalf("expected ALLOWED, got %s (%s)", d.Outcome, d.Reason)
	}
	if !d.EngineChecked {
		t.Error("expected EngineChecked")
	}
	if eng.calls.Load() != 1 {
		t.Errorf("expected 1 engine call, got %d", eng.calls.Load())
	}
	if d.Reason != "engine allow" {
		t.Errorf("expected engine reason, got %q", d.Reason)
	}
}

func TestCheckEngineDenyOverridesGuardPass(t *testing.T) {
	eng := &stubDecider{fn: func(ctx context.Context, req *engine.Request) (*engine.Result, error) {
		return &engine.Result{Decision: engine.Deny, Reason: "risk limits exceeded"}, nil
	}}
	g := newGate(t, Options{Engine: eng}, makeArtifact(t, "UCA-7", "data.age_seconds", ">", float64(30)))

	d := g.Check(context.Background(), Action{
		Name:  "submit_order",
		Input: map[string]any{"data.age_seconds": 10.0},
	})

	if d.Outcome != Denied {
		t.Fatalf("expected DENIED from engine, got %s", d.Outcome)
	}
	if d.Reason != "risk limits exceeded" {
		t.Errorf("unexpected reason %q", d.Reason)
	}
}

func TestCheckEngineManualReviewRoutesToQueue(t *testing.T) {
	rv := &stubReviewer{}
	eng := &stubDecider{fn: func(ctx context.Context, req *engine.Request) (*engine.Result, error) {
		return &engine.Result{Decision: engine.ManualReview, Reason: "volatility elevated"}, nil
	}}
	g := newGate(t, Options{Engine: eng, Review: rv}, makeArtifact(t, "UCA-7", "data.age_seconds", ">", float64(30)))

	d := g.Check(context.Background(), Action{
		Name:  "submit_order",
		Input: map[string]any{"data.age_seconds": 10.0},
	})

	if d.Outcome != ManualReview {
		t.Fatalf("expected MANUAL_REVIEW, got %s", d.Outcome)
	}
	if d.ReviewToken != "rv-stub1" {
		t.Errorf("expected review token, got %q", d.ReviewToken)
	}
	rv.mu.Lock()
	defer rv.mu.Unlock()
	if len(rv.enqueued) != 1 || rv.enqueued[0] != "submit_order" {
		t.Errorf("expected submit_order enqueued, got %v", rv.enqueued)
	}
}

func TestCheckEngineTimeoutFailsClosed(t *testing.T) {
	eng := &stubDecider{fn: func(ctx context.Context, req *engine.Request) (*engine.Result, error) {
		<-ctx.Done()
		return nil, fmt.Errorf("decide: %w", engine.ErrTimeout)
	}}
	g := newGate(t, Options{
		Engine: eng,
		Config: Config{EngineTimeout: 50 * time.Millisecond},
	}, makeArtifact(t, "UCA-7", "data.age_seconds", ">", float64(30)))

	start := time.Now()
	d := g.Check(context.Background(), Action{
		Name:  "submit_order",
		Input: map[string]any{"data.age_seconds": 10.0},
	})

	if d.Outcome != Denied {
		t.Fatalf("expected DENIED on engine timeout, got %s", d.Outcome)
	}
	if d.Reason != "policy engine timed out" {
		t.Errorf("unexpected reason %q", d.Reason)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("timeout not bounded by configured deadline, took %v", elapsed)
	}
}

func TestCheckEngineUnreachableFailsClosed(t *testing.T) {
	eng := &stubDecider{fn: func(ctx context.Context, req *engine.Request) (*engine.Result, error) {
		return nil, fmt.Errorf("decide: %w", engine.ErrUnreachable)
	}}
	g := newGate(t, Options{Engine: eng}, makeArtifact(t, "UCA-7", "data.age_seconds", ">", float64(30)))

	d := g.Check(context.Background(), Action{
		Name:  "submit_order",
		Input: map[string]any{"data.age_seconds": 10.0},
	})

	if d.Outcome != Denied {
		t.Fatalf("expected DENIED on unreachable engine, got %s", d.Outcome)
	}
	if d.Reason != "policy engine unreachable" {
		t.Errorf("unexpected reason %q", d.Reason)
	}
}

func TestCheckEngineClassFiltering(t *testing.T) {
	eng := allowEngine()
	g := newGate(t, Options{
		Engine: eng,
		Config: Config{EngineClasses: []string{"transfer"}},
	}, makeArtifact(t, "UCA-7", "data.age_seconds", ">", float64(30)))

	input := map[string]any{"data.age_seconds": 10.0}

	d := g.Check(context.Background(), Action{Name: "submit_order", Class: "trade", Input: input})
	if d.EngineChecked || eng.calls.Load() != 0 {
		t.Errorf("trade class should not consult the engine: checked=%v calls=%d", d.EngineChecked, eng.calls.Load())
	}
	if d.Outcome != Allowed {
		t.Errorf("expected ALLOWED, got %s", d.Outcome)
	}

	d = g.Check(context.Background(), Action{Name: "wire_out", Class: "transfer", Input: input})
	if !d.EngineChecked || eng.calls.Load() != 1 {
		t.Errorf("transfer class should consult the engine: checked=%v calls=%d", d.EngineChecked, eng.calls.Load())
	}
}

func TestCheckCallerCancellationStillDecidesAndLogs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "decisions.jsonl")
	log, err := audit.Open(path)
	if err != nil {
		t.Fatal(err)
	}

	var sawLiveCtx atomic.Bool
	eng := &stubDecider{fn: func(ctx context.Context, req *engine.Request) (*engine.Result, error) {
		sawLiveCtx.Store(ctx.Err() == nil)
		return &engine.Result{Decision: engine.Allow, Reason: "ok"}, nil
	}}
	g := newGate(t, Options{Engine: eng, Log: log}, makeArtifact(t, "UCA-7", "data.age_seconds", ">", float64(30)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := g.Check(ctx, Action{Name: "submit_order", Input: map[string]any{"data.age_seconds": 10.0}})
	log.Close()

	if d.Outcome != Allowed {
		t.Fatalf("expected ALLOWED, got %s (%s)", d.Outcome, d.Reason)
	}
	if !sawLiveCtx.Load() {
		t.Error("engine context should outlive the caller's cancellation")
	}

	result, err := audit.Query(path, audit.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if result.Summary.Total != 1 {
		t.Fatalf("expected 1 decision entry, got %d", result.Summary.Total)
	}
	if result.Entries[0].Outcome != audit.OutcomeAllow || !result.Entries[0].EngineChecked {
		t.Errorf("unexpected entry %+v", result.Entries[0])
	}
}

func TestCheckGuardPanicDenies(t *testing.T) {
	path := filepath.Join(t.TempDir(), "decisions.jsonl")
	log, err := audit.Open(path)
	if err != nil {
		t.Fatal(err)
	}

	set, err := guard.NewSet(9, "sha256:test", []guard.Entry{{
		HazardID: "UCA-9",
		Checksum: "sha256:g",
		Severity: "critical",
		Fn:       func(*guard.Snapshot) guard.Result { panic("arithmetic fault") },
	}})
	if err != nil {
		t.Fatal(err)
	}

	g := New(Options{Log: log})
	g.current.Store(set)

	d := g.Check(context.Background(), Action{Name: "submit_order", Input: map[string]any{}})
	log.Close()

	if d.Outcome != Denied {
		t.Fatalf("expected DENIED on guard panic, got %s", d.Outcome)
	}
	if d.Reason != "guard fault (bundle v9)" {
		t.Errorf("unexpected reason %q", d.Reason)
	}

	result, err := audit.Query(path, audit.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if result.Summary.Total != 1 {
		t.Fatalf("expected 1 entry, got %d", result.Summary.Total)
	}
	if !strings.Contains(result.Entries[0].Fault, "guard panic: arithmetic fault") {
		t.Errorf("expected fault recorded, got %q", result.Entries[0].Fault)
	}
}

func TestCheckEmitsExactlyOneEntryPerInvocation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "decisions.jsonl")
	log, err := audit.Open(path)
	if err != nil {
		t.Fatal(err)
	}

	eng := &stubDecider{fn: func(ctx context.Context, req *engine.Request) (*engine.Result, error) {
		if req.Action == "wire_out" {
			return &engine.Result{Decision: engine.ManualReview, Reason: "needs review"}, nil
		}
		return &engine.Result{Decision: engine.Allow, Reason: "ok"}, nil
	}}
	g := newGate(t, Options{Engine: eng, Log: log}, makeArtifact(t, "UCA-7", "data.age_seconds", ">", float64(30)))

	ctx := context.Background()
	g.Check(ctx, Action{Name: "submit_order", Input: map[string]any{"data.age_seconds": 10.0}})
	g.Check(ctx, Action{Name: "submit_order", Input: map[string]any{"data.age_seconds": 60.0}})
	g.Check(ctx, Action{Name: "wire_out", Input: map[string]any{"data.age_seconds": 10.0}})
	log.Close()

	result, err := audit.Query(path, audit.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	s := result.Summary
	if s.Total != 3 {
		t.Fatalf("expected 3 entries, got %d", s.Total)
	}
	if s.AllowCount != 1 || s.DenyCount != 1 || s.ReviewCount != 1 {
		t.Errorf("expected 1 allow / 1 deny / 1 review, got %d/%d/%d", s.AllowCount, s.DenyCount, s.ReviewCount)
	}

	chain := audit.VerifyChain(path)
	if !chain.Intact {
		t.Errorf("decision chain broken: %s", chain.Fault)
	}
}

func TestCheckRedactsAuditedInput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "decisions.jsonl")
	log, err := audit.Open(path)
	if err != nil {
		t.Fatal(err)
	}

	g := newGate(t, Options{Log: log}, makeArtifact(t, "UCA-7", "data.age_seconds", ">", float64(30)))

	g.Check(context.Background(), Action{
		Name: "submit_order",
		Input: map[string]any{
			"data.age_seconds": 10.0,
			"session.api_key":  "sk-live-abc12345",
		},
	})
	log.Close()

	result, err := audit.Query(path, audit.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	entry := result.Entries[0]
	if entry.Input["session.api_key"] != audit.Placeholder {
		t.Errorf("expected api key redacted, got %q", entry.Input["session.api_key"])
	}
	if entry.Input["data.age_seconds"] != "10" {
		t.Errorf("expected observable rendered, got %q", entry.Input["data.age_seconds"])
	}
}

func TestSetBundleRejectsBadArtifacts(t *testing.T) {
	g := New(Options{})
	art := makeArtifact(t, "UCA-7", "data.age_seconds", ">", float64(30))
	art.GuardSource = "{not json"

	if err := g.SetBundle(testBundle(1, art)); err == nil {
		t.Fatal("expected error for malformed guard source")
	}

	d := g.Check(context.Background(), Action{Name: "submit_order", Input: map[string]any{}})
	if d.Outcome != Denied || d.Reason != "no policy bundle loaded" {
		t.Errorf("gate should keep denying after failed load, got %s (%s)", d.Outcome, d.Reason)
	}
}

func acceptArtifacts(t *testing.T, reg *bundle.Registry, arts ...codegen.Artifact) {
	t.Helper()
	for _, a := range arts {
		_, err := reg.RecordVerdict(context.Background(), &judge.Verdict{
			ArtifactChecksum: a.Checksum,
			Accept:           true,
			Confidence:       0.9,
			Rationale:        "accepted for test",
			JudgeModel:       "stub/fixed",
			CreatedAt:        time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("record verdict: %v", err)
		}
	}
}

func waitForVersion(t *testing.T, g *Gate, want int64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if g.BundleVersion() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("gate never loaded bundle v%d (at v%d)", want, g.BundleVersion())
}

func TestRefresherTracksRegistry(t *testing.T) {
	ctx := context.Background()
	reg := bundle.NewRegistry(bundle.NewMemoryStore())

	art1 := makeArtifact(t, "UCA-7", "data.age_seconds", ">", float64(30))
	acceptArtifacts(t, reg, art1)
	if _, err := reg.Publish(ctx, 1, []codegen.Artifact{art1}); err != nil {
		t.Fatalf("publish v1: %v", err)
	}

	g := New(Options{})
	r := NewRefresher(g, reg, 30*time.Millisecond, "")

	rctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go r.Run(rctx)

	waitForVersion(t, g, 1)

	art2 := makeArtifact(t, "UCA-2", "transfer.amount", ">=", float64(10000))
	acceptArtifacts(t, reg, art2)
	if _, err := reg.Publish(ctx, 2, []codegen.Artifact{art1, art2}); err != nil {
		t.Fatalf("publish v2: %v", err)
	}

	waitForVersion(t, g, 2)
}

func TestRefresherReactsToCurrentPointer(t *testing.T) {
	ctx := context.Background()
	store, err := bundle.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	reg := bundle.NewRegistry(store)

	g := New(Options{})
	// Poll interval far beyond the test: only the file watcher can deliver.
	r := NewRefresher(g, reg, time.Hour, store.CurrentPath())

	rctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go r.Run(rctx)
	time.Sleep(100 * time.Millisecond)

	art := makeArtifact(t, "UCA-7", "data.age_seconds", ">", float64(30))
	acceptArtifacts(t, reg, art)
	if _, err := reg.Publish(ctx, 1, []codegen.Artifact{art}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	waitForVersion(t, g, 1)
}
