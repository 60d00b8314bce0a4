package bundle

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/guardsmith/guardsmith/internal/catalog"
	"github.com/guardsmith/guardsmith/internal/codegen"
	"github.com/guardsmith/guardsmith/internal/hazard"
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
	g, err := codegen.NewGenerator()
	if err != nil {
		t.Fatalf("generator failed: %v", err)
	}
	art, err := g.Generate(c)
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	return *art
}

func acceptAll(t *testing.T, r *Registry, arts ...codegen.Artifact) {
	t.Helper()
	for _, a := range arts {
		if _, err := r.RecordVerdict(context.Background(), testVerdict(a.Checksum, true)); err != nil {
			t.Fatalf("record verdict failed: %v", err)
		}
	}
}

func TestPublishRequiresVerdict(t *testing.T) {
	r := NewRegistry(NewMemoryStore())
	art := makeArtifact(t, "UCA-7", "data.age_seconds", ">", float64(30))

	_, err := r.Publish(context.Background(), 1, []codegen.Artifact{art})
	var ive *IncompleteVerificationError
	if !errors.As(err, &ive) {
		t.Fatalf("expected IncompleteVerificationError, got %v", err)
	}
	if ive.HazardID != "UCA-7" || !strings.Contains(ive.Reason, "no verdict") {
		t.Errorf("unexpected error detail: %+v", ive)
	}
}

func TestPublishBlocksRejectedArtifact(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(NewMemoryStore())
	art := makeArtifact(t, "UCA-7", "data.age_seconds", ">", float64(30))

	if _, err := r.RecordVerdict(ctx, testVerdict(art.Checksum, false)); err != nil {
		t.Fatalf("record verdict failed: %v", err)
	}
	_, err := r.Publish(ctx, 1, []codegen.Artifact{art})
	var ive *IncompleteVerificationError
	if !errors.As(err, &ive) {
		t.Fatalf("expected IncompleteVerificationError, got %v", err)
	}
	if !strings.Contains(ive.Reason, "reject") {
		t.Errorf("expected reject reason, got %q", ive.Reason)
	}
}

// Verdicts are append-only; only the most recent one gates the publish.
func TestPublishHonorsLatestVerdict(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(NewMemoryStore())
	art := makeArtifact(t, "UCA-7", "data.age_seconds", ">", float64(30))

	if _, err := r.RecordVerdict(ctx, testVerdict(art.Checksum, false)); err != nil {
		t.Fatalf("record verdict failed: %v", err)
	}
	if _, err := r.RecordVerdict(ctx, testVerdict(art.Checksum, true)); err != nil {
		t.Fatalf("record verdict failed: %v", err)
	}

	res, err := r.Publish(ctx, 1, []codegen.Artifact{art})
	if err != nil {
		t.Fatalf("expected publish after re-accept, got %v", err)
	}
	if res.Version != 1 || res.Unchanged {
		t.Errorf("expected fresh v1 publish, got %+v", res)
	}
}

func TestPublishAndFetchLatest(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(NewMemoryStore())
	a := makeArtifact(t, "UCA-7", "data.age_seconds", ">", float64(30))
	b := makeArtifact(t, "UCA-2", "transfer.amount", ">=", float64(10000))
	acceptAll(t, r, a, b)

	res, err := r.Publish(ctx, 1, []codegen.Artifact{b, a})
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if res.Version != 1 || res.Artifacts != 2 {
		t.Errorf("expected v1 with 2 artifacts, got %+v", res)
	}

	got, err := r.FetchLatest(ctx)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if got.Version != 1 || got.Checksum != res.Checksum {
		t.Errorf("expected v1 %s, got v%d %s", res.Checksum, got.Version, got.Checksum)
	}
	// Bundle order is hazard-key order regardless of publish argument order.
	if got.Artifacts[0].HazardID != "UCA-2" || got.Artifacts[1].HazardID != "UCA-7" {
		t.Errorf("expected artifacts sorted by hazard key, got %s then %s",
			got.Artifacts[0].HazardID, got.Artifacts[1].HazardID)
	}
}

func TestPublishEmptyRejected(t *testing.T) {
	r := NewRegistry(NewMemoryStore())
	if _, err := r.Publish(context.Background(), 1, nil); err == nil {
		t.Error("expected error for empty artifact list")
	}
}

func TestRepublishIdenticalSetIsIdempotent(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(NewMemoryStore())
	art := makeArtifact(t, "UCA-7", "data.age_seconds", ">", float64(30))
	acceptAll(t, r, art)

	first, err := r.Publish(ctx, 1, []codegen.Artifact{art})
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	next, err := r.NextVersion(ctx)
	if err != nil {
		t.Fatalf("next version failed: %v", err)
	}
	again, err := r.Publish(ctx, next, []codegen.Artifact{art})
	if err != nil {
		t.Fatalf("republish failed: %v", err)
	}
	if !again.Unchanged || again.Version != first.Version || again.Checksum != first.Checksum {
		t.Errorf("expected unchanged result at v%d, got %+v", first.Version, again)
	}

	versions, err := r.Versions(ctx)
	if err != nil {
		t.Fatalf("versions failed: %v", err)
	}
	if len(versions) != 1 {
		t.Errorf("expected a single stored version, got %v", versions)
	}
}

// Retiring a hazard is a new version that omits it, not an edit of history.
func TestRollbackByOmission(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(NewMemoryStore())
	a := makeArtifact(t, "UCA-7", "data.age_seconds", ">", float64(30))
	b := makeArtifact(t, "UCA-2", "transfer.amount", ">=", float64(10000))
	acceptAll(t, r, a, b)

	if _, err := r.Publish(ctx, 1, []codegen.Artifact{a, b}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if _, err := r.Publish(ctx, 2, []codegen.Artifact{a}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	got, err := r.FetchLatest(ctx)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if got.Version != 2 || len(got.Artifacts) != 1 || got.Artifacts[0].HazardID != "UCA-7" {
		t.Errorf("expected v2 holding only UCA-7, got %+v", got)
	}

	prior, err := r.Bundle(ctx, 1)
	if err != nil {
		t.Fatalf("prior version should remain readable: %v", err)
	}
	if len(prior.Artifacts) != 2 {
		t.Errorf("expected v1 history intact with 2 artifacts, got %d", len(prior.Artifacts))
	}
}

func TestPublishRejectsNonNextVersion(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(NewMemoryStore())
	art := makeArtifact(t, "UCA-7", "data.age_seconds", ">", float64(30))
	acceptAll(t, r, art)

	if _, err := r.Publish(ctx, 5, []codegen.Artifact{art}); err == nil {
		t.Error("expected error for version skipping ahead")
	}
	if _, err := r.Publish(ctx, 0, []codegen.Artifact{art}); err == nil {
		t.Error("expected error for version 0")
	}
}

// corruptingStore serves a tampered copy of one version on re-fetch.
type corruptingStore struct {
	Store
	corruptVersion int64
}

func (s *corruptingStore) GetBundle(ctx context.Context, version int64) (*Bundle, error) {
	b, err := s.Store.GetBundle(ctx, version)
	if err != nil {
		return nil, err
	}
	if version == s.corruptVersion && len(b.Artifacts) > 0 {
		b.Artifacts[0].Checksum = "sha256:corrupted"
	}
	return b, nil
}

func TestSelfCheckFailureLeavesPriorCurrent(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryStore()
	art := makeArtifact(t, "UCA-7", "data.age_seconds", ">", float64(30))

	r := NewRegistry(inner)
	acceptAll(t, r, art)
	if _, err := r.Publish(ctx, 1, []codegen.Artifact{art}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	// Second publish lands in a store that corrupts version 2 on read.
	r2 := NewRegistry(&corruptingStore{Store: inner, corruptVersion: 2})
	b := makeArtifact(t, "UCA-2", "transfer.amount", ">=", float64(10000))
	acceptAll(t, r2, b)

	_, err := r2.Publish(ctx, 2, []codegen.Artifact{art, b})
	var pf *PublishFailureError
	if !errors.As(err, &pf) {
		t.Fatalf("expected PublishFailureError, got %v", err)
	}
	if pf.Version != 2 {
		t.Errorf("expected failure at v2, got v%d", pf.Version)
	}

	cv, err := inner.CurrentVersion(ctx)
	if err != nil {
		t.Fatalf("current version failed: %v", err)
	}
	if cv != 1 {
		t.Errorf("expected current to stay at v1 after failed publish, got v%d", cv)
	}

	// The failed publish consumed its version number.
	next, err := r.NextVersion(ctx)
	if err != nil {
		t.Fatalf("next version failed: %v", err)
	}
	if next != 3 {
		t.Errorf("expected next version 3, got %d", next)
	}
}

func TestFetchLatestEmpty(t *testing.T) {
	r := NewRegistry(NewMemoryStore())
	if _, err := r.FetchLatest(context.Background()); err != ErrNoBundle {
		t.Errorf("expected ErrNoBundle, got %v", err)
	}
}

func TestFetchLatestDetectsCorruption(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	b := testBundle(1)
	b.Checksum = "sha256:wrong"
	if err := store.PutBundle(ctx, b); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if err := store.SetCurrent(ctx, 1); err != nil {
		t.Fatalf("set current failed: %v", err)
	}

	r := NewRegistry(store)
	if _, err := r.FetchLatest(ctx); err == nil {
		t.Error("expected corruption error on fetch")
	}
}

func TestAggregateChecksumSensitivity(t *testing.T) {
	a := codegen.Artifact{Checksum: "sha256:aaa"}
	b := codegen.Artifact{Checksum: "sha256:bbb"}

	base := AggregateChecksum(1, []codegen.Artifact{a, b})
	if AggregateChecksum(1, []codegen.Artifact{a, b}) != base {
		t.Error("expected checksum to be deterministic")
	}
	if AggregateChecksum(2, []codegen.Artifact{a, b}) == base {
		t.Error("expected version to affect the checksum")
	}
	if AggregateChecksum(1, []codegen.Artifact{b, a}) == base {
		t.Error("expected member order to affect the checksum")
	}
	if !strings.HasPrefix(base, "sha256:") {
		t.Errorf("expected sha256 prefix, got %s", base)
	}
}

// Readers during a publish must see either the prior bundle or the new one,
// never a mixture.
func TestFetchDuringPublishSeesWholeBundles(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(NewMemoryStore())
	a := makeArtifact(t, "UCA-7", "data.age_seconds", ">", float64(30))
	b := makeArtifact(t, "UCA-2", "transfer.amount", ">=", float64(10000))
	acceptAll(t, r, a, b)

	if _, err := r.Publish(ctx, 1, []codegen.Artifact{a}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				got, err := r.FetchLatest(ctx)
				if err != nil {
					errs <- err
					return
				}
				if want := AggregateChecksum(got.Version, got.Artifacts); want != got.Checksum {
					errs <- errors.New("observed a torn bundle")
					return
				}
				if len(got.Artifacts) != 1 && len(got.Artifacts) != 2 {
					errs <- errors.New("observed a partial artifact set")
					return
				}
			}
		}()
	}

	if _, err := r.Publish(ctx, 2, []codegen.Artifact{a, b}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}
