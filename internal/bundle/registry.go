package bundle

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/guardsmith/guardsmith/internal/codegen"
	"github.com/guardsmith/guardsmith/internal/judge"
)

// Registry wraps a Store with the publish protocol: verdict gating, atomic
// version allocation, and the post-publish self-check. Reads go straight to
// the store; the mutex only serializes writers.
type Registry struct {
	store Store
	mu    sync.Mutex
}

// NewRegistry builds a registry over a store.
func NewRegistry(store Store) *Registry {
	return &Registry{store: store}
}

// PublishResult reports what a publish call did.
type PublishResult struct {
	Version   int64  `json:"version"`
	Checksum  string `json:"checksum"`
	Artifacts int    `json:"artifacts"`
	// Unchanged is set when the artifact set already matches the current
	// bundle; no new version is written.
	Unchanged bool `json:"unchanged,omitempty"`
}

// NextVersion returns the version a subsequent publish should use. Failed
// publishes consume versions, so this is max stored + 1, not current + 1.
func (r *Registry) NextVersion(ctx context.Context) (int64, error) {
	versions, err := r.store.Versions(ctx)
	if err != nil {
		return 0, err
	}
	var max int64
	for _, v := range versions {
		if v > max {
			max = v
		}
	}
	return max + 1, nil
}

// Publish writes a new bundle version. Every artifact must carry an accepting
// latest verdict; an identical artifact set returns the current version
// unchanged; the written bundle is re-fetched and checksum-compared before
// the current pointer moves. Any failure after the write leaves the prior
// current version serving.
func (r *Registry) Publish(ctx context.Context, version int64, artifacts []codegen.Artifact) (*PublishResult, error) {
	if len(artifacts) == 0 {
		return nil, fmt.Errorf("refusing to publish an empty bundle")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	sorted := make([]codegen.Artifact, len(artifacts))
	copy(sorted, artifacts)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key() < sorted[j].Key() })

	for i := range sorted {
		a := &sorted[i]
		v, err := r.store.LatestVerdict(ctx, a.Checksum)
		if err != nil {
			return nil, fmt.Errorf("verdict lookup for %s: %w", a.Checksum, err)
		}
		if v == nil {
			return nil, &IncompleteVerificationError{
				HazardID:         a.HazardID,
				ArtifactChecksum: a.Checksum,
				Reason:           "no verdict recorded",
			}
		}
		if !v.Accept {
			return nil, &IncompleteVerificationError{
				HazardID:         a.HazardID,
				ArtifactChecksum: a.Checksum,
				Reason:           "latest verdict is reject: " + v.Rationale,
			}
		}
	}

	cur, err := r.currentLocked(ctx)
	if err != nil {
		return nil, err
	}
	if cur != nil && sameArtifactSet(cur.Artifacts, sorted) {
		return &PublishResult{
			Version:   cur.Version,
			Checksum:  cur.Checksum,
			Artifacts: len(cur.Artifacts),
			Unchanged: true,
		}, nil
	}

	next, err := r.NextVersion(ctx)
	if err != nil {
		return nil, err
	}
	if version != next {
		return nil, fmt.Errorf("version %d is not next (want %d)", version, next)
	}

	b := &Bundle{
		Version:     version,
		Artifacts:   sorted,
		Checksum:    AggregateChecksum(version, sorted),
		PublishedAt: time.Now().UTC(),
	}
	if err := r.store.PutBundle(ctx, b); err != nil {
		return nil, fmt.Errorf("write bundle v%d: %w", version, err)
	}

	// Self-check: trust only what the store hands back.
	got, err := r.store.GetBundle(ctx, version)
	if err != nil {
		return nil, &PublishFailureError{Version: version, Detail: fmt.Sprintf("re-fetch failed: %v", err)}
	}
	recomputed := AggregateChecksum(got.Version, got.Artifacts)
	if recomputed != b.Checksum || got.Checksum != b.Checksum {
		return nil, &PublishFailureError{
			Version: version,
			Detail:  fmt.Sprintf("stored %s, recomputed %s, expected %s", got.Checksum, recomputed, b.Checksum),
		}
	}

	if err := r.store.SetCurrent(ctx, version); err != nil {
		return nil, &PublishFailureError{Version: version, Detail: fmt.Sprintf("current pointer: %v", err)}
	}

	return &PublishResult{Version: version, Checksum: b.Checksum, Artifacts: len(sorted)}, nil
}

// FetchLatest returns the current bundle, verifying its aggregate checksum on
// the way out. A store serving corrupted content is an error, not a bundle.
func (r *Registry) FetchLatest(ctx context.Context) (*Bundle, error) {
	cv, err := r.store.CurrentVersion(ctx)
	if err != nil {
		return nil, err
	}
	if cv == 0 {
		return nil, ErrNoBundle
	}
	b, err := r.store.GetBundle(ctx, cv)
	if err != nil {
		return nil, err
	}
	if got := AggregateChecksum(b.Version, b.Artifacts); got != b.Checksum {
		return nil, fmt.Errorf("bundle v%d corrupt: stored %s, recomputed %s", b.Version, b.Checksum, got)
	}
	return b, nil
}

// Bundle returns one stored version, current or not.
func (r *Registry) Bundle(ctx context.Context, version int64) (*Bundle, error) {
	return r.store.GetBundle(ctx, version)
}

// Versions lists every stored version in ascending order.
func (r *Registry) Versions(ctx context.Context) ([]int64, error) {
	versions, err := r.store.Versions(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	return versions, nil
}

// RecordVerdict appends a verdict and returns its sequence number. Verdicts
// are never overwritten; a re-judged artifact gets a new row.
func (r *Registry) RecordVerdict(ctx context.Context, v *judge.Verdict) (int64, error) {
	if v == nil {
		return 0, fmt.Errorf("nil verdict")
	}
	return r.store.AppendVerdict(ctx, v)
}

// LatestVerdict returns the most recently appended verdict for an artifact,
// or nil when it was never judged.
func (r *Registry) LatestVerdict(ctx context.Context, artifactChecksum string) (*judge.Verdict, error) {
	return r.store.LatestVerdict(ctx, artifactChecksum)
}

// VerdictHistory returns every verdict for an artifact in append order.
func (r *Registry) VerdictHistory(ctx context.Context, artifactChecksum string) ([]VerdictRecord, error) {
	return r.store.ListVerdicts(ctx, artifactChecksum)
}

func (r *Registry) currentLocked(ctx context.Context) (*Bundle, error) {
	cv, err := r.store.CurrentVersion(ctx)
	if err != nil {
		return nil, err
	}
	if cv == 0 {
		return nil, nil
	}
	return r.store.GetBundle(ctx, cv)
}

func sameArtifactSet(a, b []codegen.Artifact) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Checksum != b[i].Checksum {
			return false
		}
	}
	return true
}
