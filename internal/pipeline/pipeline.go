// Package pipeline is the orchestrator that turns hazard specs into published
// policy bundles. Specs arrive as JSON objects in an inbox backed by the spec
// object store; each one is parsed against the observable catalog, rendered
// into enforcement artifacts, judged by back-translation, and, on acceptance,
// merged into a new bundle version. A per-spec result lands in the outbox for
// the spec author. The orchestrator is the registry's only writer; it runs
// out-of-band and never touches the enforcement hot path.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/guardsmith/guardsmith/internal/bundle"
	"github.com/guardsmith/guardsmith/internal/catalog"
	"github.com/guardsmith/guardsmith/internal/codegen"
	"github.com/guardsmith/guardsmith/internal/hazard"
	"github.com/guardsmith/guardsmith/internal/judge"
	"github.com/guardsmith/guardsmith/internal/objstore"
)

// Config holds the orchestrator's directory layout and watch behavior.
type Config struct {
	// Inbox is the directory watched for new spec objects. It must be the
	// spec store's root so that event refs resolve through the store.
	Inbox string
	// Outbox receives per-spec ingest results. Empty disables result files.
	Outbox string
	// PIDFile guards against duplicate orchestrator instances. Empty
	// disables the lock.
	PIDFile string
	// PollMode switches the watcher from fsnotify to directory polling.
	PollMode     bool
	PollInterval time.Duration
}

// Orchestrator drives Parser → Generator → Judge → Registry for each spec.
type Orchestrator struct {
	specs objstore.Store
	cat   *catalog.Catalog
	gen   *codegen.Generator
	judge *judge.Judge
	reg   *bundle.Registry
	cfg   Config

	// pubMu serializes the fetch-merge-publish section so concurrent
	// ingests cannot lose each other's artifacts.
	pubMu sync.Mutex
}

// New creates an orchestrator over a spec store and a bundle registry.
func New(specs objstore.Store, cat *catalog.Catalog, j *judge.Judge, reg *bundle.Registry, cfg Config) (*Orchestrator, error) {
	if specs == nil || cat == nil || j == nil || reg == nil {
		return nil, fmt.Errorf("orchestrator needs a spec store, catalog, judge, and registry")
	}
	gen, err := codegen.NewGenerator()
	if err != nil {
		return nil, err
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = pollDefault
	}
	return &Orchestrator{specs: specs, cat: cat, gen: gen, judge: j, reg: reg, cfg: cfg}, nil
}

// OnNewSpec ingests one spec object end to end and reports what happened.
// Spec authoring defects land in the result with their rationale; the error
// return is reserved for infrastructure failures (store, registry, judge
// invariants), which leave no result behind.
func (o *Orchestrator) OnNewSpec(ctx context.Context, ref string) (*IngestResult, error) {
	res, err := o.ingest(ctx, ref)
	if err != nil {
		return nil, err
	}
	if o.cfg.Outbox != "" {
		if werr := writeResult(o.cfg.Outbox, res); werr != nil {
			fmt.Fprintf(os.Stderr, "pipeline: write result for %s: %v\n", ref, werr)
		}
	}
	return res, nil
}

func (o *Orchestrator) ingest(ctx context.Context, ref string) (*IngestResult, error) {
	obj, err := o.specs.Get(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("fetch spec %s: %w", ref, err)
	}

	var spec hazard.Spec
	if err := json.Unmarshal(obj.Data, &spec); err != nil {
		return newResult(ref, "", StatusParseError, fmt.Sprintf("invalid JSON: %v", err)), nil
	}

	constraint, err := hazard.Parse(&spec, o.cat)
	if err != nil {
		return newResult(ref, spec.ID, StatusParseError, err.Error()), nil
	}

	art, err := o.gen.Generate(constraint)
	if err != nil {
		return newResult(ref, spec.ID, StatusUnsupported, err.Error()), nil
	}

	// An artifact already serving in the current bundle needs no re-judging;
	// re-ingesting the same spec version is a no-op.
	cur, err := o.reg.FetchLatest(ctx)
	switch {
	case err == nil:
		if bundleHas(cur, art.Checksum) {
			res := newResult(ref, spec.ID, StatusDuplicate,
				fmt.Sprintf("artifact already active in bundle v%d", cur.Version))
			res.Checksum = art.Checksum
			res.BundleVersion = cur.Version
			return res, nil
		}
	case errors.Is(err, bundle.ErrNoBundle):
	default:
		return nil, fmt.Errorf("read current bundle: %w", err)
	}

	verdict, err := o.judge.Verify(ctx, &spec, art)
	if err != nil {
		return nil, fmt.Errorf("judge %s: %w", spec.ID, err)
	}
	if _, err := o.reg.RecordVerdict(ctx, verdict); err != nil {
		return nil, fmt.Errorf("record verdict for %s: %w", spec.ID, err)
	}
	if !verdict.Accept {
		res := newResult(ref, spec.ID, StatusRejected, verdict.Rationale)
		res.Checksum = art.Checksum
		return res, nil
	}

	return o.publishAccepted(ctx, ref, art)
}

// publishAccepted merges one accepted artifact into the current artifact set
// and publishes the result as a new bundle version.
func (o *Orchestrator) publishAccepted(ctx context.Context, ref string, art *codegen.Artifact) (*IngestResult, error) {
	o.pubMu.Lock()
	defer o.pubMu.Unlock()

	var current []codegen.Artifact
	var curVersion int64
	cur, err := o.reg.FetchLatest(ctx)
	switch {
	case err == nil:
		current = cur.Artifacts
		curVersion = cur.Version
	case errors.Is(err, bundle.ErrNoBundle):
	default:
		return nil, fmt.Errorf("read current bundle: %w", err)
	}

	merged, changed := mergeArtifact(current, *art)
	if !changed {
		res := newResult(ref, art.HazardID, StatusDuplicate,
			fmt.Sprintf("artifact already active in bundle v%d", curVersion))
		res.Checksum = art.Checksum
		res.BundleVersion = curVersion
		return res, nil
	}

	next, err := o.reg.NextVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("allocate bundle version: %w", err)
	}
	pr, err := o.reg.Publish(ctx, next, merged)
	if err != nil {
		return nil, fmt.Errorf("publish bundle v%d: %w", next, err)
	}

	res := newResult(ref, art.HazardID, StatusPublished,
		fmt.Sprintf("artifact active in bundle v%d (%d artifacts)", pr.Version, pr.Artifacts))
	res.Checksum = art.Checksum
	res.BundleVersion = pr.Version
	return res, nil
}

// mergeArtifact folds one artifact into the current set. The same checksum is
// a no-op; the same hazard with a different checksum is a supersession and
// replaces in place; a new hazard appends.
func mergeArtifact(current []codegen.Artifact, art codegen.Artifact) ([]codegen.Artifact, bool) {
	merged := make([]codegen.Artifact, len(current))
	copy(merged, current)
	for i := range merged {
		if merged[i].Checksum == art.Checksum {
			return merged, false
		}
		if merged[i].HazardID == art.HazardID {
			merged[i] = art
			return merged, true
		}
	}
	return append(merged, art), true
}

func bundleHas(b *bundle.Bundle, checksum string) bool {
	for i := range b.Artifacts {
		if b.Artifacts[i].Checksum == checksum {
			return true
		}
	}
	return false
}
