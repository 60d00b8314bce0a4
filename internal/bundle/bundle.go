// Package bundle is the versioned registry of verified enforcement artifacts.
// Bundles are append-only and content-addressed by version. "Current" is the
// highest version that survived its post-publish self-check; a failed publish
// leaves the prior current version serving.
package bundle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/guardsmith/guardsmith/internal/codegen"
	"github.com/guardsmith/guardsmith/internal/judge"
)

// Bundle is one published set of enforcement artifacts. Artifacts are held in
// hazard-key order so the aggregate checksum is reproducible.
type Bundle struct {
	Version     int64              `json:"version"`
	Artifacts   []codegen.Artifact `json:"artifacts"`
	Checksum    string             `json:"checksum"`
	PublishedAt time.Time          `json:"published_at"`
}

// AggregateChecksum covers the version and every member checksum in bundle
// order. The publish timestamp is metadata and stays outside the hash.
func AggregateChecksum(version int64, artifacts []codegen.Artifact) string {
	h := sha256.New()
	_, _ = io.WriteString(h, strconv.FormatInt(version, 10))
	for _, a := range artifacts {
		_, _ = io.WriteString(h, "\n")
		_, _ = io.WriteString(h, a.Checksum)
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}

// VerdictRecord is one appended verdict with its assignment order. Sequence
// numbers are monotonic per store; "latest" is decided by sequence, not by
// wall clock.
type VerdictRecord struct {
	Seq int64 `json:"seq"`
	judge.Verdict
}

// Store is the persistence surface behind the registry. Bundles are
// put-if-absent; verdicts are append-only.
type Store interface {
	PutBundle(ctx context.Context, b *Bundle) error
	GetBundle(ctx context.Context, version int64) (*Bundle, error)
	SetCurrent(ctx context.Context, version int64) error
	// CurrentVersion returns 0 when nothing has been published.
	CurrentVersion(ctx context.Context) (int64, error)
	Versions(ctx context.Context) ([]int64, error)

	AppendVerdict(ctx context.Context, v *judge.Verdict) (int64, error)
	// LatestVerdict returns nil when no verdict exists for the checksum.
	LatestVerdict(ctx context.Context, artifactChecksum string) (*judge.Verdict, error)
	ListVerdicts(ctx context.Context, artifactChecksum string) ([]VerdictRecord, error)
}

var (
	// ErrNotFound reports a version absent from the store.
	ErrNotFound = errors.New("bundle not found")
	// ErrVersionExists reports a put-if-absent collision.
	ErrVersionExists = errors.New("bundle version already stored")
	// ErrNoBundle reports that nothing has been published yet.
	ErrNoBundle = errors.New("no current bundle")
)

// IncompleteVerificationError blocks a publish that includes an artifact
// whose latest verdict is missing or a reject.
type IncompleteVerificationError struct {
	HazardID         string
	ArtifactChecksum string
	Reason           string
}

func (e *IncompleteVerificationError) Error() string {
	return fmt.Sprintf("incomplete verification for %s (%s): %s", e.HazardID, e.ArtifactChecksum, e.Reason)
}

// PublishFailureError reports a failed post-publish self-check. The prior
// current version remains in effect.
type PublishFailureError struct {
	Version int64
	Detail  string
}

func (e *PublishFailureError) Error() string {
	return fmt.Sprintf("publish of bundle v%d failed self-check: %s", e.Version, e.Detail)
}
