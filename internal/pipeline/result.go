package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// IngestStatus classifies the outcome of one spec ingest.
type IngestStatus string

const (
	StatusPublished   IngestStatus = "published"
	StatusRejected    IngestStatus = "rejected"
	StatusUnsupported IngestStatus = "unsupported"
	StatusParseError  IngestStatus = "parse_error"
	StatusDuplicate   IngestStatus = "duplicate"
)

// IngestResult is written to the outbox after a spec is processed. The
// rationale is for the spec author; action initiators never see it.
type IngestResult struct {
	Ref           string       `json:"ref"`
	HazardID      string       `json:"hazard_id,omitempty"`
	Status        IngestStatus `json:"status"`
	Rationale     string       `json:"rationale,omitempty"`
	Checksum      string       `json:"checksum,omitempty"`
	BundleVersion int64        `json:"bundle_version,omitempty"`
	CompletedAt   time.Time    `json:"completed_at"`
}

func newResult(ref, hazardID string, status IngestStatus, rationale string) *IngestResult {
	return &IngestResult{
		Ref:         ref,
		HazardID:    hazardID,
		Status:      status,
		Rationale:   rationale,
		CompletedAt: time.Now().UTC(),
	}
}

// writeResult writes a result to the outbox directory atomically. A re-ingest
// of the same ref overwrites the previous result; the latest one stands.
func writeResult(outbox string, r *IngestResult) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	final := filepath.Join(outbox, resultName(r.Ref))
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write temp: %w", err)
	}
	return os.Rename(tmp, final)
}

// resultName flattens a ref into a single outbox filename.
func resultName(ref string) string {
	name := strings.ReplaceAll(ref, "/", "__")
	if !strings.HasSuffix(name, ".json") {
		name += ".json"
	}
	return name
}
