package audit

// TimestampFormat is the layout used in decision entry timestamps.
const TimestampFormat = "2006-01-02T15:04:05.000Z"

// Outcome strings recorded in decision entries. These are the audit-facing
// spellings; the engine wire protocol uses its own upper-case decision set.
const (
	OutcomeAllow  = "allow"
	OutcomeDeny   = "deny"
	OutcomeReview = "manual_review"
)

// ActionRef identifies the sensitive action a decision was made for.
type ActionRef struct {
	Name  string `json:"name"`
	Class string `json:"class,omitempty"`
}

// Entry is one enforcement decision: a single line in the hash-chained JSONL
// audit log. Write-once, read-many. The Input snapshot is pre-rendered to
// strings (secrets already redacted); map keys marshal in sorted order, and
// the chain hashes the literal line bytes, so entries stay reproducible.
type Entry struct {
	Timestamp      string            `json:"ts"`
	InvocationID   string            `json:"invocation_id"`
	Action         ActionRef         `json:"action"`
	Outcome        string            `json:"outcome"`
	Reason         string            `json:"reason,omitempty"`
	Hazards        []string          `json:"hazards,omitempty"`
	BundleVersion  int64             `json:"bundle_version"`
	BundleChecksum string            `json:"bundle_checksum,omitempty"`
	EngineChecked  bool              `json:"engine_checked"`
	Fault          string            `json:"fault,omitempty"`
	Input          map[string]string `json:"input,omitempty"`
	PrevHash       string            `json:"prev_hash"`
}
