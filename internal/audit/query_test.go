package audit

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeQueryFixture(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "decisions.jsonl")
	l, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	base := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	entries := []Entry{
		{Timestamp: base.Format(TimestampFormat), InvocationID: "inv-001", Action: ActionRef{Name: "submit_order", Class: "trade"}, Outcome: OutcomeAllow, BundleVersion: 1},
		{Timestamp: base.Add(2 * time.Second).Format(TimestampFormat), InvocationID: "inv-002", Action: ActionRef{Name: "submit_order", Class: "trade"}, Outcome: OutcomeDeny, Reason: "matched UCA-7 (bundle v1)", Hazards: []string{"UCA-7"}, BundleVersion: 1},
		{Timestamp: base.Add(4 * time.Second).Format(TimestampFormat), InvocationID: "inv-003", Action: ActionRef{Name: "transfer_funds", Class: "transfer"}, Outcome: OutcomeReview, Hazards: []string{"UCA-2"}, BundleVersion: 1, EngineChecked: true},
		{Timestamp: base.Add(6 * time.Second).Format(TimestampFormat), InvocationID: "inv-004", Action: ActionRef{Name: "submit_order", Class: "trade"}, Outcome: OutcomeDeny, Reason: "guard fault", Fault: "runtime error: index out of range", BundleVersion: 1},
		{Timestamp: base.Add(8 * time.Second).Format(TimestampFormat), InvocationID: "inv-005", Action: ActionRef{Name: "transfer_funds", Class: "transfer"}, Outcome: OutcomeAllow, BundleVersion: 2, EngineChecked: true},
	}
	for i, e := range entries {
		if err := l.Record(e); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}
	return path
}

func TestQuerySummarizesAllEntries(t *testing.T) {
	path := writeQueryFixture(t)

	result, err := Query(path, Filter{})
	if err != nil {
		t.Fatal(err)
	}

	s := result.Summary
	if s.Total != 5 {
		t.Fatalf("expected 5 entries, got %d", s.Total)
	}
	if s.AllowCount != 2 || s.DenyCount != 2 || s.ReviewCount != 1 {
		t.Errorf("expected 2 allow / 2 deny / 1 review, got %d/%d/%d", s.AllowCount, s.DenyCount, s.ReviewCount)
	}
	if s.EngineChecks != 2 {
		t.Errorf("expected 2 engine checks, got %d", s.EngineChecks)
	}
	if s.Faults != 1 {
		t.Errorf("expected 1 fault, got %d", s.Faults)
	}
	if s.HazardHits["UCA-7"] != 1 || s.HazardHits["UCA-2"] != 1 {
		t.Errorf("unexpected hazard hits: %v", s.HazardHits)
	}
	if s.FirstTimestamp != "2026-03-10T14:00:00.000Z" {
		t.Errorf("unexpected first timestamp: %s", s.FirstTimestamp)
	}
	if s.LastTimestamp != "2026-03-10T14:00:08.000Z" {
		t.Errorf("unexpected last timestamp: %s", s.LastTimestamp)
	}
}

func TestQueryFiltersByAction(t *testing.T) {
	path := writeQueryFixture(t)

	result, err := Query(path, Filter{Action: "transfer_funds"})
	if err != nil {
		t.Fatal(err)
	}

	if len(result.Entries) != 2 {
		t.Fatalf("expected 2 transfer_funds entries, got %d", len(result.Entries))
	}
	for _, e := range result.Entries {
		if e.Action.Name != "transfer_funds" {
			t.Errorf("unexpected action %s", e.Action.Name)
		}
	}
}

func TestQueryFiltersByOutcome(t *testing.T) {
	path := writeQueryFixture(t)

	result, err := Query(path, Filter{Outcome: OutcomeDeny})
	if err != nil {
		t.Fatal(err)
	}

	if len(result.Entries) != 2 {
		t.Fatalf("expected 2 deny entries, got %d", len(result.Entries))
	}
	if result.Summary.DenyCount != 2 || result.Summary.AllowCount != 0 {
		t.Errorf("summary should count only filtered entries: %+v", result.Summary)
	}
}

func TestQueryTimeRange(t *testing.T) {
	path := writeQueryFixture(t)

	base := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	result, err := Query(path, Filter{
		Since: base.Add(1 * time.Second),
		Until: base.Add(5 * time.Second),
	})
	if err != nil {
		t.Fatal(err)
	}

	if len(result.Entries) != 2 {
		t.Fatalf("expected 2 entries in window, got %d", len(result.Entries))
	}
	if result.Entries[0].InvocationID != "inv-002" || result.Entries[1].InvocationID != "inv-003" {
		t.Errorf("unexpected entries in window: %s, %s",
			result.Entries[0].InvocationID, result.Entries[1].InvocationID)
	}
}

func TestQuerySkipsMalformedLines(t *testing.T) {
	path := writeQueryFixture(t)

	// Append garbage; Query should ignore it rather than fail.
	l, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	l.file.WriteString("not json\n")
	l.Close()

	result, err := Query(path, Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if result.Summary.Total != 5 {
		t.Fatalf("expected 5 parseable entries, got %d", result.Summary.Total)
	}
}

func TestFormatTimelineRendersDecisions(t *testing.T) {
	path := writeQueryFixture(t)

	result, err := Query(path, Filter{})
	if err != nil {
		t.Fatal(err)
	}

	out := FormatTimeline(result)

	for _, want := range []string{"Decisions: 5", "DENY", "MANUAL_REVIEW", "submit_order", "UCA-7", "[engine]", "[fault]", "Summary: 2 allow, 2 deny, 1 manual-review"} {
		if !strings.Contains(out, want) {
			t.Errorf("timeline missing %q:\n%s", want, out)
		}
	}
}

func TestFormatTimelineEmpty(t *testing.T) {
	out := FormatTimeline(&QueryResult{})
	if !strings.Contains(out, "No decisions found") {
		t.Errorf("unexpected empty rendering: %q", out)
	}
}

func TestFormatJSONRoundTrips(t *testing.T) {
	path := writeQueryFixture(t)

	result, err := Query(path, Filter{Outcome: OutcomeReview})
	if err != nil {
		t.Fatal(err)
	}

	text, err := FormatJSON(result)
	if err != nil {
		t.Fatal(err)
	}

	var parsed QueryResult
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		t.Fatalf("formatted output is not valid JSON: %v", err)
	}
	if parsed.Summary.ReviewCount != 1 {
		t.Errorf("expected 1 review in formatted output, got %d", parsed.Summary.ReviewCount)
	}
}
