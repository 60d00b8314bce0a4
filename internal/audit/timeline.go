package audit

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const separator = "──────────────────────────────────────────────────────────────────"

// FormatTimeline renders a QueryResult as a human-readable text timeline.
func FormatTimeline(result *QueryResult) string {
	if len(result.Entries) == 0 {
		return "No decisions found.\n"
	}

	var b strings.Builder

	first := formatDateRange(result.Summary.FirstTimestamp)
	last := formatTimeOnly(result.Summary.LastTimestamp)
	b.WriteString(fmt.Sprintf("Decisions: %d | %s–%s UTC\n", result.Summary.Total, first, last))
	b.WriteString(separator + "\n")

	for _, e := range result.Entries {
		ts := formatTimeOnly(e.Timestamp)
		outcome := strings.ToUpper(e.Outcome)
		action := truncate(e.Action.Name, 20)
		hazards := truncate(strings.Join(e.Hazards, ","), 24)

		tag := ""
		if e.EngineChecked {
			tag = "  [engine]"
		}
		if e.Fault != "" {
			tag += "  [fault]"
		}

		b.WriteString(fmt.Sprintf("%-10s %-14s %-20s %-24s%s\n",
			ts, outcome, action, hazards, tag))
	}

	b.WriteString(separator + "\n")
	b.WriteString(formatSummary(result.Summary))

	return b.String()
}

// FormatJSON renders a QueryResult as indented JSON.
func FormatJSON(result *QueryResult) (string, error) {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal query result: %w", err)
	}
	return string(data), nil
}

func formatDateRange(ts string) string {
	t, err := time.Parse(TimestampFormat, ts)
	if err != nil {
		return ts
	}
	return t.Format("2006-01-02 15:04:05")
}

func formatTimeOnly(ts string) string {
	t, err := time.Parse(TimestampFormat, ts)
	if err != nil {
		return ts
	}
	return t.Format("15:04:05")
}

func formatSummary(s Summary) string {
	parts := []string{}
	if s.AllowCount > 0 {
		parts = append(parts, fmt.Sprintf("%d allow", s.AllowCount))
	}
	if s.DenyCount > 0 {
		parts = append(parts, fmt.Sprintf("%d deny", s.DenyCount))
	}
	if s.ReviewCount > 0 {
		parts = append(parts, fmt.Sprintf("%d manual-review", s.ReviewCount))
	}
	if len(parts) == 0 {
		parts = append(parts, "0 decisions")
	}

	return fmt.Sprintf("Summary: %s | engine checks: %d | faults: %d\n",
		strings.Join(parts, ", "), s.EngineChecks, s.Faults)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
