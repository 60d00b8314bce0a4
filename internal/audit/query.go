package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Filter holds selection criteria for reading back decision entries.
type Filter struct {
	Action  string    // exact action name; empty matches all
	Outcome string    // allow, deny, manual_review; empty matches all
	Since   time.Time // zero value = no lower bound
	Until   time.Time // zero value = no upper bound
}

// Summary holds outcome counts and metadata for a set of decisions.
type Summary struct {
	Total          int            `json:"total"`
	AllowCount     int            `json:"allow_count"`
	DenyCount      int            `json:"deny_count"`
	ReviewCount    int            `json:"review_count"`
	EngineChecks   int            `json:"engine_checks"`
	Faults         int            `json:"faults"`
	FirstTimestamp string         `json:"first_timestamp"`
	LastTimestamp  string         `json:"last_timestamp"`
	HazardHits     map[string]int `json:"hazard_hits,omitempty"`
}

// QueryResult holds filtered entries and their summary.
type QueryResult struct {
	Entries []Entry `json:"entries"`
	Summary Summary `json:"summary"`
}

// Query reads the decision log and returns entries matching the filter.
func Query(path string, filter Filter) (*QueryResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open decision log: %w", err)
	}
	defer f.Close()

	result := &QueryResult{}

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var entry Entry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue // skip malformed lines
		}

		if filter.Action != "" && entry.Action.Name != filter.Action {
			continue
		}
		if filter.Outcome != "" && entry.Outcome != filter.Outcome {
			continue
		}

		if !filter.Since.IsZero() || !filter.Until.IsZero() {
			ts, err := time.Parse(TimestampFormat, entry.Timestamp)
			if err != nil {
				continue // skip unparseable timestamps
			}
			if !filter.Since.IsZero() && ts.Before(filter.Since) {
				continue
			}
			if !filter.Until.IsZero() && ts.After(filter.Until) {
				continue
			}
		}

		result.Entries = append(result.Entries, entry)
		updateSummary(&result.Summary, entry)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read decision log: %w", err)
	}

	return result, nil
}

func updateSummary(s *Summary, entry Entry) {
	s.Total++

	switch entry.Outcome {
	case OutcomeAllow:
		s.AllowCount++
	case OutcomeDeny:
		s.DenyCount++
	case OutcomeReview:
		s.ReviewCount++
	}

	if entry.EngineChecked {
		s.EngineChecks++
	}
	if entry.Fault != "" {
		s.Faults++
	}

	for _, h := range entry.Hazards {
		if s.HazardHits == nil {
			s.HazardHits = make(map[string]int)
		}
		s.HazardHits[h]++
	}

	if s.FirstTimestamp == "" {
		s.FirstTimestamp = entry.Timestamp
	}
	s.LastTimestamp = entry.Timestamp
}
