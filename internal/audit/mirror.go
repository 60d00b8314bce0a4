package audit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	mirrorTimeout = 5 * time.Second
	mirrorRetries = 3
)

var mirrorClient = &http.Client{Timeout: mirrorTimeout}

// MirrorConfig defines an operator webhook that receives decision entries.
type MirrorConfig struct {
	URL     string            `yaml:"url"     json:"url"`
	Format  string            `yaml:"format"  json:"format"` // "generic" or "slack"
	Events  []string          `yaml:"events"  json:"events"` // outcomes to mirror; empty = deny + manual_review
	Headers map[string]string `yaml:"headers" json:"headers"`
}

// Mirror fans decision entries out to matching webhook configurations.
type Mirror struct {
	configs []MirrorConfig
}

// NewMirror creates a Mirror from webhook configurations.
// Returns nil if configs is empty (callers should nil-check).
func NewMirror(configs []MirrorConfig) *Mirror {
	if len(configs) == 0 {
		return nil
	}
	return &Mirror{configs: configs}
}

// Dispatch sends the entry to all webhooks whose Events list matches its
// outcome. Fires goroutines — never blocks the caller.
func (m *Mirror) Dispatch(entry Entry) {
	for _, cfg := range m.configs {
		if mirrorMatches(cfg.Events, entry.Outcome) {
			go Send(cfg, entry)
		}
	}
}

// mirrorMatches reports whether the outcome is in the events list.
// An empty list mirrors only deny and manual_review.
func mirrorMatches(events []string, outcome string) bool {
	if len(events) == 0 {
		return outcome == OutcomeDeny || outcome == OutcomeReview
	}
	for _, e := range events {
		if e == outcome {
			return true
		}
	}
	return false
}

// Send posts a decision entry to a webhook endpoint with retry on 5xx.
func Send(cfg MirrorConfig, entry Entry) error {
	body, err := mirrorPayload(cfg.Format, entry)
	if err != nil {
		return fmt.Errorf("format payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < mirrorRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * time.Second)
		}

		req, err := http.NewRequest(http.MethodPost, cfg.URL, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range cfg.Headers {
			req.Header.Set(k, v)
		}

		resp, err := mirrorClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return fmt.Errorf("webhook rejected: HTTP %d", resp.StatusCode)
		}
		// 5xx — retry
		lastErr = fmt.Errorf("webhook server error: HTTP %d", resp.StatusCode)
	}

	return fmt.Errorf("webhook failed after %d attempts: %w", mirrorRetries, lastErr)
}

// mirrorPayload builds the webhook body for the given format.
func mirrorPayload(format string, entry Entry) ([]byte, error) {
	if format == "slack" {
		return formatSlack(entry)
	}
	return json.Marshal(entry)
}

func formatSlack(entry Entry) ([]byte, error) {
	hazards := "none"
	if len(entry.Hazards) > 0 {
		hazards = strings.Join(entry.Hazards, ", ")
	}

	payload := map[string]any{
		"blocks": []any{
			map[string]any{
				"type": "header",
				"text": map[string]any{
					"type": "plain_text",
					"text": fmt.Sprintf("guardsmith: %s", entry.Outcome),
				},
			},
			map[string]any{
				"type": "section",
				"fields": []any{
					map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Action:* %s", entry.Action.Name)},
					map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Hazards:* %s", hazards)},
					map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Bundle:* v%d", entry.BundleVersion)},
					map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Reason:* %s", entry.Reason)},
				},
			},
		},
	}
	return json.Marshal(payload)
}
