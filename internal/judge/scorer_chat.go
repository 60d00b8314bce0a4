package judge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ChatScorerConfig holds parameters for scoring via an OpenAI-compatible
// chat completions endpoint (local or hosted).
type ChatScorerConfig struct {
	APIURL    string
	APIKey    string
	Model     string
	MaxTokens int
	Timeout   time.Duration
}

// ChatScorer asks an LLM to rate semantic equivalence of two statements.
type ChatScorer struct {
	cfg    ChatScorerConfig
	client *http.Client
}

// NewChatScorer builds a scorer with defaults applied.
func NewChatScorer(cfg ChatScorerConfig) *ChatScorer {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 300
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &ChatScorer{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Name identifies the scorer in verdicts.
func (s *ChatScorer) Name() string { return "chat/" + s.cfg.Model }

const scoreSystemPrompt = `You compare two descriptions of an enforcement condition and rate whether they demand the same thing.

Focus on three aspects:
- the quantity or value being constrained
- the comparison direction, including strict vs inclusive bounds
- the threshold value or allowed set

A bound that is off by inclusivity ("more than 30" vs "30 or more") is NOT equivalent. A reworded but logically identical condition IS equivalent.

Return ONLY valid JSON, no markdown fences, no commentary:
{"score":<0.0-1.0>,"rationale":"<one sentence>"}

1.0 means logically identical, 0.0 means unrelated or contradictory.`

// scoreResponse is the expected JSON from the LLM.
type scoreResponse struct {
	Score     float64 `json:"score"`
	Rationale string  `json:"rationale"`
}

// Score submits both statements and parses the numeric rating.
func (s *ChatScorer) Score(ctx context.Context, textA, textB string) (float64, error) {
	user := fmt.Sprintf("Statement A:\n%s\n\nStatement B:\n%s", textA, textB)

	messages := []map[string]string{
		{"role": "system", "content": scoreSystemPrompt},
		{"role": "user", "content": user},
	}

	body, _ := json.Marshal(map[string]interface{}{
		"model":       s.cfg.Model,
		"messages":    messages,
		"max_tokens":  s.cfg.MaxTokens,
		"temperature": 0,
	})

	req, err := http.NewRequestWithContext(ctx, "POST", s.cfg.APIURL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	if s.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("score request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("score HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil || len(result.Choices) == 0 {
		return 0, fmt.Errorf("empty score response")
	}

	raw := strings.TrimSpace(result.Choices[0].Message.Content)
	return parseScore(raw)
}

// parseScore extracts the rating from LLM response JSON.
func parseScore(raw string) (float64, error) {
	raw = cleanJSON(raw)

	var sr scoreResponse
	if err := json.Unmarshal([]byte(raw), &sr); err != nil {
		return 0, fmt.Errorf("cannot parse score response: %s", truncate(raw, 200))
	}
	if sr.Score < 0 || sr.Score > 1 {
		return 0, fmt.Errorf("score %v out of range", sr.Score)
	}
	return sr.Score, nil
}

// cleanJSON strips markdown fences and leading/trailing whitespace.
func cleanJSON(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
