package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPDecider queries an HTTP+JSON policy engine with a bearer credential.
// The underlying transport pools connections; one HTTPDecider is shared
// across all gate invocations, never built per call.
type HTTPDecider struct {
	url    string
	token  string
	client *http.Client
}

// NewHTTPDecider builds a pooled client for the engine at url. The request
// deadline comes from the caller's context, not from the client.
func NewHTTPDecider(url, token string) *HTTPDecider {
	return &HTTPDecider{
		url:   url,
		token: token,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        16,
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Decide posts the request and maps transport failures onto the two
// sentinels the gate fail-closes on.
func (d *HTTPDecider) Decide(ctx context.Context, req *Request) (*Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode engine request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", d.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create engine request: %w", err)
	}
	if d.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+d.token)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: HTTP %d: %s", ErrUnreachable, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var result Result
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("%w: malformed response: %v", ErrUnreachable, err)
	}
	if !ValidDecision(result.Decision) {
		return nil, fmt.Errorf("%w: unknown decision %q", ErrUnreachable, result.Decision)
	}
	return &result, nil
}
