// Package review is the manual-review queue. MANUAL_REVIEW gate decisions
// land here as pending items keyed by a review token; operators resolve them
// through the CLI or MCP tools. Resolution is advisory workflow state: it
// never retroactively changes a decision already in the audit trail.
package review

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

// validToken matches alphanumeric, dash, underscore, and dot characters only.
var validToken = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// validateToken rejects tokens that could cause path traversal.
func validateToken(token string) error {
	if token == "" {
		return fmt.Errorf("token must not be empty")
	}
	if strings.Contains(token, "..") {
		return fmt.Errorf("token must not contain '..'")
	}
	if !validToken.MatchString(token) {
		return fmt.Errorf("token contains invalid characters: only alphanumeric, dash, underscore, and dot are allowed")
	}
	return nil
}

// Status represents the state of a review item.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusExpired  Status = "expired"
)

// Item is one action awaiting (or past) human review.
type Item struct {
	Token        string            `json:"token"`
	InvocationID string            `json:"invocation_id"`
	Action       string            `json:"action"`
	Reason       string            `json:"reason"`
	Input        map[string]string `json:"input,omitempty"`
	Status       Status            `json:"status"`
	Note         string            `json:"note,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	ExpiresAt    *time.Time        `json:"expires_at,omitempty"`
	ResolvedAt   *time.Time        `json:"resolved_at,omitempty"`
}

// Queue manages review item files on disk.
type Queue struct {
	dir string
	ttl time.Duration
	mu  sync.Mutex
}

// NewQueue creates a Queue backed by the given directory. Items pending
// longer than ttl expire; ttl <= 0 disables expiry.
func NewQueue(dir string, ttl time.Duration) (*Queue, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("cannot create review directory: %w", err)
	}
	return &Queue{dir: dir, ttl: ttl}, nil
}

// DefaultDir returns the default review queue directory.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "guardsmith-reviews")
	}
	return filepath.Join(home, ".guardsmith", "reviews")
}

// Enqueue creates a pending review item and returns its token.
func (q *Queue) Enqueue(invocationID, action, reason string, input map[string]string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	token := newToken()
	now := time.Now().UTC()

	item := Item{
		Token:        token,
		InvocationID: invocationID,
		Action:       action,
		Reason:       reason,
		Input:        input,
		Status:       StatusPending,
		CreatedAt:    now,
	}
	if q.ttl > 0 {
		exp := now.Add(q.ttl)
		item.ExpiresAt = &exp
	}

	if err := q.writeAtomic(q.path(token), item); err != nil {
		return "", err
	}
	return token, nil
}

// Get returns the item for a token, applying expiry to stale pending items.
func (q *Queue) Get(token string) (*Item, error) {
	if err := validateToken(token); err != nil {
		return nil, fmt.Errorf("invalid review token: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	item, err := q.read(token)
	if err != nil {
		return nil, fmt.Errorf("review %q not found", token)
	}
	q.applyExpiry(item)
	return item, nil
}

// Approve resolves a pending item as approved.
func (q *Queue) Approve(token, note string) error {
	return q.resolve(token, StatusApproved, note)
}

// Deny resolves a pending item as denied.
func (q *Queue) Deny(token, note string) error {
	return q.resolve(token, StatusDenied, note)
}

func (q *Queue) resolve(token string, status Status, note string) error {
	if err := validateToken(token); err != nil {
		return fmt.Errorf("invalid review token: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	item, err := q.read(token)
	if err != nil {
		return fmt.Errorf("review %q not found: %w", token, err)
	}
	q.applyExpiry(item)
	if item.Status != StatusPending {
		return fmt.Errorf("review %q already resolved: %s", token, item.Status)
	}

	item.Status = status
	item.Note = note
	now := time.Now().UTC()
	item.ResolvedAt = &now

	return q.writeAtomic(q.path(token), *item)
}

// List returns all review items sorted by creation time, oldest first.
func (q *Queue) List() ([]Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries, err := os.ReadDir(q.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var items []Item
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		token := strings.TrimSuffix(e.Name(), ".json")
		item, err := q.read(token)
		if err != nil {
			continue
		}
		q.applyExpiry(item)
		items = append(items, *item)
	}

	sort.Slice(items, func(i, j int) bool {
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	return items, nil
}

// Pending returns the items still awaiting resolution, oldest first.
func (q *Queue) Pending() ([]Item, error) {
	items, err := q.List()
	if err != nil {
		return nil, err
	}
	pending := items[:0]
	for _, item := range items {
		if item.Status == StatusPending {
			pending = append(pending, item)
		}
	}
	return pending, nil
}

// Sweep marks stale pending items expired and returns how many it marked.
func (q *Queue) Sweep() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries, err := os.ReadDir(q.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	n := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		item, err := q.read(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			continue
		}
		if q.applyExpiry(item) {
			n++
		}
	}
	return n, nil
}

// applyExpiry flips a stale pending item to expired, persisting the change.
// Reports whether the item transitioned.
func (q *Queue) applyExpiry(item *Item) bool {
	if item.Status != StatusPending || item.ExpiresAt == nil {
		return false
	}
	if !time.Now().UTC().After(*item.ExpiresAt) {
		return false
	}
	item.Status = StatusExpired
	q.writeAtomic(q.path(item.Token), *item)
	return true
}

func (q *Queue) path(token string) string {
	return filepath.Join(q.dir, token+".json")
}

func (q *Queue) read(token string) (*Item, error) {
	data, err := os.ReadFile(q.path(token))
	if err != nil {
		return nil, err
	}

	var item Item
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

func (q *Queue) writeAtomic(path string, item Item) error {
	data, err := json.MarshalIndent(item, "", "  ")
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func newToken() string {
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("rv-%x", time.Now().UnixNano())
	}
	return "rv-" + hex.EncodeToString(b)
}
