// Package config loads guardsmith.yaml: every runtime tunable with shipped
// defaults, overlaid by whatever the file sets. Credentials never live in
// the file; they resolve from the environment at wiring time.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/guardsmith/guardsmith/internal/audit"
)

// JudgeConfig sets verification thresholds and the scorer backend.
type JudgeConfig struct {
	AcceptThreshold    float64       `yaml:"accept_threshold"`
	AgreementThreshold float64       `yaml:"agreement_threshold"`
	MaxAttempts        int           `yaml:"max_attempts"`
	RetryBackoff       time.Duration `yaml:"retry_backoff"`
	Scorer             ScorerConfig  `yaml:"scorer"`
}

// ScorerConfig selects how semantic equivalence is scored.
type ScorerConfig struct {
	// Backend is one of "heuristic", "chat", "bedrock".
	Backend string `yaml:"backend"`

	// Chat backend (OpenAI-compatible endpoint).
	APIURL    string        `yaml:"api_url"`
	Model     string        `yaml:"model"`
	MaxTokens int           `yaml:"max_tokens"`
	Timeout   time.Duration `yaml:"timeout"`

	// Bedrock backend.
	Region  string `yaml:"region"`
	ModelID string `yaml:"model_id"`
}

// EngineConfig points the gate at an external decision engine. An empty URL
// disables the engine stage.
type EngineConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
	// Classes lists the action classes that require engine confirmation.
	// Empty means every class when a URL is set.
	Classes []string `yaml:"classes"`
}

// RegistryConfig selects the bundle store.
type RegistryConfig struct {
	// Backend is one of "fs", "sqlite", "memory".
	Backend string `yaml:"backend"`
	// Dir is the fs backend root.
	Dir string `yaml:"dir"`
	// Path is the SQLite database file.
	Path string `yaml:"path"`
}

// GateConfig tunes bundle refresh on the enforcement side.
type GateConfig struct {
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	// WatchPointer reacts to current-pointer changes on the fs backend
	// instead of waiting for the next poll.
	WatchPointer bool `yaml:"watch_pointer"`
}

// AuditConfig sets the decision log location and operator webhooks.
type AuditConfig struct {
	LogPath string               `yaml:"log_path"`
	Mirrors []audit.MirrorConfig `yaml:"mirrors"`
}

// ReviewConfig tunes the manual-review queue.
type ReviewConfig struct {
	Dir string `yaml:"dir"`
	// TTL expires unresolved reviews. Zero keeps them pending forever.
	TTL time.Duration `yaml:"ttl"`
}

// PipelineConfig sets the orchestrator directories.
type PipelineConfig struct {
	Inbox        string        `yaml:"inbox"`
	Outbox       string        `yaml:"outbox"`
	PIDFile      string        `yaml:"pid_file"`
	PollMode     bool          `yaml:"poll_mode"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// CatalogConfig points at an observable catalog file. Empty uses the
// built-in catalog.
type CatalogConfig struct {
	Path string `yaml:"path"`
}

// Config holds all configurable guardsmith parameters.
type Config struct {
	Judge    JudgeConfig    `yaml:"judge"`
	Engine   EngineConfig   `yaml:"engine"`
	Registry RegistryConfig `yaml:"registry"`
	Gate     GateConfig     `yaml:"gate"`
	Audit    AuditConfig    `yaml:"audit"`
	Review   ReviewConfig   `yaml:"review"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Catalog  CatalogConfig  `yaml:"catalog"`
}

// baseDir returns ~/.guardsmith, falling back to the system temp dir.
func baseDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "guardsmith")
	}
	return filepath.Join(home, ".guardsmith")
}

// DefaultPath returns the config file location used when no path is given.
func DefaultPath() string {
	return filepath.Join(baseDir(), "guardsmith.yaml")
}

// DefaultConfig returns the shipped defaults.
func DefaultConfig() *Config {
	base := baseDir()
	return &Config{
		Judge: JudgeConfig{
			AcceptThreshold:    0.72,
			AgreementThreshold: 0.80,
			MaxAttempts:        3,
			RetryBackoff:       500 * time.Millisecond,
			Scorer:             ScorerConfig{Backend: "heuristic"},
		},
		Engine: EngineConfig{
			Timeout: 2 * time.Second,
		},
		Registry: RegistryConfig{
			Backend: "fs",
			Dir:     filepath.Join(base, "registry"),
			Path:    filepath.Join(base, "registry.db"),
		},
		Gate: GateConfig{
			RefreshInterval: 15 * time.Second,
			WatchPointer:    true,
		},
		Audit: AuditConfig{
			LogPath: filepath.Join(base, "decisions.log"),
		},
		Review: ReviewConfig{
			Dir: filepath.Join(base, "reviews"),
			TTL: 24 * time.Hour,
		},
		Pipeline: PipelineConfig{
			Inbox:        filepath.Join(base, "inbox"),
			Outbox:       filepath.Join(base, "outbox"),
			PIDFile:      filepath.Join(base, "orchestrator.pid"),
			PollInterval: 5 * time.Second,
		},
	}
}

// Load reads configuration from a YAML file.
// Empty path falls back to ~/.guardsmith/guardsmith.yaml.
// Missing file returns defaults. Invalid YAML returns an error.
func Load(path string) (*Config, error) {
	cfg, _, err := LoadWithHash(path)
	return cfg, err
}

// LoadWithHash loads configuration and returns its SHA-256 hash.
// The hash is computed over the raw YAML bytes on disk.
// When no file exists (defaults used), the hash is the SHA-256 of empty input.
func LoadWithHash(path string) (*Config, string, error) {
	if path == "" {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			h := sha256.Sum256(nil)
			return DefaultConfig(), "sha256:" + hex.EncodeToString(h[:]), nil
		}
		return nil, "", fmt.Errorf("failed to read config: %w", err)
	}

	h := sha256.Sum256(data)
	hash := "sha256:" + hex.EncodeToString(h[:])

	// Start with defaults, YAML overwrites only specified fields.
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, "", fmt.Errorf("failed to parse config: %w", err)
	}

	return cfg, hash, nil
}

// Validate reports configuration that cannot be wired. Load does not call
// it: read-only commands tolerate a partial config, wiring code must not.
func (c *Config) Validate() error {
	switch c.Judge.Scorer.Backend {
	case "heuristic":
	case "chat":
		if c.Judge.Scorer.APIURL == "" {
			return fmt.Errorf("scorer backend chat requires api_url")
		}
	case "bedrock":
		if c.Judge.Scorer.Region == "" || c.Judge.Scorer.ModelID == "" {
			return fmt.Errorf("scorer backend bedrock requires region and model_id")
		}
	default:
		return fmt.Errorf("unknown scorer backend %q", c.Judge.Scorer.Backend)
	}

	switch c.Registry.Backend {
	case "fs", "sqlite", "memory":
	default:
		return fmt.Errorf("unknown registry backend %q", c.Registry.Backend)
	}

	if c.Judge.AcceptThreshold <= 0 || c.Judge.AcceptThreshold > 1 {
		return fmt.Errorf("accept_threshold %v outside (0, 1]", c.Judge.AcceptThreshold)
	}
	if c.Judge.AgreementThreshold <= 0 || c.Judge.AgreementThreshold > 1 {
		return fmt.Errorf("agreement_threshold %v outside (0, 1]", c.Judge.AgreementThreshold)
	}
	if c.Judge.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1")
	}
	if c.Engine.Timeout <= 0 {
		return fmt.Errorf("engine timeout must be positive")
	}
	if c.Review.TTL < 0 {
		return fmt.Errorf("review ttl must not be negative")
	}
	return nil
}

// ScorerAPIKey resolves the chat scorer credential.
// Resolution order: GUARDSMITH_SCORER_API_KEY → OPENAI_API_KEY → empty.
func ScorerAPIKey() string {
	for _, k := range []string{"GUARDSMITH_SCORER_API_KEY", "OPENAI_API_KEY"} {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

// EngineToken resolves the engine bearer credential from
// GUARDSMITH_ENGINE_TOKEN.
func EngineToken() string {
	return os.Getenv("GUARDSMITH_ENGINE_TOKEN")
}

// DefaultYAML returns a commented config file body for guardsmith init.
func DefaultYAML() string {
	return `# guardsmith configuration
# Generated by: guardsmith init
#
# Values omitted here keep their built-in defaults. Credentials never live
# in this file: the chat scorer key comes from GUARDSMITH_SCORER_API_KEY
# (or OPENAI_API_KEY), the engine bearer from GUARDSMITH_ENGINE_TOKEN.

# Artifact verification. An artifact is accepted only when both
# back-translations clear accept_threshold against the hazard description
# and agree with each other at agreement_threshold.
judge:
  accept_threshold: 0.72
  agreement_threshold: 0.80
  max_attempts: 3
  retry_backoff: 500ms
  scorer:
    # heuristic | chat | bedrock
    backend: heuristic
    # chat backend:
    # api_url: https://api.openai.com/v1/chat/completions
    # model: gpt-4o-mini
    # bedrock backend:
    # region: us-east-1
    # model_id: anthropic.claude-3-5-sonnet-20241022-v2:0

# External decision engine consulted after a clean guard pass. Empty url
# disables the stage. An unreachable or slow engine denies.
engine:
  url: ""
  timeout: 2s
  # classes: [trade, transfer]

# Bundle registry backend: fs | sqlite | memory.
registry:
  backend: fs
  # dir: ~/.guardsmith/registry        (fs)
  # path: ~/.guardsmith/registry.db    (sqlite)

# Enforcement-side bundle refresh.
gate:
  refresh_interval: 15s
  watch_pointer: true

# Decision log and operator webhooks.
audit:
  # log_path: ~/.guardsmith/decisions.log
  mirrors: []
  # - url: https://hooks.example.com/guardsmith
  #   format: slack
  #   events: [deny, manual_review]

# Manual-review queue. ttl: 0 keeps reviews pending forever.
review:
  ttl: 24h

# Spec ingestion directories.
pipeline:
  # inbox: ~/.guardsmith/inbox
  # outbox: ~/.guardsmith/outbox
  poll_mode: false
  poll_interval: 5s

# Observable catalog override. Empty uses the built-in catalog.
catalog:
  path: ""
`
}
