package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/guardsmith/guardsmith/internal/audit"
	"github.com/guardsmith/guardsmith/internal/bundle"
	"github.com/guardsmith/guardsmith/internal/catalog"
	"github.com/guardsmith/guardsmith/internal/config"
	"github.com/guardsmith/guardsmith/internal/engine"
	"github.com/guardsmith/guardsmith/internal/gate"
	"github.com/guardsmith/guardsmith/internal/judge"
	"github.com/guardsmith/guardsmith/internal/review"
)

// loadConfig reads guardsmith.yaml from --config (or the default path) and
// returns it with its content hash.
func loadConfig() (*config.Config, string, error) {
	cfg, hash, err := config.LoadWithHash(configPath)
	if err != nil {
		return nil, "", err
	}
	return cfg, hash, nil
}

func openCatalog(cfg *config.Config) (*catalog.Catalog, error) {
	if cfg.Catalog.Path == "" {
		return catalog.Builtin(), nil
	}
	return catalog.Load(cfg.Catalog.Path)
}

// openRegistry builds the configured bundle store. The returned closer is a
// no-op for backends without a connection to release.
func openRegistry(cfg *config.Config) (*bundle.Registry, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Registry.Backend {
	case "fs", "":
		store, err := bundle.NewFSStore(cfg.Registry.Dir)
		if err != nil {
			return nil, nil, fmt.Errorf("open registry: %w", err)
		}
		return bundle.NewRegistry(store), noop, nil
	case "sqlite":
		db, err := sql.Open("sqlite", cfg.Registry.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open registry database: %w", err)
		}
		store, err := bundle.NewSQLiteStore(db)
		if err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("init registry database: %w", err)
		}
		return bundle.NewRegistry(store), db.Close, nil
	case "memory":
		return bundle.NewRegistry(bundle.NewMemoryStore()), noop, nil
	default:
		return nil, nil, fmt.Errorf("unknown registry backend %q", cfg.Registry.Backend)
	}
}

func buildScorer(ctx context.Context, cfg *config.Config) (judge.Scorer, error) {
	sc := cfg.Judge.Scorer
	switch sc.Backend {
	case "heuristic", "":
		return judge.HeuristicScorer{}, nil
	case "chat":
		return judge.NewChatScorer(judge.ChatScorerConfig{
			APIURL:    sc.APIURL,
			APIKey:    config.ScorerAPIKey(),
			Model:     sc.Model,
			MaxTokens: sc.MaxTokens,
			Timeout:   sc.Timeout,
		}), nil
	case "bedrock":
		return judge.NewBedrockScorer(ctx, judge.BedrockScorerConfig{
			Region:    sc.Region,
			ModelID:   sc.ModelID,
			MaxTokens: int32(sc.MaxTokens),
		})
	default:
		return nil, fmt.Errorf("unknown scorer backend %q", sc.Backend)
	}
}

func buildJudge(ctx context.Context, cfg *config.Config) (*judge.Judge, error) {
	scorer, err := buildScorer(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return judge.New(scorer, judge.Config{
		AcceptThreshold:    cfg.Judge.AcceptThreshold,
		AgreementThreshold: cfg.Judge.AgreementThreshold,
		MaxAttempts:        cfg.Judge.MaxAttempts,
		RetryBackoff:       cfg.Judge.RetryBackoff,
	})
}

// buildGate wires the runtime gate from configuration and loads the current
// bundle. With no published bundle yet the gate starts empty and denies.
// The review queue is returned alongside so callers can list and resolve
// items; the closer releases the audit log.
func buildGate(ctx context.Context, cfg *config.Config, reg *bundle.Registry) (*gate.Gate, *review.Queue, func() error, error) {
	log, err := audit.Open(cfg.Audit.LogPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open audit log: %w", err)
	}

	queue, err := review.NewQueue(cfg.Review.Dir, cfg.Review.TTL)
	if err != nil {
		log.Close()
		return nil, nil, nil, fmt.Errorf("open review queue: %w", err)
	}

	var decider engine.Decider
	if cfg.Engine.URL != "" {
		decider = engine.NewHTTPDecider(cfg.Engine.URL, config.EngineToken())
	}

	g := gate.New(gate.Options{
		Config: gate.Config{
			EngineTimeout: cfg.Engine.Timeout,
			EngineClasses: cfg.Engine.Classes,
		},
		Engine: decider,
		Log:    log,
		Mirror: audit.NewMirror(cfg.Audit.Mirrors),
		Review: queue,
	})

	b, err := reg.FetchLatest(ctx)
	switch {
	case err == nil:
		if err := g.SetBundle(b); err != nil {
			log.Close()
			return nil, nil, nil, fmt.Errorf("load bundle v%d: %w", b.Version, err)
		}
	case errors.Is(err, bundle.ErrNoBundle):
		// Nothing published yet; the gate denies until a bundle lands.
	default:
		log.Close()
		return nil, nil, nil, fmt.Errorf("fetch current bundle: %w", err)
	}

	return g, queue, log.Close, nil
}

// registryWatchPath returns the fs backend's current-pointer file so a
// refresher reacts to publishes without waiting out a poll cycle. Other
// backends, and configs with the watch disabled, poll only.
func registryWatchPath(cfg *config.Config) string {
	if !cfg.Gate.WatchPointer {
		return ""
	}
	if cfg.Registry.Backend != "" && cfg.Registry.Backend != "fs" {
		return ""
	}
	store, err := bundle.NewFSStore(cfg.Registry.Dir)
	if err != nil {
		return ""
	}
	return store.CurrentPath()
}
