package guardsmith

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/guardsmith/guardsmith/internal/audit"
	"github.com/guardsmith/guardsmith/internal/bundle"
	"github.com/guardsmith/guardsmith/internal/config"
	"github.com/guardsmith/guardsmith/internal/engine"
	"github.com/guardsmith/guardsmith/internal/gate"
	"github.com/guardsmith/guardsmith/internal/review"
)

// Client embeds the enforcement gate for in-process use. Safe for
// concurrent calls.
type Client struct {
	gate     *gate.Gate
	registry *bundle.Registry
	log      *audit.Log
	closeReg func() error
	cancel   context.CancelFunc
}

// New creates a Client from guardsmith.yaml plus any option overrides. With
// no bundle published yet the client starts enforcing nothing and denying
// everything; the background refresher picks up the first publish.
func New(opts ...Option) (*Client, error) {
	var ccfg clientConfig
	for _, o := range opts {
		o(&ccfg)
	}

	cfg, err := config.Load(ccfg.configPath)
	if err != nil {
		return nil, fmt.Errorf("guardsmith: load config: %w", err)
	}
	if ccfg.registryDir != "" {
		cfg.Registry.Backend = "fs"
		cfg.Registry.Dir = ccfg.registryDir
	}
	if ccfg.auditPath != "" {
		cfg.Audit.LogPath = ccfg.auditPath
	}
	if ccfg.engineURL != "" {
		cfg.Engine.URL = ccfg.engineURL
	}
	if ccfg.interval > 0 {
		cfg.Gate.RefreshInterval = ccfg.interval
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("guardsmith: %w", err)
	}

	reg, watchPath, closeReg, err := openRegistry(cfg)
	if err != nil {
		return nil, fmt.Errorf("guardsmith: %w", err)
	}

	log, err := audit.Open(cfg.Audit.LogPath)
	if err != nil {
		closeReg()
		return nil, fmt.Errorf("guardsmith: open audit log: %w", err)
	}

	queue, err := review.NewQueue(cfg.Review.Dir, cfg.Review.TTL)
	if err != nil {
		log.Close()
		closeReg()
		return nil, fmt.Errorf("guardsmith: open review queue: %w", err)
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

	c := &Client{gate: g, registry: reg, log: log, closeReg: closeReg}

	ctx := context.Background()
	b, err := reg.FetchLatest(ctx)
	switch {
	case err == nil:
		if err := g.SetBundle(b); err != nil {
			c.release()
			return nil, fmt.Errorf("guardsmith: load bundle v%d: %w", b.Version, err)
		}
	case errors.Is(err, bundle.ErrNoBundle):
		// Nothing published yet; checks deny until a bundle lands.
	default:
		c.release()
		return nil, fmt.Errorf("guardsmith: fetch current bundle: %w", err)
	}

	if !ccfg.noRefresh {
		rctx, cancel := context.WithCancel(context.Background())
		c.cancel = cancel
		refresher := gate.NewRefresher(g, reg, cfg.Gate.RefreshInterval, watchPath)
		go refresher.Run(rctx)
	}

	return c, nil
}

// Check evaluates one action without executing anything. It still records a
// decision entry: a check is an enforcement event, not a preview.
func (c *Client) Check(ctx context.Context, action Action) Decision {
	return toDecision(c.gate.Check(ctx, gate.Action{
		Name:  action.Name,
		Class: action.Class,
		Input: action.Input,
		Ages:  action.Ages,
	}))
}

// BundleVersion returns the enforced bundle version, or 0 when none is
// loaded yet.
func (c *Client) BundleVersion() int64 {
	return c.gate.BundleVersion()
}

// Close stops bundle tracking and releases the audit log and registry.
func (c *Client) Close() error {
	return c.release()
}

func (c *Client) release() error {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	err := c.log.Close()
	if cerr := c.closeReg(); err == nil {
		err = cerr
	}
	return err
}

// openRegistry builds the configured bundle store. watchPath is the fs
// backend's current-pointer file for the refresher, empty otherwise.
func openRegistry(cfg *config.Config) (*bundle.Registry, string, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Registry.Backend {
	case "fs", "":
		store, err := bundle.NewFSStore(cfg.Registry.Dir)
		if err != nil {
			return nil, "", nil, fmt.Errorf("open registry: %w", err)
		}
		watch := ""
		if cfg.Gate.WatchPointer {
			watch = store.CurrentPath()
		}
		return bundle.NewRegistry(store), watch, noop, nil
	case "sqlite":
		db, err := sql.Open("sqlite", cfg.Registry.Path)
		if err != nil {
			return nil, "", nil, fmt.Errorf("open registry database: %w", err)
		}
		store, err := bundle.NewSQLiteStore(db)
		if err != nil {
			db.Close()
			return nil, "", nil, fmt.Errorf("init registry database: %w", err)
		}
		return bundle.NewRegistry(store), "", db.Close, nil
	case "memory":
		return bundle.NewRegistry(bundle.NewMemoryStore()), "", noop, nil
	default:
		return nil, "", nil, fmt.Errorf("unknown registry backend %q", cfg.Registry.Backend)
	}
}
