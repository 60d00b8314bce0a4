package gate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/guardsmith/guardsmith/internal/bundle"
)

// DefaultRefreshInterval is how often the refresher polls for a new bundle.
const DefaultRefreshInterval = 15 * time.Second

// Source yields the current policy bundle.
type Source interface {
	FetchLatest(ctx context.Context) (*bundle.Bundle, error)
}

// Refresher keeps a gate's guard set tracking the registry's current bundle.
// It polls on an interval and, when given the registry's current-pointer
// file, also reacts to file change events so a publish lands without waiting
// out a poll cycle.
type Refresher struct {
	gate     *Gate
	src      Source
	interval time.Duration
	watch    string // current-pointer file path; empty disables the watcher
}

// NewRefresher creates a refresher. A zero interval means
// DefaultRefreshInterval.
func NewRefresher(g *Gate, src Source, interval time.Duration, watchPath string) *Refresher {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	return &Refresher{gate: g, src: src, interval: interval, watch: watchPath}
}

// Run loads the current bundle, then blocks refreshing until ctx is done.
// An empty registry is not an error: the gate denies until a bundle lands.
func (r *Refresher) Run(ctx context.Context) error {
	var events <-chan fsnotify.Event
	var watchErrs <-chan error
	if r.watch != "" {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("gate: watch registry: %w", err)
		}
		defer watcher.Close()
		// Watch the directory: the pointer file is renamed into place, which
		// registers on the directory rather than the replaced inode.
		if err := watcher.Add(filepath.Dir(r.watch)); err != nil {
			return fmt.Errorf("gate: watch registry: %w", err)
		}
		events = watcher.Events
		watchErrs = watcher.Errors
	}

	r.refresh(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	pointer := filepath.Base(r.watch)
	for {
		select {
		case <-ctx.Done():
			return nil

		case <-ticker.C:
			r.refresh(ctx)

		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Base(event.Name) != pointer {
				continue
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) || event.Has(fsnotify.Rename) {
				r.refresh(ctx)
			}

		case _, ok := <-watchErrs:
			if !ok {
				watchErrs = nil
			}
		}
	}
}

// refresh fetches the current bundle and swaps it in when the version moved.
// Failures keep the prior set: a gate with a stale bundle is still enforcing;
// a gate with none denies everything.
func (r *Refresher) refresh(ctx context.Context) {
	b, err := r.src.FetchLatest(ctx)
	if err != nil {
		if !errors.Is(err, bundle.ErrNoBundle) {
			fmt.Fprintf(os.Stderr, "gate: refresh: %v\n", err)
		}
		return
	}
	if b.Version == r.gate.BundleVersion() {
		return
	}
	if err := r.gate.SetBundle(b); err != nil {
		fmt.Fprintf(os.Stderr, "gate: refresh: %v\n", err)
		return
	}
	fmt.Fprintf(os.Stderr, "gate: loaded bundle v%d (%d guards)\n", b.Version, len(b.Artifacts))
}
