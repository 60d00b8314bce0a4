package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceDefault batches file events before flushing them to the workers.
const debounceDefault = 200 * time.Millisecond

// maxConcurrentSpecs limits how many specs are ingested simultaneously.
const maxConcurrentSpecs = 5

// maxQueueSize buffers the work queue; larger than the worker count so a
// burst of spec drops does not block the debounce flush.
const maxQueueSize = 200

// pollDefault is the polling interval when fsnotify is unavailable.
const pollDefault = 5 * time.Second

// Watcher reports new or updated spec objects in the inbox via fsnotify.
type Watcher struct {
	dir      string
	handler  func(ref string)
	debounce time.Duration
}

// NewWatcher creates a watcher over the inbox directory. The handler receives
// the spec's store ref.
func NewWatcher(dir string, handler func(ref string)) *Watcher {
	return &Watcher{dir: dir, handler: handler, debounce: debounceDefault}
}

// Run watches the inbox until ctx is cancelled. Events accumulate under a
// single debounce timer keyed by ref, so the create-then-write burst of one
// file copy flushes as one ingest; a fixed worker pool bounds concurrency so
// a directory full of specs cannot exhaust resources.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(w.dir); err != nil {
		return err
	}

	var mu sync.Mutex
	ready := make(map[string]bool)

	queue := make(chan string, maxQueueSize)

	var wg sync.WaitGroup
	for i := 0; i < maxConcurrentSpecs; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ref := range queue {
				func() {
					defer func() {
						if r := recover(); r != nil {
							_ = r
						}
					}()
					w.handler(ref)
				}()
			}
		}()
	}

	flush := func() {
		mu.Lock()
		batch := make([]string, 0, len(ready))
		for ref := range ready {
			batch = append(batch, ref)
		}
		ready = make(map[string]bool)
		mu.Unlock()

		for _, ref := range batch {
			select {
			case queue <- ref:
			case <-ctx.Done():
				return
			}
		}
	}

	// One timer for the whole inbox; each event resets it.
	debounceTimer := time.NewTimer(w.debounce)
	debounceTimer.Stop()

	defer func() {
		debounceTimer.Stop()
		flush()
		close(queue)
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-debounceTimer.C:
			flush()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !isSpecFile(event.Name) {
				continue
			}

			mu.Lock()
			ready[filepath.Base(event.Name)] = true
			mu.Unlock()

			if !debounceTimer.Stop() {
				select {
				case <-debounceTimer.C:
				default:
				}
			}
			debounceTimer.Reset(w.debounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			_ = err
		}
	}
}

// PollWatcher reports new spec objects by scanning the inbox on an interval.
// Fallback for filesystems without inotify support (NFS mounts).
type PollWatcher struct {
	dir      string
	handler  func(ref string)
	interval time.Duration
	seen     map[string]bool
}

// NewPollWatcher creates a polling watcher over the inbox directory.
func NewPollWatcher(dir string, handler func(ref string), interval time.Duration) *PollWatcher {
	if interval == 0 {
		interval = pollDefault
	}
	return &PollWatcher{
		dir:      dir,
		handler:  handler,
		interval: interval,
		seen:     make(map[string]bool),
	}
}

// Run polls the inbox until ctx is cancelled.
func (w *PollWatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.scan()
		}
	}
}

func (w *PollWatcher) scan() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() || !isSpecFile(e.Name()) {
			continue
		}
		if w.seen[e.Name()] {
			continue
		}
		w.seen[e.Name()] = true
		w.handler(e.Name())
	}
}

// ScanExisting hands every spec already present in the inbox to the handler.
// Called at startup for specs that arrived while the orchestrator was down;
// checksum deduplication makes re-ingesting published ones a no-op.
func ScanExisting(dir string, handler func(ref string)) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if e.IsDir() || !isSpecFile(e.Name()) {
			continue
		}
		handler(e.Name())
	}
	return nil
}

// isSpecFile reports whether the name looks like a complete spec object
// (.json, not a .tmp partial write).
func isSpecFile(name string) bool {
	base := filepath.Base(name)
	return strings.HasSuffix(base, ".json") && !strings.HasSuffix(base, ".tmp")
}
