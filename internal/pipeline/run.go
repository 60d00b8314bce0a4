package pipeline

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"syscall"
)

// Run processes the inbox until ctx is cancelled: existing specs first, then
// new arrivals via the watcher.
func (o *Orchestrator) Run(ctx context.Context) error {
	if o.cfg.Inbox == "" {
		return fmt.Errorf("inbox directory is required")
	}
	if err := os.MkdirAll(o.cfg.Inbox, 0750); err != nil {
		return fmt.Errorf("create inbox: %w", err)
	}
	if o.cfg.Outbox != "" {
		if err := os.MkdirAll(o.cfg.Outbox, 0750); err != nil {
			return fmt.Errorf("create outbox: %w", err)
		}
	}

	if o.cfg.PIDFile != "" {
		if err := acquirePIDLock(o.cfg.PIDFile); err != nil {
			return fmt.Errorf("acquire PID lock: %w", err)
		}
		defer func() { _ = os.Remove(o.cfg.PIDFile) }()
	}

	handler := func(ref string) {
		res, err := o.OnNewSpec(ctx, ref)
		if err != nil {
			fmt.Fprintf(os.Stderr, "pipeline: ingest %s: %v\n", ref, err)
			return
		}
		switch res.Status {
		case StatusPublished:
			fmt.Fprintf(os.Stderr, "pipeline: %s published in bundle v%d\n", ref, res.BundleVersion)
		default:
			fmt.Fprintf(os.Stderr, "pipeline: %s → %s: %s\n", ref, res.Status, res.Rationale)
		}
	}

	if err := ScanExisting(o.cfg.Inbox, handler); err != nil {
		return fmt.Errorf("scan existing specs: %w", err)
	}

	if o.cfg.PollMode {
		return NewPollWatcher(o.cfg.Inbox, handler, o.cfg.PollInterval).Run(ctx)
	}
	return NewWatcher(o.cfg.Inbox, handler).Run(ctx)
}

// acquirePIDLock writes the current PID to the file, clearing a stale lock
// left by a dead process.
func acquirePIDLock(path string) error {
	if data, err := os.ReadFile(path); err == nil {
		pid, err := strconv.Atoi(string(data))
		if err == nil {
			if process, err := os.FindProcess(pid); err == nil {
				if err := process.Signal(syscall.Signal(0)); err == nil {
					return fmt.Errorf("another orchestrator is running (PID %d)", pid)
				}
			}
		}
		_ = os.Remove(path)
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0600)
}
