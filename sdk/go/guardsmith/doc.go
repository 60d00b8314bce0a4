// Package guardsmith provides in-process enforcement for Go agents. It
// embeds the runtime gate: actions are checked against the current policy
// bundle's compiled guards (and optionally confirmed by a remote decision
// engine) before they run, and every decision lands in the hash-chained
// audit log.
//
// Usage:
//
//	gs, err := guardsmith.New()
//	defer gs.Close()
//	wrapped := gs.Wrap(submitOrder, guardsmith.WrapWithClass("trade"))
//	result, err := wrapped(ctx, guardsmith.Action{
//	    Name:  "submit_order",
//	    Input: map[string]any{"data.age_seconds": feed.Age().Seconds()},
//	})
//
// A denied or review-routed action returns *BlockedError without running.
// The client tracks the registry in the background, so a newly published
// bundle takes effect without a restart.
package guardsmith
