package guardsmith

import (
	"context"
)

// ToolFunc is the function signature that Wrap guards. The caller provides
// an Action describing the intended operation and its observable snapshot.
type ToolFunc func(ctx context.Context, action Action) (any, error)

// Wrap returns a ToolFunc that checks each action against the gate before
// calling fn. Denied and review-routed actions return *BlockedError without
// calling fn; a review-routed action's error carries the token a human can
// approve, after which the caller retries the action.
func (c *Client) Wrap(fn ToolFunc, opts ...WrapOption) ToolFunc {
	var wcfg wrapConfig
	for _, o := range opts {
		o(&wcfg)
	}

	return func(ctx context.Context, action Action) (any, error) {
		if action.Class == "" {
			action.Class = wcfg.class
		}

		d := c.Check(ctx, action)
		if !d.Allowed() {
			return nil, &BlockedError{
				Action:       action,
				Outcome:      d.Outcome,
				Reason:       d.Reason,
				Hazards:      d.Hazards,
				InvocationID: d.InvocationID,
				ReviewToken:  d.ReviewToken,
			}
		}
		return fn(ctx, action)
	}
}
