package guardsmith

import (
	"encoding/json"
	"net/http"
	"strings"
)

// SnapshotFunc derives the observable snapshot for a request. Guards whose
// observables the snapshot omits treat the hazard condition as met, so the
// snapshot must cover every observable the deployed bundle guards.
type SnapshotFunc func(r *http.Request) (input map[string]any, ages map[string]float64)

// Middleware returns an http.Handler that checks each request against the
// gate before passing to next. Blocked requests receive a 403 with a JSON
// body; review-routed ones additionally carry the review token.
func (c *Client) Middleware(snapshot SnapshotFunc, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		action := actionFromRequest(r)
		if snapshot != nil {
			action.Input, action.Ages = snapshot(r)
		}

		d := c.Check(r.Context(), action)
		if !d.Allowed() {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			json.NewEncoder(w).Encode(map[string]any{
				"blocked":       true,
				"outcome":       string(d.Outcome),
				"reason":        d.Reason,
				"hazards":       d.Hazards,
				"invocation_id": d.InvocationID,
				"review_token":  d.ReviewToken,
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// actionFromRequest names an HTTP request as a gate action.
func actionFromRequest(r *http.Request) Action {
	return Action{
		Name:  strings.ToLower(r.Method) + " " + r.URL.Path,
		Class: "http",
	}
}
