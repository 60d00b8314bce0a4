package mcp

import (
	"context"
	"errors"
	"fmt"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/guardsmith/guardsmith/internal/bundle"
	"github.com/guardsmith/guardsmith/internal/gate"
	"github.com/guardsmith/guardsmith/internal/review"
)

// --- Input/Output types ---

// CheckInput defines parameters for the guardsmith_check tool.
type CheckInput struct {
	Action string             `json:"action" jsonschema:"name of the action about to be performed"`
	Class  string             `json:"class,omitempty" jsonschema:"action class, e.g. trade or transfer"`
	Input  map[string]any     `json:"input,omitempty" jsonschema:"observable values the action depends on"`
	Ages   map[string]float64 `json:"ages,omitempty" jsonschema:"sample ages in seconds, keyed by observable"`
}

// CheckOutput contains the gate decision.
type CheckOutput struct {
	Outcome       string   `json:"outcome"`
	Reason        string   `json:"reason"`
	Hazards       []string `json:"hazards,omitempty"`
	BundleVersion int64    `json:"bundle_version"`
	EngineChecked bool     `json:"engine_checked"`
	InvocationID  string   `json:"invocation_id"`
	ReviewToken   string   `json:"review_token,omitempty"`
	Blocked       bool     `json:"blocked,omitempty"`
}

// BundleInput selects which bundle to describe.
type BundleInput struct {
	Version int64 `json:"version,omitempty" jsonschema:"bundle version to describe, 0 for the current one"`
}

// BundleOutput describes one published bundle.
type BundleOutput struct {
	Version     int64            `json:"version"`
	Checksum    string           `json:"checksum"`
	PublishedAt string           `json:"published_at"`
	Artifacts   []BundleArtifact `json:"artifacts"`
}

// BundleArtifact is one enforced hazard in a bundle.
type BundleArtifact struct {
	HazardID string `json:"hazard_id"`
	Version  int    `json:"version"`
	Severity string `json:"severity"`
	Checksum string `json:"checksum"`
}

// PendingInput is empty; the tool takes no parameters.
type PendingInput struct{}

// PendingOutput lists pending manual reviews.
type PendingOutput struct {
	Items []PendingItem `json:"items"`
}

// PendingItem describes one action awaiting review.
type PendingItem struct {
	Token        string `json:"token"`
	InvocationID string `json:"invocation_id"`
	Action       string `json:"action"`
	Reason       string `json:"reason"`
	CreatedAt    string `json:"created_at"`
	ExpiresAt    string `json:"expires_at,omitempty"`
}

// ResolveInput defines parameters for the guardsmith_resolve tool.
type ResolveInput struct {
	Token    string `json:"token" jsonschema:"review token from a pending item"`
	Decision string `json:"decision" jsonschema:"approve or deny"`
	Note     string `json:"note,omitempty" jsonschema:"reviewer note recorded with the resolution"`
}

// ResolveOutput confirms the resolution.
type ResolveOutput struct {
	Token  string `json:"token"`
	Status string `json:"status"`
}

// --- Handlers ---

func (s *Server) handleCheck(ctx context.Context, req *mcpsdk.CallToolRequest, input CheckInput) (*mcpsdk.CallToolResult, CheckOutput, error) {
	if input.Action == "" {
		return nil, CheckOutput{}, fmt.Errorf("action name is required")
	}

	d := s.gate.Check(ctx, gate.Action{
		Name:  input.Action,
		Class: input.Class,
		Input: input.Input,
		Ages:  input.Ages,
	})

	out := CheckOutput{
		Outcome:       string(d.Outcome),
		Reason:        d.Reason,
		Hazards:       d.Hazards,
		BundleVersion: d.BundleVersion,
		EngineChecked: d.EngineChecked,
		InvocationID:  d.InvocationID,
		ReviewToken:   d.ReviewToken,
	}
	if d.Outcome != gate.Allowed {
		out.Blocked = true
		return &mcpsdk.CallToolResult{IsError: true}, out, nil
	}
	return nil, out, nil
}

func (s *Server) handleBundle(ctx context.Context, req *mcpsdk.CallToolRequest, input BundleInput) (*mcpsdk.CallToolResult, BundleOutput, error) {
	var b *bundle.Bundle
	var err error
	if input.Version > 0 {
		b, err = s.registry.Bundle(ctx, input.Version)
	} else {
		b, err = s.registry.FetchLatest(ctx)
	}
	if errors.Is(err, bundle.ErrNoBundle) {
		return nil, BundleOutput{}, fmt.Errorf("no bundle published yet")
	}
	if err != nil {
		return nil, BundleOutput{}, err
	}

	out := BundleOutput{
		Version:     b.Version,
		Checksum:    b.Checksum,
		PublishedAt: b.PublishedAt.Format(time.RFC3339),
	}
	for _, a := range b.Artifacts {
		out.Artifacts = append(out.Artifacts, BundleArtifact{
			HazardID: a.HazardID,
			Version:  a.Version,
			Severity: string(a.Severity),
			Checksum: a.Checksum,
		})
	}
	return nil, out, nil
}

func (s *Server) handlePending(ctx context.Context, req *mcpsdk.CallToolRequest, input PendingInput) (*mcpsdk.CallToolResult, PendingOutput, error) {
	items, err := s.reviews.Pending()
	if err != nil {
		return nil, PendingOutput{}, err
	}

	out := PendingOutput{Items: make([]PendingItem, 0, len(items))}
	for _, it := range items {
		pi := PendingItem{
			Token:        it.Token,
			InvocationID: it.InvocationID,
			Action:       it.Action,
			Reason:       it.Reason,
			CreatedAt:    it.CreatedAt.Format(time.RFC3339),
		}
		if it.ExpiresAt != nil {
			pi.ExpiresAt = it.ExpiresAt.Format(time.RFC3339)
		}
		out.Items = append(out.Items, pi)
	}
	return nil, out, nil
}

func (s *Server) handleResolve(ctx context.Context, req *mcpsdk.CallToolRequest, input ResolveInput) (*mcpsdk.CallToolResult, ResolveOutput, error) {
	var err error
	switch input.Decision {
	case "approve":
		err = s.reviews.Approve(input.Token, input.Note)
	case "deny":
		err = s.reviews.Deny(input.Token, input.Note)
	default:
		return nil, ResolveOutput{}, fmt.Errorf("decision must be approve or deny, got %q", input.Decision)
	}
	if err != nil {
		return nil, ResolveOutput{}, err
	}

	status := review.StatusApproved
	if input.Decision == "deny" {
		status = review.StatusDenied
	}
	return nil, ResolveOutput{Token: input.Token, Status: string(status)}, nil
}
