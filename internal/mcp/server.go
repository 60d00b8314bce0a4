// Package mcp exposes the enforcement gate to MCP-speaking agents. An agent
// asks guardsmith_check before a sensitive action instead of linking the SDK;
// the remaining tools cover bundle inspection and the manual-review queue.
package mcp

import (
	"context"
	"fmt"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/guardsmith/guardsmith/internal/bundle"
	"github.com/guardsmith/guardsmith/internal/gate"
	"github.com/guardsmith/guardsmith/internal/review"
)

// Config wires the server's collaborators. All three are required: a check
// without a gate or a resolve without a queue has nothing to act on.
type Config struct {
	Gate     *gate.Gate
	Registry *bundle.Registry
	Reviews  *review.Queue
}

// Server bridges MCP tool calls onto the enforcement gate.
type Server struct {
	mcpServer *mcpsdk.Server
	gate      *gate.Gate
	registry  *bundle.Registry
	reviews   *review.Queue
}

// New creates an MCP server around an already-wired gate.
func New(cfg Config) (*Server, error) {
	if cfg.Gate == nil {
		return nil, fmt.Errorf("mcp server needs a gate")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("mcp server needs a registry")
	}
	if cfg.Reviews == nil {
		return nil, fmt.Errorf("mcp server needs a review queue")
	}

	s := &Server{
		gate:     cfg.Gate,
		registry: cfg.Registry,
		reviews:  cfg.Reviews,
	}

	s.mcpServer = mcpsdk.NewServer(
		&mcpsdk.Implementation{
			Name:    "guardsmith",
			Version: "0.4.0",
		},
		nil,
	)

	s.registerTools()
	return s, nil
}

// Run starts the MCP server on stdio transport. Blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	return s.mcpServer.Run(ctx, &mcpsdk.StdioTransport{})
}

func (s *Server) registerTools() {
	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name: "guardsmith_check",
		Description: "Evaluate an action against the current policy bundle before performing it. " +
			"Denied actions return the hazards that matched; review-routed actions return a token a human can approve.",
	}, s.handleCheck)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "guardsmith_bundle",
		Description: "Describe the enforced policy bundle: version, checksum, and the hazards it guards.",
	}, s.handleBundle)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "guardsmith_pending",
		Description: "List actions waiting in the manual-review queue.",
	}, s.handlePending)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "guardsmith_resolve",
		Description: "Approve or deny a pending manual-review item by token. Requires a human operator's confirmation.",
	}, s.handleResolve)
}
