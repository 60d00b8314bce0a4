package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/guardsmith/guardsmith/internal/gate"
	guardmcp "github.com/guardsmith/guardsmith/internal/mcp"
)

func init() {
	rootCmd.AddCommand(mcpCmd)
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start the MCP tool server for agent integration",
	Long: "Runs guardsmith as an MCP (Model Context Protocol) server over stdio.\n" +
		"Exposes the gate to agents as tools: check, bundle, pending, resolve.\n" +
		"The gate tracks the registry, so a publish reaches connected agents\n" +
		"without a restart.",
	RunE: runMCP,
}

func runMCP(cmd *cobra.Command, args []string) error {
	cfg, hash, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg, closeReg, err := openRegistry(cfg)
	if err != nil {
		return err
	}
	defer closeReg()

	g, queue, closeGate, err := buildGate(ctx, cfg, reg)
	if err != nil {
		return err
	}
	defer closeGate()

	srv, err := guardmcp.New(guardmcp.Config{
		Gate:     g,
		Registry: reg,
		Reviews:  queue,
	})
	if err != nil {
		return fmt.Errorf("create MCP server: %w", err)
	}

	refresher := gate.NewRefresher(g, reg, cfg.Gate.RefreshInterval, registryWatchPath(cfg))
	go func() {
		if err := refresher.Run(ctx); err != nil && ctx.Err() == nil {
			fmt.Fprintf(os.Stderr, "mcp: bundle refresher: %v\n", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nShutting down MCP server...")
		cancel()
	}()

	fmt.Fprintf(os.Stderr, "guardsmith: config %s\n", hash)
	if v := g.BundleVersion(); v > 0 {
		fmt.Fprintf(os.Stderr, "guardsmith MCP server running on stdio (bundle v%d)\n", v)
	} else {
		fmt.Fprintln(os.Stderr, "guardsmith MCP server running on stdio (no bundle yet)")
	}

	return srv.Run(ctx)
}
