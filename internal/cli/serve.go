package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/guardsmith/guardsmith/internal/bundle"
	"github.com/guardsmith/guardsmith/internal/config"
	"github.com/guardsmith/guardsmith/internal/engine"
)

var servePort int

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().IntVar(&servePort, "port", 8737, "HTTP listen port")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP decision engine",
	Long: "Runs the declarative rule engine as an HTTP service. Gates configured\n" +
		"with engine.url call it for an independent second opinion on each\n" +
		"guarded action. The engine re-reads the registry on an interval, so a\n" +
		"freshly published bundle reaches it without a restart.",
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, hash, err := loadConfig()
	if err != nil {
		return err
	}
	reg, closeReg, err := openRegistry(cfg)
	if err != nil {
		return err
	}
	defer closeReg()

	decider, err := engine.NewLocalDecider()
	if err != nil {
		return fmt.Errorf("init rule engine: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	version, err := loadEngineBundle(ctx, reg, decider, 0)
	if err != nil {
		return err
	}
	go refreshEngineBundle(ctx, reg, decider, version, cfg.Gate.RefreshInterval)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", servePort),
		Handler:           engine.NewHandler(decider, config.EngineToken()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nShutting down decision engine...")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	fmt.Fprintf(os.Stderr, "guardsmith: config %s\n", hash)
	if version == 0 {
		fmt.Fprintf(os.Stderr, "guardsmith decision engine listening on :%d (no bundle yet)\n", servePort)
	} else {
		fmt.Fprintf(os.Stderr, "guardsmith decision engine listening on :%d (bundle v%d)\n", servePort, version)
	}

	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// loadEngineBundle loads the current bundle into the decider when it is newer
// than have. Returns the loaded (or retained) version; 0 when nothing is
// published yet.
func loadEngineBundle(ctx context.Context, reg *bundle.Registry, decider *engine.LocalDecider, have int64) (int64, error) {
	b, err := reg.FetchLatest(ctx)
	if errors.Is(err, bundle.ErrNoBundle) {
		return have, nil
	}
	if err != nil {
		return have, fmt.Errorf("fetch current bundle: %w", err)
	}
	if b.Version == have {
		return have, nil
	}
	if err := decider.SetArtifacts(b.Version, b.Artifacts); err != nil {
		return have, fmt.Errorf("load bundle v%d: %w", b.Version, err)
	}
	return b.Version, nil
}

func refreshEngineBundle(ctx context.Context, reg *bundle.Registry, decider *engine.LocalDecider, have int64, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			v, err := loadEngineBundle(ctx, reg, decider, have)
			if err != nil {
				fmt.Fprintf(os.Stderr, "engine: bundle refresh: %v\n", err)
				continue
			}
			if v != have {
				fmt.Fprintf(os.Stderr, "engine: now serving bundle v%d\n", v)
				have = v
			}
		}
	}
}
