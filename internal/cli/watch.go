package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/guardsmith/guardsmith/internal/objstore"
	"github.com/guardsmith/guardsmith/internal/pipeline"
)

var watchPoll bool

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().BoolVar(&watchPoll, "poll", false, "Poll the inbox instead of using filesystem events")
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run the spec ingestion daemon",
	Long: "Watches the inbox for new hazard spec objects and runs each through\n" +
		"parse, generation, judging, and publication. Per-spec results land in\n" +
		"the outbox for the spec author. Existing inbox specs are processed at\n" +
		"startup; checksum deduplication makes that idempotent.",
	RunE: runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, hash, err := loadConfig()
	if err != nil {
		return err
	}
	cat, err := openCatalog(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	j, err := buildJudge(ctx, cfg)
	if err != nil {
		return err
	}
	reg, closeReg, err := openRegistry(cfg)
	if err != nil {
		return err
	}
	defer closeReg()

	specs, err := objstore.NewFSStore(cfg.Pipeline.Inbox)
	if err != nil {
		return err
	}

	orch, err := pipeline.New(specs, cat, j, reg, pipeline.Config{
		Inbox:        cfg.Pipeline.Inbox,
		Outbox:       cfg.Pipeline.Outbox,
		PIDFile:      cfg.Pipeline.PIDFile,
		PollMode:     watchPoll || cfg.Pipeline.PollMode,
		PollInterval: cfg.Pipeline.PollInterval,
	})
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nShutting down ingestion daemon...")
		cancel()
	}()

	fmt.Fprintf(os.Stderr, "guardsmith: config %s\n", hash)
	fmt.Fprintf(os.Stderr, "guardsmith: watching %s (catalog %s)\n", cfg.Pipeline.Inbox, cat.Version())
	return orch.Run(ctx)
}
