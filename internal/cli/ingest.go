package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/guardsmith/guardsmith/internal/objstore"
	"github.com/guardsmith/guardsmith/internal/pipeline"
)

func init() {
	rootCmd.AddCommand(ingestCmd)
}

var ingestCmd = &cobra.Command{
	Use:   "ingest <spec.json>...",
	Short: "Run hazard specs through the full pipeline once",
	Long: "Copies each spec into the inbox store, then parses, compiles, judges,\n" +
		"and — for accepted artifacts — publishes a new bundle version. The same\n" +
		"per-spec result the daemon writes to the outbox is printed here.\n\n" +
		"Exit code 0 when every spec is published (or already was), 1 when any\n" +
		"spec is rejected by the pipeline.",
	Args: cobra.MinimumNArgs(1),
	RunE: runIngest,
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	cat, err := openCatalog(cfg)
	if err != nil {
		return err
	}
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
		Inbox:  cfg.Pipeline.Inbox,
		Outbox: cfg.Pipeline.Outbox,
	})
	if err != nil {
		return err
	}

	failed := 0
	for _, path := range args {
		ref, err := stageSpec(ctx, specs, path)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}

		result, err := orch.OnNewSpec(ctx, ref)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}

		switch result.Status {
		case pipeline.StatusPublished:
			fmt.Printf("published  %-20s bundle v%d\n", result.HazardID, result.BundleVersion)
		case pipeline.StatusDuplicate:
			fmt.Printf("duplicate  %-20s %s\n", result.HazardID, result.Rationale)
		default:
			failed++
			fmt.Printf("%-10s %-20s %s\n", result.Status, orDash(result.HazardID), result.Rationale)
		}
	}

	if failed > 0 {
		os.Exit(1)
	}
	return nil
}

// stageSpec copies a spec file into the inbox store. Spec objects are
// immutable: re-staging identical content is fine, differing content under
// the same name must arrive as a new file.
func stageSpec(ctx context.Context, specs *objstore.FSStore, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	ref := filepath.Base(path)

	err = specs.PutIfAbsent(ctx, ref, data)
	if errors.Is(err, objstore.ErrExists) {
		existing, getErr := specs.Get(ctx, ref)
		if getErr != nil {
			return "", getErr
		}
		if existing.Checksum != objstore.Checksum(data) {
			return "", fmt.Errorf("spec %s already staged with different content; submit a new version under a new name", ref)
		}
		return ref, nil
	}
	if err != nil {
		return "", err
	}
	return ref, nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
