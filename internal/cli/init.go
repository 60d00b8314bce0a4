package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/guardsmith/guardsmith/internal/config"
	"github.com/guardsmith/guardsmith/internal/integrity"
)

var (
	initForce         bool
	initWriteChecksum bool
)

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing config file")
	initCmd.Flags().BoolVar(&initWriteChecksum, "write-checksum", false, "Record this binary's checksum for the startup integrity check")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Bootstrap guardsmith configuration and working directories",
	Long: `Creates ~/.guardsmith with a commented guardsmith.yaml and the working
directories the pipeline and gate use: the spec inbox, the result outbox,
the bundle registry, and the manual-review queue.

With --write-checksum: records the running binary's SHA-256 so later starts
verify the binary has not been altered.`,
	RunE: runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("cannot determine home directory: %w", err)
	}
	base := filepath.Join(home, ".guardsmith")

	var created []string

	cfgPath := filepath.Join(base, "guardsmith.yaml")
	if wrote, err := writeIfMissing(cfgPath, config.DefaultYAML()); err != nil {
		return err
	} else if wrote {
		created = append(created, cfgPath)
	}

	cfg, _, err := config.LoadWithHash(cfgPath)
	if err != nil {
		return err
	}
	for _, dir := range []string{
		cfg.Pipeline.Inbox,
		cfg.Pipeline.Outbox,
		cfg.Registry.Dir,
		cfg.Review.Dir,
	} {
		if dir == "" {
			continue
		}
		if _, statErr := os.Stat(dir); os.IsNotExist(statErr) {
			created = append(created, dir+string(os.PathSeparator))
		}
		if err := os.MkdirAll(dir, 0750); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	if initWriteChecksum {
		hash, err := integrity.HashSelf()
		if err != nil {
			return fmt.Errorf("hash binary: %w", err)
		}
		checksumPath := filepath.Join(base, "binary.sha256")
		if err := os.WriteFile(checksumPath, []byte(hash+"\n"), 0600); err != nil {
			return fmt.Errorf("write checksum file: %w", err)
		}
		created = append(created, checksumPath)
	}

	fmt.Println("guardsmith init complete.")
	fmt.Println()
	if len(created) > 0 {
		fmt.Println("Created:")
		for _, path := range created {
			fmt.Printf("  %s\n", path)
		}
		fmt.Println()
	} else {
		fmt.Println("All files already exist (use --force to overwrite the config).")
		fmt.Println()
	}

	fmt.Println("Next steps:")
	fmt.Println("  guardsmith lint <spec.json>        validate a hazard spec")
	fmt.Println("  guardsmith ingest <spec.json>      compile, verify, and publish it")
	fmt.Println("  guardsmith status                  inspect the current bundle")
	fmt.Println("  guardsmith watch                   run the ingestion daemon")

	return nil
}

// writeIfMissing writes content to path unless it exists, or always with
// --force. Returns true if the file was written.
func writeIfMissing(path, content string) (bool, error) {
	if !initForce {
		if _, err := os.Stat(path); err == nil {
			return false, nil
		}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, fmt.Errorf("create directory %s: %w", dir, err)
	}

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}
