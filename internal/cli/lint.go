package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/guardsmith/guardsmith/internal/catalog"
	"github.com/guardsmith/guardsmith/internal/hazard"
)

func init() {
	rootCmd.AddCommand(lintCmd)
}

var lintCmd = &cobra.Command{
	Use:   "lint <spec.json>...",
	Short: "Validate hazard spec files without publishing anything",
	Long: "Parses each spec against the observable catalog and reports what the\n" +
		"ingestion pipeline would reject: malformed documents, unknown variables,\n" +
		"operator/type mismatches, bad qualifiers.\n\n" +
		"Exit code 0 if all specs parse, 1 if any fail.\n" +
		"Use in CI on the spec repository before specs reach the inbox.",
	Args: cobra.MinimumNArgs(1),
	RunE: runLint,
}

func runLint(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	cat, err := openCatalog(cfg)
	if err != nil {
		return err
	}

	failures := 0
	for _, path := range args {
		if err := lintFile(path, cat); err != nil {
			failures++
			fmt.Printf("FAIL %s: %v\n", path, err)
			continue
		}
		fmt.Printf("ok   %s\n", path)
	}

	if failures > 0 {
		fmt.Printf("\n%d of %d specs failed\n", failures, len(args))
		os.Exit(1)
	}
	return nil
}

func lintFile(path string, cat *catalog.Catalog) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var spec hazard.Spec
	if err := json.Unmarshal(data, &spec); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := hazard.ValidateSpec(&spec); err != nil {
		return err
	}

	if _, err := hazard.Parse(&spec, cat); err != nil {
		var pe *hazard.ParseError
		if errors.As(err, &pe) {
			return fmt.Errorf("%s: %s", pe.Code, pe.Detail)
		}
		return err
	}
	return nil
}
