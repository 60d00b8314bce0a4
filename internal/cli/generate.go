package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/guardsmith/guardsmith/internal/codegen"
	"github.com/guardsmith/guardsmith/internal/hazard"
)

var (
	generateVerify bool
	generateFormat string
)

func init() {
	rootCmd.AddCommand(generateCmd)
	generateCmd.Flags().BoolVar(&generateVerify, "verify", false, "Also run the judge and print its verdict")
	generateCmd.Flags().StringVarP(&generateFormat, "format", "f", "text", "Output format (text|json)")
}

var generateCmd = &cobra.Command{
	Use:   "generate <spec.json>",
	Short: "Compile a hazard spec into its artifact pair without publishing",
	Long: "Parses the spec, renders the CEL policy rule and the guard document,\n" +
		"and prints both with their shared checksum. Nothing is published;\n" +
		"use this to inspect what a spec compiles to.\n\n" +
		"With --verify, the configured judge also scores the artifact and the\n" +
		"verdict is printed (exit code 1 on a reject).",
	Args: cobra.ExactArgs(1),
	RunE: runGenerate,
}

func runGenerate(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	cat, err := openCatalog(cfg)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	var spec hazard.Spec
	if err := json.Unmarshal(data, &spec); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}

	constraint, err := hazard.Parse(&spec, cat)
	if err != nil {
		return err
	}

	gen, err := codegen.NewGenerator()
	if err != nil {
		return err
	}
	artifact, err := gen.Generate(constraint)
	if err != nil {
		return err
	}

	out := struct {
		*codegen.Artifact
		Verdict any `json:"verdict,omitempty"`
	}{Artifact: artifact}

	rejected := false
	if generateVerify {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		j, err := buildJudge(ctx, cfg)
		if err != nil {
			return err
		}
		verdict, err := j.Verify(ctx, &spec, artifact)
		if err != nil {
			return err
		}
		out.Verdict = verdict
		rejected = !verdict.Accept
	}

	switch generateFormat {
	case "json":
		enc, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(enc))
	default:
		fmt.Printf("hazard:   %s\n", artifact.Key())
		fmt.Printf("severity: %s\n", artifact.Severity)
		fmt.Printf("checksum: %s\n", artifact.Checksum)
		fmt.Printf("\nrule:\n  %s\n", artifact.RuleSource)
		fmt.Printf("\nguard:\n  %s\n", artifact.GuardSource)
		if generateVerify {
			printVerdict(out.Verdict)
		}
	}

	if rejected {
		os.Exit(1)
	}
	return nil
}

func printVerdict(v any) {
	enc, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return
	}
	fmt.Printf("\nverdict:\n%s\n", string(enc))
}
