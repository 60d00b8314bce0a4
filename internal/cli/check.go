package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/guardsmith/guardsmith/internal/gate"
)

var checkFormat string

func init() {
	rootCmd.AddCommand(checkCmd)
	checkCmd.Flags().StringVarP(&checkFormat, "format", "f", "text", "Output format: text or json")
}

var checkCmd = &cobra.Command{
	Use:   "check <action.json>",
	Short: "Evaluate one action against the current bundle",
	Long: "Runs a single action through the enforcement gate and reports the\n" +
		"decision. Reads the action from a JSON file, or from stdin when the\n" +
		"argument is '-'.\n\n" +
		"Exit codes: 0 allowed, 1 denied, 2 routed to manual review.",
	Args: cobra.ExactArgs(1),
	RunE: runCheck,
}

// actionFile is the on-disk action shape. Ages carry sample staleness in
// seconds for freshness-bounded guards.
type actionFile struct {
	Name  string             `json:"name"`
	Class string             `json:"class"`
	Input map[string]any     `json:"input"`
	Ages  map[string]float64 `json:"ages,omitempty"`
}

type decisionOutput struct {
	Outcome       string   `json:"outcome"`
	Reason        string   `json:"reason"`
	Hazards       []string `json:"hazards,omitempty"`
	BundleVersion int64    `json:"bundle_version"`
	EngineChecked bool     `json:"engine_checked"`
	InvocationID  string   `json:"invocation_id"`
	ReviewToken   string   `json:"review_token,omitempty"`
}

func runCheck(cmd *cobra.Command, args []string) error {
	var data []byte
	var err error
	if args[0] == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(args[0])
	}
	if err != nil {
		return fmt.Errorf("read action: %w", err)
	}

	var af actionFile
	if err := json.Unmarshal(data, &af); err != nil {
		return fmt.Errorf("parse action: %w", err)
	}
	if af.Name == "" {
		return fmt.Errorf("action needs a name")
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	reg, closeReg, err := openRegistry(cfg)
	if err != nil {
		return err
	}
	defer closeReg()

	g, _, closeGate, err := buildGate(ctx, cfg, reg)
	if err != nil {
		return err
	}
	defer closeGate()

	d := g.Check(ctx, gate.Action{
		Name:  af.Name,
		Class: af.Class,
		Input: af.Input,
		Ages:  af.Ages,
	})
	printDecision(d)

	switch d.Outcome {
	case gate.Allowed:
		return nil
	case gate.ManualReview:
		os.Exit(2)
	default:
		os.Exit(1)
	}
	return nil
}

func printDecision(d gate.Decision) {
	if checkFormat == "json" {
		out, err := json.MarshalIndent(decisionOutput{
			Outcome:       string(d.Outcome),
			Reason:        d.Reason,
			Hazards:       d.Hazards,
			BundleVersion: d.BundleVersion,
			EngineChecked: d.EngineChecked,
			InvocationID:  d.InvocationID,
			ReviewToken:   d.ReviewToken,
		}, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "guardsmith: encode decision: %v\n", err)
			return
		}
		fmt.Println(string(out))
		return
	}

	fmt.Printf("%-14s %s\n", "Outcome:", d.Outcome)
	fmt.Printf("%-14s %s\n", "Reason:", d.Reason)
	if len(d.Hazards) > 0 {
		fmt.Printf("%-14s %v\n", "Hazards:", d.Hazards)
	}
	fmt.Printf("%-14s v%d\n", "Bundle:", d.BundleVersion)
	fmt.Printf("%-14s %t\n", "Engine check:", d.EngineChecked)
	fmt.Printf("%-14s %s\n", "Invocation:", d.InvocationID)
	if d.ReviewToken != "" {
		fmt.Printf("%-14s %s\n", "Review token:", d.ReviewToken)
	}
}
