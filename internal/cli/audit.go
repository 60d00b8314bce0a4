package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/guardsmith/guardsmith/internal/audit"
)

var (
	auditAction  string
	auditOutcome string
	auditSince   string
	auditLimit   int
	auditFormat  string
)

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	auditCmd.AddCommand(auditShowCmd)

	auditShowCmd.Flags().StringVar(&auditAction, "action", "", "Filter by action name")
	auditShowCmd.Flags().StringVar(&auditOutcome, "outcome", "", "Filter by outcome: allow, deny, manual_review")
	auditShowCmd.Flags().StringVar(&auditSince, "since", "", "Only decisions newer than this (e.g. 30m, 24h)")
	auditShowCmd.Flags().IntVar(&auditLimit, "limit", 0, "Show at most N most recent decisions (0 = all)")
	auditShowCmd.Flags().StringVarP(&auditFormat, "format", "f", "text", "Output format: text or json")
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the hash-chained decision log",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify [path]",
	Short: "Verify the decision log hash chain",
	Long: "Walks the decision log and checks every hash link. A broken link\n" +
		"means the log was edited after the fact; the command reports the\n" +
		"first bad line and exits nonzero.",
	Args: cobra.MaximumNArgs(1),
	RunE: runAuditVerify,
}

var auditShowCmd = &cobra.Command{
	Use:   "show [path]",
	Short: "Show recorded decisions",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAuditShow,
}

func auditLogPath(args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	cfg, _, err := loadConfig()
	if err != nil {
		return "", err
	}
	return cfg.Audit.LogPath, nil
}

func runAuditVerify(cmd *cobra.Command, args []string) error {
	path, err := auditLogPath(args)
	if err != nil {
		return err
	}

	report := audit.VerifyChain(path)
	if report.Intact {
		fmt.Printf("ok: chain intact across %d entries\n", report.Entries)
		return nil
	}
	if report.FaultLine > 0 {
		fmt.Printf("TAMPERED: %s (line %d, %d entries verified before the break)\n",
			report.Fault, report.FaultLine, report.Entries)
	} else {
		fmt.Printf("FAILED: %s\n", report.Fault)
	}
	os.Exit(1)
	return nil
}

func runAuditShow(cmd *cobra.Command, args []string) error {
	path, err := auditLogPath(args)
	if err != nil {
		return err
	}

	filter := audit.Filter{
		Action:  auditAction,
		Outcome: auditOutcome,
	}
	if auditSince != "" {
		d, err := time.ParseDuration(auditSince)
		if err != nil {
			return fmt.Errorf("invalid --since %q: %w", auditSince, err)
		}
		filter.Since = time.Now().Add(-d)
	}

	result, err := audit.Query(path, filter)
	if err != nil {
		return err
	}
	if auditLimit > 0 && len(result.Entries) > auditLimit {
		result.Entries = result.Entries[len(result.Entries)-auditLimit:]
	}

	if auditFormat == "json" {
		out, err := audit.FormatJSON(result)
		if err != nil {
			return err
		}
		fmt.Println(out)
		return nil
	}
	fmt.Print(audit.FormatTimeline(result))
	return nil
}
