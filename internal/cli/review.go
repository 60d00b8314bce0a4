package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/guardsmith/guardsmith/internal/review"
)

var (
	reviewNote   string
	reviewAll    bool
	reviewFormat string
)

func init() {
	rootCmd.AddCommand(reviewCmd)
	reviewCmd.AddCommand(reviewListCmd)
	reviewCmd.AddCommand(reviewShowCmd)
	reviewCmd.AddCommand(reviewApproveCmd)
	reviewCmd.AddCommand(reviewDenyCmd)
	reviewCmd.AddCommand(reviewSweepCmd)

	reviewListCmd.Flags().BoolVar(&reviewAll, "all", false, "Include resolved and expired items")
	reviewListCmd.Flags().StringVarP(&reviewFormat, "format", "f", "text", "Output format: text or json")
	reviewApproveCmd.Flags().StringVar(&reviewNote, "note", "", "Reviewer note recorded with the resolution")
	reviewDenyCmd.Flags().StringVar(&reviewNote, "note", "", "Reviewer note recorded with the resolution")
}

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Manage the manual-review queue",
	Long: "Actions the gate routes to manual review wait here until a human\n" +
		"approves or denies them. Pending items past their TTL expire, which\n" +
		"resolves them as denied.",
}

var reviewListCmd = &cobra.Command{
	Use:   "list",
	Short: "List review items",
	RunE:  runReviewList,
}

var reviewShowCmd = &cobra.Command{
	Use:   "show <token>",
	Short: "Show one review item in full",
	Args:  cobra.ExactArgs(1),
	RunE:  runReviewShow,
}

var reviewApproveCmd = &cobra.Command{
	Use:   "approve <token>",
	Short: "Approve a pending review item",
	Args:  cobra.ExactArgs(1),
	RunE:  runReviewApprove,
}

var reviewDenyCmd = &cobra.Command{
	Use:   "deny <token>",
	Short: "Deny a pending review item",
	Args:  cobra.ExactArgs(1),
	RunE:  runReviewDeny,
}

var reviewSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Expire pending items past their TTL",
	RunE:  runReviewSweep,
}

func openReviewQueue() (*review.Queue, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return review.NewQueue(cfg.Review.Dir, cfg.Review.TTL)
}

func runReviewList(cmd *cobra.Command, args []string) error {
	q, err := openReviewQueue()
	if err != nil {
		return err
	}

	var items []review.Item
	if reviewAll {
		items, err = q.List()
	} else {
		items, err = q.Pending()
	}
	if err != nil {
		return err
	}

	if reviewFormat == "json" {
		out, err := json.MarshalIndent(items, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	if len(items) == 0 {
		fmt.Println("No review items.")
		return nil
	}
	fmt.Printf("%-14s %-10s %-25s %-20s %s\n", "TOKEN", "STATUS", "ACTION", "CREATED", "REASON")
	for _, it := range items {
		fmt.Printf("%-14s %-10s %-25s %-20s %s\n",
			it.Token,
			it.Status,
			truncate(it.Action, 25),
			it.CreatedAt.Format("2006-01-02 15:04:05"),
			truncate(it.Reason, 40),
		)
	}
	fmt.Printf("\n%d item(s)\n", len(items))
	return nil
}

func runReviewShow(cmd *cobra.Command, args []string) error {
	q, err := openReviewQueue()
	if err != nil {
		return err
	}
	item, err := q.Get(args[0])
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(item, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runReviewApprove(cmd *cobra.Command, args []string) error {
	q, err := openReviewQueue()
	if err != nil {
		return err
	}
	if err := q.Approve(args[0], reviewNote); err != nil {
		return err
	}
	fmt.Printf("approved %s\n", args[0])
	return nil
}

func runReviewDeny(cmd *cobra.Command, args []string) error {
	q, err := openReviewQueue()
	if err != nil {
		return err
	}
	if err := q.Deny(args[0], reviewNote); err != nil {
		return err
	}
	fmt.Printf("denied %s\n", args[0])
	return nil
}

func runReviewSweep(cmd *cobra.Command, args []string) error {
	q, err := openReviewQueue()
	if err != nil {
		return err
	}
	n, err := q.Sweep()
	if err != nil {
		return err
	}
	fmt.Printf("expired %d item(s)\n", n)
	return nil
}
