package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/guardsmith/guardsmith/internal/bundle"
	"github.com/guardsmith/guardsmith/internal/judge"
)

var statusFormat string

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringVarP(&statusFormat, "format", "f", "text", "Output format: text or json")
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current bundle and artifact verdicts",
	RunE:  runStatus,
}

type artifactStatus struct {
	HazardID string  `json:"hazard_id"`
	Version  int     `json:"version"`
	Severity string  `json:"severity"`
	Checksum string  `json:"checksum"`
	Verdict  string  `json:"verdict"`
	Score    float64 `json:"score,omitempty"`
}

type registryStatus struct {
	BundleVersion  int64            `json:"bundle_version"`
	BundleChecksum string           `json:"bundle_checksum"`
	PublishedAt    string           `json:"published_at"`
	Versions       []int64          `json:"versions"`
	Artifacts      []artifactStatus `json:"artifacts"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	reg, closeReg, err := openRegistry(cfg)
	if err != nil {
		return err
	}
	defer closeReg()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	latest, err := reg.FetchLatest(ctx)
	if errors.Is(err, bundle.ErrNoBundle) {
		fmt.Println("No bundle published yet. Run 'guardsmith ingest' or 'guardsmith watch' first.")
		return nil
	}
	if err != nil {
		return err
	}
	versions, err := reg.Versions(ctx)
	if err != nil {
		return err
	}

	st := registryStatus{
		BundleVersion:  latest.Version,
		BundleChecksum: latest.Checksum,
		PublishedAt:    latest.PublishedAt.Format("2006-01-02 15:04:05 MST"),
		Versions:       versions,
	}
	for _, a := range latest.Artifacts {
		as := artifactStatus{
			HazardID: a.HazardID,
			Version:  a.Version,
			Severity: string(a.Severity),
			Checksum: a.Checksum,
			Verdict:  "unverified",
		}
		v, err := reg.LatestVerdict(ctx, a.Checksum)
		if err != nil {
			return err
		}
		if v != nil {
			as.Verdict = verdictLabel(v)
			as.Score = v.Confidence
		}
		st.Artifacts = append(st.Artifacts, as)
	}

	if statusFormat == "json" {
		out, err := json.MarshalIndent(st, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	fmt.Printf("Bundle v%d  (%d version(s) in registry)\n", st.BundleVersion, len(st.Versions))
	fmt.Printf("Checksum:  %s\n", st.BundleChecksum)
	fmt.Printf("Published: %s\n\n", st.PublishedAt)
	fmt.Printf("%-12s %-4s %-10s %-22s %-10s %s\n", "HAZARD", "VER", "SEVERITY", "CHECKSUM", "VERDICT", "SCORE")
	for _, a := range st.Artifacts {
		score := "-"
		if a.Score > 0 {
			score = fmt.Sprintf("%.2f", a.Score)
		}
		fmt.Printf("%-12s v%-3d %-10s %-22s %-10s %s\n",
			a.HazardID, a.Version, a.Severity, truncate(a.Checksum, 22), a.Verdict, score)
	}
	return nil
}

func verdictLabel(v *judge.Verdict) string {
	if v.Accept {
		return "accepted"
	}
	return "rejected"
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}
