package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"enforcer/internal/enforcement"
	"enforcer/internal/ledger"
	"enforcer/internal/pipeline"
)

func newScanCommand(ctx *commandContext) *cobra.Command {
	scanCmd := &cobra.Command{
		Use:   "scan",
		Short: "Run scans and inspect scan history",
	}
	scanCmd.AddCommand(newScanAddCommand(ctx))
	scanCmd.AddCommand(newScanRunCommand(ctx))
	scanCmd.AddCommand(newScanStatsCommand(ctx))
	scanCmd.AddCommand(newScanRunsCommand(ctx))
	return scanCmd
}

func newScanAddCommand(ctx *commandContext) *cobra.Command {
	var productID string
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Register a scan for a product",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := ctx.application()
			if err != nil {
				return err
			}
			scan, err := a.store.CreateScan(cmd.Context(), productID, args[0])
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, scan)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Scan %s created for product %s\n", scan.ID, scan.ProductID)
			return nil
		},
	}
	cmd.Flags().StringVar(&productID, "product", "", "Product the scan monitors")
	_ = cmd.MarkFlagRequired("product")
	return cmd
}

type candidateFile struct {
	URL            string                             `json:"url"`
	Platform       string                             `json:"platform"`
	Category       string                             `json:"category"`
	Title          string                             `json:"title"`
	Snippet        string                             `json:"snippet"`
	Infrastructure *enforcement.InfrastructureProfile `json:"infrastructure"`
}

func readCandidates(path string) ([]ledger.Candidate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read candidates: %w", err)
	}
	var entries []candidateFile
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode candidates %s: %w", path, err)
	}
	out := make([]ledger.Candidate, len(entries))
	for i, e := range entries {
		out[i] = ledger.Candidate{
			URL:            e.URL,
			Platform:       e.Platform,
			Category:       e.Category,
			Title:          e.Title,
			Snippet:        e.Snippet,
			Infrastructure: e.Infrastructure,
		}
	}
	return out, nil
}

func newScanRunCommand(ctx *commandContext) *cobra.Command {
	var candidatesPath string
	cmd := &cobra.Command{
		Use:   "run <scan-id>",
		Short: "Process discovered candidates for a scan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := ctx.application()
			if err != nil {
				return err
			}
			candidates, err := readCandidates(candidatesPath)
			if err != nil {
				return err
			}
			report, err := a.runner.RunCandidates(cmd.Context(), args[0], candidates)
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, report)
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderReport(report))
			return nil
		},
	}
	cmd.Flags().StringVar(&candidatesPath, "candidates", "", "JSON file with discovered candidates")
	_ = cmd.MarkFlagRequired("candidates")
	return cmd
}

func renderReport(r pipeline.Report) string {
	rows := [][]string{
		{"URLs scanned", strconv.Itoa(r.URLsScanned)},
		{"New infringements", strconv.Itoa(r.NewInfringements)},
		{"Not infringing", strconv.Itoa(r.NotInfringing)},
		{"Classification errors", strconv.Itoa(r.ClassificationErrors)},
		{"Re-seen", strconv.Itoa(r.Reseen)},
		{"Relisted", strconv.Itoa(r.Relisted)},
		{"Reopened", strconv.Itoa(r.Reopened)},
		{"Invalid", strconv.Itoa(r.Invalid)},
		{"Lookups avoided", strconv.Itoa(r.LookupsAvoided)},
		{"Classifications avoided", strconv.Itoa(r.ClassificationsAvoided)},
	}
	return renderTable([]string{"Run " + r.RunID, "Count"}, rows, []columnAlignment{alignLeft, alignRight})
}

func newScanStatsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stats <scan-id>",
		Short: "Show aggregate statistics across all runs of a scan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := ctx.application()
			if err != nil {
				return err
			}
			stats, err := a.ledger.Statistics(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, stats)
			}
			rows := [][]string{
				{"Total runs", strconv.Itoa(stats.TotalRuns)},
				{"URLs scanned", strconv.Itoa(stats.URLsScanned)},
				{"New infringements", strconv.Itoa(stats.NewInfringements)},
				{"Re-seen", strconv.Itoa(stats.ReseenInfringements)},
				{"Lookups avoided", strconv.Itoa(stats.LookupsAvoided)},
				{"Classifications avoided", strconv.Itoa(stats.ClassificationsAvoided)},
				{"Average duration", stats.AverageDuration.Round(time.Millisecond).String()},
				{"First run", formatOptionalTime(stats.FirstRunAt)},
				{"Last run", formatOptionalTime(stats.LastRunAt)},
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Scan " + stats.ScanID, "Value"}, rows, []columnAlignment{alignLeft, alignRight}))
			return nil
		},
	}
}

func newScanRunsCommand(ctx *commandContext) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs <scan-id>",
		Short: "List recent runs of a scan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := ctx.application()
			if err != nil {
				return err
			}
			runs, err := a.ledger.Runs(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, runs)
			}
			if len(runs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No runs recorded")
				return nil
			}
			rows := make([][]string, 0, len(runs))
			for _, run := range runs {
				rows = append(rows, []string{
					run.RanAt.Local().Format("2006-01-02 15:04"),
					strconv.Itoa(run.URLsScanned),
					strconv.Itoa(run.NewInfringements),
					strconv.Itoa(run.ReseenInfringements),
					run.Duration.Round(time.Millisecond).String(),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"Ran at", "URLs", "New", "Re-seen", "Duration"}, rows,
				[]columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignRight},
			))
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "Maximum runs to list")
	return cmd
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}
