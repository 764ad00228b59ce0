package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"enforcer/internal/precision"
)

func newPrecisionCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "precision",
		Short: "Show detection precision per category",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := ctx.application()
			if err != nil {
				return err
			}
			stats, err := a.precision.ComputePrecision(cmd.Context())
			if err != nil {
				return err
			}
			sorted := precision.Sorted(stats)
			if ctx.jsonOutput() {
				return writeJSON(cmd, sorted)
			}
			if len(sorted) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No verified detections yet")
				return nil
			}
			rows := make([][]string, 0, len(sorted))
			for _, stat := range sorted {
				value := "n/a"
				if stat.Precision != nil {
					value = fmt.Sprintf("%.0f%%", *stat.Precision*100)
				}
				rows = append(rows, []string{
					precision.Label(stat.Category),
					strconv.Itoa(stat.TotalResults),
					strconv.Itoa(stat.Verified),
					strconv.Itoa(stat.Rejected),
					value,
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"Category", "Results", "Verified", "Rejected", "Precision"}, rows,
				[]columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignRight},
			))
			return nil
		},
	}
}
