package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func newDeadlinesCommand(ctx *commandContext) *cobra.Command {
	deadlinesCmd := &cobra.Command{
		Use:   "deadlines",
		Short: "Check response deadlines and review backlog",
	}
	deadlinesCmd.AddCommand(newDeadlinesCheckCommand(ctx))
	deadlinesCmd.AddCommand(newDeadlinesReviewsCommand(ctx))
	return deadlinesCmd
}

func newDeadlinesCheckCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Mark overdue takedowns and list escalation suggestions",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := ctx.application()
			if err != nil {
				return err
			}
			result, escalated, err := a.tracker.CheckAndEscalate(cmd.Context())
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, map[string]any{
					"updated_count": result.UpdatedCount,
					"suggestions":   result.Suggestions,
					"escalated":     escalated,
				})
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Newly overdue: %d\n", result.UpdatedCount)
			fmt.Fprintf(out, "Escalations executed: %d\n", escalated)
			if len(result.Suggestions) == 0 {
				fmt.Fprintln(out, "No escalation suggestions")
				return nil
			}
			rows := make([][]string, 0, len(result.Suggestions))
			for _, s := range result.Suggestions {
				next := "-"
				if s.NextStep != nil {
					next = s.NextStep.Name
				}
				rows = append(rows, []string{
					s.InfringementID,
					string(s.Stage),
					string(s.CurrentTier),
					string(s.SuggestedTier),
					next,
					s.DueAt.Format("2006-01-02"),
				})
			}
			fmt.Fprintln(out, renderTable(
				[]string{"Infringement", "Stage", "Current", "Suggested", "Next step", "Due"}, rows, nil,
			))
			return nil
		},
	}
}

func newDeadlinesReviewsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "reviews",
		Short: "Flag detections waiting too long for verification",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := ctx.application()
			if err != nil {
				return err
			}
			result, err := a.tracker.CheckInfringementReviews(cmd.Context())
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, result)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Flagged for review: %s\n", strconv.Itoa(result.ReviewedCount))
			return nil
		},
	}
}
