package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"enforcer/internal/enforcement"
)

func newQueueCommand(ctx *commandContext) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and process the DMCA send queue",
	}
	queueCmd.AddCommand(newQueueCycleCommand(ctx))
	queueCmd.AddCommand(newQueueStatusCommand(ctx))
	queueCmd.AddCommand(newQueueBatchCommand(ctx))
	return queueCmd
}

func newQueueCycleCommand(ctx *commandContext) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "cycle",
		Short: "Claim due queue items and dispatch them once",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := ctx.application()
			if err != nil {
				return err
			}
			if limit <= 0 {
				limit = a.cfg.Queue.CycleLimit
			}
			result, err := a.queue.ProcessCycle(cmd.Context(), enforcement.AutomationCaller(), limit)
			if ctx.jsonOutput() {
				if encErr := writeJSON(cmd, result); encErr != nil {
					return encErr
				}
				return err
			}
			rows := [][]string{
				{"Processed", strconv.Itoa(result.Processed)},
				{"Sent", strconv.Itoa(result.Sent)},
				{"Retried", strconv.Itoa(result.Retried)},
				{"Failed", strconv.Itoa(result.Failed)},
				{"Awaiting manual", strconv.Itoa(result.AwaitingManual)},
				{"Reclaimed", strconv.Itoa(result.Reclaimed)},
				{"Conflicts", strconv.Itoa(result.Conflicts)},
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Outcome", "Count"}, rows, []columnAlignment{alignLeft, alignRight}))
			return err
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum items to claim (defaults to queue.cycle_limit)")
	return cmd
}

func newQueueStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue item counts by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := ctx.application()
			if err != nil {
				return err
			}
			stats, err := a.queue.Stats(cmd.Context(), enforcement.AutomationCaller())
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, stats)
			}
			statuses := []enforcement.QueueStatus{
				enforcement.QueuePending,
				enforcement.QueueProcessing,
				enforcement.QueueSent,
				enforcement.QueueFailed,
			}
			rows := make([][]string, 0, len(statuses))
			for _, status := range statuses {
				rows = append(rows, []string{string(status), strconv.Itoa(stats[status])})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Status", "Items"}, rows, []columnAlignment{alignLeft, alignRight}))
			return nil
		},
	}
}

func newQueueBatchCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "batch <batch-id>",
		Short: "Show progress of one batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := ctx.application()
			if err != nil {
				return err
			}
			progress, err := a.queue.BatchProgress(cmd.Context(), enforcement.AutomationCaller(), args[0])
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, progress)
			}
			rows := [][]string{{
				progress.BatchID,
				strconv.Itoa(progress.Total),
				strconv.Itoa(progress.Pending),
				strconv.Itoa(progress.Processing),
				strconv.Itoa(progress.Sent),
				strconv.Itoa(progress.Failed),
				yesNo(progress.Done()),
			}}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"Batch", "Total", "Pending", "Processing", "Sent", "Failed", "Done"}, rows,
				[]columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignRight, alignRight, alignLeft},
			))
			return nil
		},
	}
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
