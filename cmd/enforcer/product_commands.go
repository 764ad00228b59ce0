package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

func newProductCommand(ctx *commandContext) *cobra.Command {
	productCmd := &cobra.Command{
		Use:   "product",
		Short: "Manage protected products",
	}
	productCmd.AddCommand(newProductAddCommand(ctx))
	productCmd.AddCommand(newProductPurgeCommand(ctx))
	return productCmd
}

func newProductAddCommand(ctx *commandContext) *cobra.Command {
	var tenant string
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Register a product for a tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := ctx.application()
			if err != nil {
				return err
			}
			product, err := a.store.CreateProduct(cmd.Context(), tenant, args[0])
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, product)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Product %s created for tenant %s\n", product.ID, product.TenantID)
			return nil
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "Owning tenant identifier")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func newProductPurgeCommand(ctx *commandContext) *cobra.Command {
	var confirm bool
	cmd := &cobra.Command{
		Use:   "purge <product-id>",
		Short: "Delete a product with all of its scans, infringements and takedowns",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirm {
				return errors.New("purge is irreversible; pass --yes to confirm")
			}
			a, err := ctx.application()
			if err != nil {
				return err
			}
			result, err := a.store.Purge(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, result)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Purged product %s\n", args[0])
			fmt.Fprintf(out, "  Infringements: %d\n", result.Infringements)
			fmt.Fprintf(out, "  Queue items:   %d\n", result.QueueItems)
			fmt.Fprintf(out, "  Takedowns:     %d\n", result.Takedowns)
			fmt.Fprintf(out, "  Scan runs:     %d\n", result.ScanRuns)
			fmt.Fprintf(out, "  Scans:         %d\n", result.Scans)
			return nil
		},
	}
	cmd.Flags().BoolVar(&confirm, "yes", false, "Confirm the purge")
	return cmd
}
