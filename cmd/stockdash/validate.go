package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/stockdash/internal/engine"
	"github.com/BadgerOps/stockdash/internal/fetch"
	"github.com/BadgerOps/stockdash/internal/inventory"
)

func newValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate FILE",
		Short: "Check a product file without importing it",
		Long: `Run the same checks a sync or upload applies (required columns, at least one
row, unique codes) and print a bucket summary. Nothing is written.`,
		Example: `  stockdash validate productos.csv
  stockdash validate - < productos.csv`,
		Args: cobra.ExactArgs(1),
		RunE: validateRun,
	}
	return cmd
}

func validateRun(cmd *cobra.Command, args []string) error {
	raw, err := readInput(args[0])
	if err != nil {
		return err
	}

	text, lossy := fetch.DecodeText(raw)
	ds, err := inventory.Parse(strings.NewReader(text))
	if err != nil {
		return fmt.Errorf("invalid [%s]: %w", engine.Classify(err), err)
	}

	sum := inventory.Summarize(ds.Products, inventory.DefaultThresholds())
	fmt.Printf("Valid: %d products\n", sum.Total)
	fmt.Printf("  low: %d  medium: %d  high: %d  unknown stock: %d\n", sum.Low, sum.Medium, sum.High, sum.Unknown)
	if lossy {
		fmt.Println("  note: not UTF-8, decoded as Windows-1252")
	}
	return nil
}
