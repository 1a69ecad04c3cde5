package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/stockdash/internal/engine"
)

func newImportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import FILE",
		Short: "Replace the dataset with a local file",
		Long: `Validate a local CSV file and make it the live dataset, exactly like an
upload from the dashboard. Use "-" to read from standard input. The current
dataset is kept when validation fails.`,
		Example: `  stockdash import productos.csv
  cat export.csv | stockdash import -`,
		Args: cobra.ExactArgs(1),
		RunE: importRun,
	}
	return cmd
}

func importRun(cmd *cobra.Command, args []string) error {
	if globalOrch == nil {
		return fmt.Errorf("orchestrator not initialized")
	}

	raw, err := readInput(args[0])
	if err != nil {
		return err
	}

	stop := startOrchestrator()
	defer stop()

	out, err := globalOrch.Upload(cmd.Context(), raw)
	if err != nil {
		return fmt.Errorf("import not run: %w", err)
	}

	printOutcome(out)
	if out.Status == engine.StatusFailed {
		return fmt.Errorf("import failed [%s]", out.Kind)
	}
	return nil
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return raw, nil
}
