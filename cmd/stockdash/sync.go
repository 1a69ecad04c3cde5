package main

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/BadgerOps/stockdash/internal/engine"
)

var (
	syncTest    bool
	syncIfStale bool
	syncTimeout time.Duration
)

func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Fetch the dataset from the configured remote source",
		Long: `Fetch the product file from the remote source saved in config.json, validate
it, and replace the local dataset. The dataset is left untouched when the
download or validation fails.

Use --test to only check that the remote file is reachable, and --if-stale
to sync only when the last successful update is older than schedule.staleness
(the same check the scheduler runs at startup).`,
		Example: `  stockdash sync
  stockdash sync --test
  stockdash sync --if-stale`,
		RunE: syncRun,
	}

	cmd.Flags().BoolVar(&syncTest, "test", false, "test the connection without replacing the dataset")
	cmd.Flags().BoolVar(&syncIfStale, "if-stale", false, "only sync when the dataset is stale")
	cmd.Flags().DurationVar(&syncTimeout, "timeout", 5*time.Minute, "overall time limit")

	return cmd
}

func syncRun(cmd *cobra.Command, args []string) error {
	if globalOrch == nil {
		return fmt.Errorf("orchestrator not initialized")
	}

	ctx := cmd.Context()
	if syncTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, syncTimeout)
		defer cancel()
	}

	if syncTest {
		settings, err := globalFiles.Settings.Load()
		if err != nil {
			return err
		}
		kind, err := globalOrch.Test(ctx, settings.Remote)
		if err != nil {
			return fmt.Errorf("connection test failed [%s]: %w", kind, err)
		}
		fmt.Println("Connection succeeded")
		return nil
	}

	stop := startOrchestrator()
	defer stop()

	var (
		out engine.Outcome
		err error
	)
	if syncIfStale {
		out, err = globalOrch.CatchUp(ctx)
	} else {
		out, err = globalOrch.Trigger(ctx, engine.TriggerManual)
	}
	if err != nil {
		return fmt.Errorf("sync not run: %w", err)
	}

	printOutcome(out)
	if out.Status == engine.StatusFailed {
		return fmt.Errorf("sync failed [%s]", out.Kind)
	}
	return nil
}

func printOutcome(out engine.Outcome) {
	fmt.Printf("Status:   %s\n", out.Status)
	if out.RunID != "" {
		fmt.Printf("Run:      %s (%s)\n", out.RunID, out.Trigger)
	}
	if out.Kind != engine.KindNone {
		fmt.Printf("Error:    %s\n", out.Kind)
	}
	if out.Message != "" {
		fmt.Printf("Message:  %s\n", out.Message)
	}
	if out.Status == engine.StatusSucceeded {
		fmt.Printf("Products: %s\n", humanize.Comma(int64(out.Rows)))
		fmt.Printf("Size:     %s\n", humanize.Bytes(uint64(out.Bytes)))
		if out.Lossy {
			fmt.Println("Note:     file was not UTF-8 and was decoded as Windows-1252")
		}
	}
	if !out.FinishedAt.IsZero() {
		fmt.Printf("Duration: %s\n", out.FinishedAt.Sub(out.StartedAt).Round(time.Millisecond))
	}
}
