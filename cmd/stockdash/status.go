package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/BadgerOps/stockdash/internal/engine"
	"github.com/BadgerOps/stockdash/internal/store"
)

var (
	statusRuns    int
	statusJournal int
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show dataset, scheduler and recent run status",
		Long: `Show the size and age of the live dataset, the scheduler liveness file,
the most recent sync runs and the tail of the scheduler journal.`,
		Example: `  stockdash status
  stockdash status --runs 20 --journal 0`,
		RunE: statusRun,
	}

	cmd.Flags().IntVar(&statusRuns, "runs", 10, "number of recent runs to list")
	cmd.Flags().IntVar(&statusJournal, "journal", 10, "number of journal lines to show")

	return cmd
}

func statusRun(cmd *cobra.Command, args []string) error {
	if globalFiles == nil {
		return fmt.Errorf("data files not initialized")
	}

	settings, err := globalFiles.Settings.Load()
	if err != nil {
		return err
	}
	ds, err := globalFiles.Dataset.Load()
	if err != nil {
		return err
	}
	sched, err := globalFiles.Status.Load()
	if err != nil {
		return err
	}

	fmt.Println("Dataset")
	fmt.Println("=======")
	fmt.Printf("  Products:     %d\n", ds.Len())
	fmt.Printf("  File:         %s\n", globalFiles.Dataset.Path())
	fmt.Printf("  Last update:  %s\n", whenString(settings.LastUpdate.Time))
	if globalStore != nil {
		last, err := globalStore.LastSuccessfulRun()
		switch {
		case err == nil:
			fmt.Printf("  Last success: %s (%s, %d products)\n", whenString(last.StartTime), last.Trigger, last.Rows)
		case errors.Is(err, store.ErrNotFound):
			fmt.Printf("  Last success: %s\n", whenString(time.Time{}))
		default:
			return err
		}
	}
	stale := engine.NeedsCatchUp(settings.LastUpdate.Time, time.Now(), globalCfg.Schedule.Staleness)
	fmt.Printf("  Stale:        %t\n", stale)
	fmt.Println()

	fmt.Println("Scheduler")
	fmt.Println("=========")
	fmt.Printf("  Schedule:     %s\n", settings.ScheduleTime)
	fmt.Printf("  Remote:       %s\n", remoteSummary(settings.Remote.Enabled, settings.Remote.Protocol, settings.Remote.Host, settings.Remote.URL))
	fmt.Printf("  Worker:       %s\n", workerString(sched.WorkerActive))
	fmt.Printf("  Last check:   %s\n", whenString(sched.LastCheck.Time))
	fmt.Printf("  Next run:     %s\n", whenString(sched.NextRun.Time))
	fmt.Println()

	if statusRuns > 0 && globalStore != nil {
		runs, err := globalStore.ListSyncRuns("", statusRuns)
		if err != nil {
			return err
		}
		fmt.Println("Recent runs")
		fmt.Println("===========")
		fmt.Printf("%-20s %-9s %-10s %8s %10s  %s\n", "Started", "Trigger", "Status", "Rows", "Size", "Error")
		fmt.Println(strings.Repeat("-", 80))
		for _, r := range runs {
			fmt.Printf("%-20s %-9s %-10s %8d %10s  %s\n",
				r.StartTime.Local().Format("2006-01-02 15:04:05"),
				r.Trigger,
				r.Status,
				r.Rows,
				humanize.Bytes(uint64(r.BytesTransferred)),
				r.ErrorKind,
			)
		}
		if len(runs) == 0 {
			fmt.Println("  (none)")
		}
		fmt.Println()
	}

	if statusJournal > 0 {
		lines, err := globalFiles.Journal.Tail(statusJournal)
		if err != nil {
			return err
		}
		fmt.Println("Journal")
		fmt.Println("=======")
		for _, l := range lines {
			fmt.Println("  " + l)
		}
		if len(lines) == 0 {
			fmt.Println("  (empty)")
		}
	}

	return nil
}

func whenString(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return fmt.Sprintf("%s (%s)", t.Local().Format("2006-01-02 15:04:05"), humanize.Time(t))
}

func workerString(active bool) string {
	if active {
		return "active"
	}
	return "stopped"
}

func remoteSummary(enabled bool, protocol, host, url string) string {
	if !enabled {
		return "disabled"
	}
	if url != "" && (protocol == "http" || protocol == "https") {
		return url
	}
	return protocol + "://" + host
}
