package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/BadgerOps/stockdash/internal/engine"
	"github.com/BadgerOps/stockdash/internal/server"
)

// runHistoryKeep bounds the sync_runs table.
const runHistoryKeep = 1000

var (
	serveListen      string
	serveNoScheduler bool
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the dashboard and the sync scheduler",
		Long: `Start the HTTP dashboard. When the scheduler is enabled (schedule.enabled or
ENABLE_SCHEDULER=true) a background worker also syncs the dataset from the
configured remote source once a day, and immediately at startup when the
last successful update is older than schedule.staleness.

ADMIN_PASSWORD (or auth.admin_password) must be set.`,
		Example: `  stockdash serve
  stockdash serve --listen 127.0.0.1:9000
  ENABLE_SCHEDULER=true UPDATE_SCHEDULE_TIME=03:30 stockdash serve`,
		RunE: serveRun,
	}

	cmd.Flags().StringVar(&serveListen, "listen", "", "address to listen on (host:port), overrides server.listen")
	cmd.Flags().BoolVar(&serveNoScheduler, "no-scheduler", false, "do not start the sync scheduler")

	return cmd
}

func serveRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}
	if globalOrch == nil {
		return fmt.Errorf("orchestrator not initialized")
	}
	if globalCfg.Auth.AdminPassword == "" {
		return fmt.Errorf("no admin password configured: set ADMIN_PASSWORD or auth.admin_password")
	}
	if globalCfg.Auth.ViewerPassword == "" {
		log.Warn("VIEWER_PASSWORD not set, only the admin password can open the dashboard")
	}

	if n, err := globalStore.PruneSyncRuns(runHistoryKeep); err != nil {
		log.Warn("failed to prune run history", "error", err)
	} else if n > 0 {
		log.Info("pruned run history", "removed", n)
	}

	listen := globalCfg.Server.Listen
	if serveListen != "" {
		listen = serveListen
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := globalOrch.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	srv := server.NewServer(globalOrch, globalFiles, globalStore, globalCfg, logger)

	var sched *engine.Scheduler
	if globalCfg.Schedule.Enabled && !serveNoScheduler {
		settings, err := globalFiles.Settings.Load()
		if err != nil {
			stop()
			g.Wait()
			return fmt.Errorf("failed to load settings: %w", err)
		}
		at, err := settings.Schedule()
		if err != nil {
			stop()
			g.Wait()
			return fmt.Errorf("invalid schedule_time in settings: %w", err)
		}
		sched, err = engine.StartScheduler(gctx, globalOrch, globalFiles.Status, engine.SchedulerOptions{
			At:       at,
			Interval: globalCfg.Schedule.TickInterval,
			Journal:  globalFiles.Journal,
			Logger:   logger,
		})
		if err != nil {
			stop()
			g.Wait()
			return err
		}
		srv.SetScheduler(sched)
	} else {
		log.Info("scheduler disabled, syncs run only on demand")
	}

	g.Go(func() error {
		return srv.Start(listen)
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		var errs []error
		if sched != nil {
			errs = append(errs, sched.Shutdown(shutdownCtx))
		}
		errs = append(errs, srv.Shutdown(shutdownCtx))
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("server stopped gracefully")
	return nil
}
