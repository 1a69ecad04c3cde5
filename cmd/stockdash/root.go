package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/stockdash/internal/config"
	"github.com/BadgerOps/stockdash/internal/engine"
	"github.com/BadgerOps/stockdash/internal/fetch"
	"github.com/BadgerOps/stockdash/internal/store"
)

var (
	// Global flags
	cfgPath   string
	dataDir   string
	logLevel  string
	logFormat string
	quiet     bool
	globalCfg *config.Config
	logger    *slog.Logger

	// Global components
	globalStore *store.Store
	globalFiles *store.Files
	globalOrch  *engine.Orchestrator
)

// initializeComponents opens the run history, the data files and the orchestrator
func initializeComponents() error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	st, err := store.New(globalCfg.DatabasePath(), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	globalStore = st

	globalFiles = store.OpenFiles(globalCfg.Server.DataDir)
	if err := seedSettings(globalFiles.Settings, globalCfg); err != nil {
		return err
	}

	client := fetch.NewClient(logger, globalCfg.Fetch.MaxBytes)
	globalOrch = engine.NewOrchestrator(
		client,
		globalFiles.Dataset,
		globalFiles.Settings,
		globalFiles.Journal,
		globalStore,
		logger,
	)
	globalOrch.SetStaleness(globalCfg.Schedule.Staleness)

	logger.Debug("components initialized", "data_dir", globalFiles.Dir, "db", globalCfg.DatabasePath())
	return nil
}

// seedSettings writes the first config.json. The process-level schedule
// time only applies here; afterwards the saved schedule_time wins.
func seedSettings(sf *store.SettingsFile, cfg *config.Config) error {
	if sf.Exists() {
		return nil
	}
	_, err := sf.Update(func(s *store.Settings) error {
		s.ScheduleTime = cfg.Schedule.Time
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to create settings: %w", err)
	}
	logger.Info("created settings file", "schedule_time", cfg.Schedule.Time)
	return nil
}

// startOrchestrator runs the orchestrator loop until the returned stop is called.
func startOrchestrator() (stop func()) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := globalOrch.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("orchestrator stopped", "error", err)
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// shouldSkipComponentInit checks if a command should skip component initialization
func shouldSkipComponentInit(cmd *cobra.Command) bool {
	skipInitCmds := map[string]bool{
		"help":     true,
		"version":  true,
		"config":   true,
		"show":     true,
		"validate": true,
	}
	return skipInitCmds[cmd.Name()]
}

// closeStore closes the global store connection
func closeStore() {
	if globalStore != nil {
		if err := globalStore.Close(); err != nil {
			logger.Error("failed to close store", "error", err)
		}
	}
}

// NewRootCmd creates and returns the root command
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stockdash",
		Short: "Inventory dashboard with scheduled remote sync",
		Long: `stockdash serves a password-protected product stock dashboard backed by a
single CSV file. Administrators replace the file by uploading it or by letting
the scheduler pull it from an SFTP, FTP or HTTP server once a day.`,
		Example: `  stockdash serve
  stockdash sync
  stockdash import productos.csv
  stockdash validate productos.csv
  stockdash status`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()

			if shouldSkipConfig(cmd.Name()) {
				return nil
			}

			if cfgPath == "" {
				var err error
				cfgPath, err = config.FindConfigFile()
				if err != nil {
					logger.Debug("config file not found, using defaults", "error", err)
				}
			}

			if cfgPath != "" {
				var err error
				globalCfg, err = config.Load(cfgPath)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
			} else {
				globalCfg = config.DefaultConfig()
			}

			if err := globalCfg.ApplyEnv(); err != nil {
				return err
			}

			// Override with command-line flags if provided
			if dataDir != "" {
				globalCfg.Server.DataDir = dataDir
			}

			if err := globalCfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			logger.Debug("config loaded", "path", cfgPath, "data_dir", globalCfg.Server.DataDir)

			if !shouldSkipComponentInit(cmd) {
				if err := initializeComponents(); err != nil {
					return fmt.Errorf("failed to initialize components: %w", err)
				}
			}

			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			closeStore()
		},
	}

	cmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file (auto-discovered if not specified)")
	cmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "override data directory")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text or json)")
	cmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "suppress non-error output")

	cmd.AddCommand(
		newServeCmd(),
		newSyncCmd(),
		newImportCmd(),
		newValidateCmd(),
		newStatusCmd(),
		newConfigCmd(),
	)

	return cmd
}

// setupLogging initializes the slog logger based on flags
func setupLogging() {
	var level slog.Level
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	if quiet {
		level = slog.LevelError
	}

	var handler slog.Handler
	if strings.ToLower(logFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}

	logger = slog.New(handler)
	slog.SetDefault(logger)
}

// shouldSkipConfig checks if a command should skip config loading
func shouldSkipConfig(cmdName string) bool {
	skipConfigCmds := map[string]bool{
		"help":    true,
		"version": true,
	}
	return skipConfigCmds[cmdName]
}
