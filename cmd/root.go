package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/reloquent/carryover/internal/config"
	"github.com/reloquent/carryover/internal/engine"
	"github.com/reloquent/carryover/internal/logging"
)

var (
	cfgFile  string
	logLevel string
	version  = "dev"
	commit   = "none"
	date     = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "carryover",
	Short: "carryover: legacy content store to relational destination migration",
	Long: `carryover migrates content, repositories, remotes and distributions from a
legacy MongoDB content store into a PostgreSQL destination.

Runs are driven by a migration plan and are resumable: re-running a plan
skips everything that was already migrated.`,
	SilenceUsage: true,
}

func Execute() {
	rootCmd.Version = fmt.Sprintf("%s (commit %s, built %s)", version, commit, date)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.carryover/carryover.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error); overrides the config")
}

func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return config.ExpandHome(config.DefaultPath)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

// setupLogger logs to the dated file in the configured directory and to
// stderr, unless console output would fight with a full-screen view.
func setupLogger(cfg *config.Config, console bool) (*slog.Logger, error) {
	opts := logging.Options{
		Level:         cfg.Logging.Level,
		Format:        cfg.Logging.Format,
		Directory:     cfg.Logging.Directory,
		RetentionDays: cfg.Logging.RetentionDays,
	}
	if !console {
		opts.Console = io.Discard
	}
	return logging.Setup(opts)
}

// newEngine loads config, logging and the engine. The caller connects the
// stores it needs and closes the engine.
func newEngine(console bool) (*engine.Engine, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := setupLogger(cfg, console)
	if err != nil {
		return nil, fmt.Errorf("setting up logging: %w", err)
	}
	return engine.New(cfg, logger)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
