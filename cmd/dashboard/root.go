package main

import (
	"fmt"
	"os"

	"github.com/h2-dashboard/backend/internal/config"
	"github.com/h2-dashboard/backend/internal/logging"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	cfgFile   string
	logLevel  string
	logFormat string

	cfg    *config.AppConfig
	logger *logrus.Logger
)

var rootCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Electrolysis telemetry service",
	Long: `Connects to the electrolysis telemetry backend, keeps bounded buffers of
the live sensor streams, dispatches pump commands, evaluates alert thresholds
and serves the dashboard API.`,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level, overrides log.level")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (text or json), overrides log.format")
}

func loadConfig(cmd *cobra.Command, _ []string) error {
	var err error
	cfg, err = config.LoadConfig(cfgFile)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}

	logger = logging.New(cfg.Log.Level, cfg.Log.Format)
	if cfg.File != "" {
		logger.WithField("file", cfg.File).Debug("using config file")
	} else {
		logger.Debug("no config file found, using defaults and environment variables")
	}
	return nil
}
