// Package pgmirror is the pgmirror command line.
package pgmirror

import (
	"fmt"
	"os"

	"github.com/edgeflare/pgmirror/pkg/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Version is set at build time with -ldflags "-X github.com/edgeflare/pgmirror/cmd/pgmirror.Version=...".
var Version = "dev"

var (
	cfgFile  string
	logLevel string
	cfg      *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "pgmirror",
	Short: "pgmirror mirrors PostgreSQL tables into an analytical store",
	Long: `pgmirror loads PostgreSQL tables from consistent snapshots and keeps them
up to date through logical replication, applying every change to ClickHouse,
DuckDB or Kafka.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if v, _ := cmd.Flags().GetBool("version"); v {
			return nil
		}
		return initConfig(cmd)
	},
	Run: func(cmd *cobra.Command, args []string) {
		if v, _ := cmd.Flags().GetBool("version"); v {
			fmt.Println(Version)
			return
		}
		// If no subcommand is provided, print help
		_ = cmd.Help()
	},
}

func Main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/pgmirror.yaml)")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "L", "", "log level (debug, info, warn, error); overrides log.level")
	rootCmd.Flags().BoolP("version", "v", false, "Print the version number")

	rootCmd.AddCommand(runCmd, tablesCmd, teardownCmd)
}

func initConfig(cmd *cobra.Command) error {
	var err error
	if cfg, err = config.Load(cfgFile); err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	zap.ReplaceGlobals(logger)
	if cfg.File != "" {
		logger.Info("using config file", zap.String("file", cfg.File))
	}
	return nil
}

func newLogger(c config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}

	zc := zap.NewProductionConfig()
	if c.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.EncoderConfig.TimeKey = "ts"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zc.Build(zap.Fields(zap.String("version", Version)))
}
