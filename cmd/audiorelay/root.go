package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"audiorelay/internal/shared/config"
	"audiorelay/internal/shared/logger"
	"audiorelay/internal/shared/types"
)

// Version is set at build time via ldflags.
var Version = "dev"

// Global flags
var (
	flagConfigDir string
	flagLogLevel  string
)

// cfg holds the loaded configuration (defaults < ini < .env < environment < flags).
var cfg *types.Config

var rootCmd = &cobra.Command{
	Use:   "audiorelay",
	Short: "Resolve and relay YouTube audio as seekable HTTP streams",
	Long: `audiorelay resolves short-lived media URLs for catalog songs through a chain
of extraction strategies and proxies them to players with full Range support,
falling back to an MP3 transcode when the upstream refuses.`,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfigDir, "configdir", "configs", "Path to config directory")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Log level override: debug | info | warn | error")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(proxiesCmd)
	rootCmd.AddCommand(versionCmd)
}

func loadConfig(cmd *cobra.Command, args []string) error {
	if cmd == versionCmd {
		return nil
	}
	var err error
	cfg, err = config.Load(flagConfigDir)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if flagLogLevel != "" {
		cfg.LogConf.Level = flagLogLevel
	}
	if err := logger.Init(cfg.LogConf); err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	return nil
}
