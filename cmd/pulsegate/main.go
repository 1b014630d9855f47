package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pulsemetrics/pulsegate/internal/config"
	"github.com/pulsemetrics/pulsegate/internal/logging"
)

var (
	cfgFile string
	cfg     *config.Config
	logger  *logging.Logger
)

var rootCmd = &cobra.Command{
	Use:   "pulsegate",
	Short: "Pulsegate event ingestion gateway",
	Long: `pulsegate is the ingestion gateway for behavioral tracking events.

It authenticates workspace tokens, rate limits by workspace and source
IP, persists validated events, and delivers signed webhook
notifications to customer endpoints.`,
	Version: "0.1.0",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		logger = logging.New(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format)
		logging.SetDefault(logger)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to config file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(dispatchCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(seedCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
