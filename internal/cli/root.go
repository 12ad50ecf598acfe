// Package cli implements the escortd command line.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/carelink/escortd/internal/app"
	"github.com/carelink/escortd/internal/config"
	"github.com/carelink/escortd/internal/logger"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "escortd",
	Short: "Hospital escort dispatch and commission settlement",
	Long: `escortd runs the escort order pool: escorts grab paid orders, walk them
through service, and completed orders settle referral commissions into
escort wallets.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Path to the TOML config file")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// bootstrap loads configuration and builds the application. The caller
// closes the returned app and syncs the logger.
func bootstrap() (*app.App, *logger.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	log, err := logger.New(cfg.Log.Mode)
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}
	a, err := app.New(cfg, log)
	if err != nil {
		log.Sync()
		return nil, nil, err
	}
	return a, log, nil
}
