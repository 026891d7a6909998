// Package cli implements the creditgate command line.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tutu-network/creditgate/internal/daemon"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "creditgate",
	Short: "Credit-gated, surge-priced job admission",
	Long: `creditgate admits document-processing jobs only for tenants with prepaid
credit, prioritizes them by the surge calendar, and charges the tenant's
credits once a worker completes the job.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Path to config.toml (default $"+daemon.ConfigEnv+" or ~/.creditgate/config.toml)")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig resolves, reads and validates the configuration.
func loadConfig() (daemon.Config, string, error) {
	path := daemon.ConfigPath(configPath)
	cfg, err := daemon.LoadConfig(path)
	if err != nil {
		return cfg, path, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, path, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, path, nil
}
