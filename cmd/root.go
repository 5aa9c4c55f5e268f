package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/markb/frontdesk/internal/config"
	"github.com/markb/frontdesk/internal/log"
)

// Version information set via ldflags at build time
var (
	Version   = "dev"
	BuildTime = ""
	GitCommit = ""
)

// cfg is loaded before every command runs.
var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "frontdesk",
	Short: "Realtime subscriptions for the guest and reception app",
	Long: `frontdesk keeps guest chat, reception dashboards and room views in sync
with database changes over the Supabase Realtime protocol. It also ships a
local realtime server for development.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		loaded, err := config.Load(path)
		if err != nil {
			return err
		}

		// CLI flags override file and environment
		if level, _ := cmd.Flags().GetString("log-level"); level != "" {
			loaded.Log.Level = level
		}
		if format, _ := cmd.Flags().GetString("log-format"); format != "" {
			loaded.Log.Format = format
		}
		if err := loaded.Validate(); err != nil {
			return err
		}

		if err := log.Init(loaded.LogConfig()); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		cfg = loaded
		return nil
	},
}

func init() {
	rootCmd.SetVersionTemplate("frontdesk version {{.Version}}\n")

	rootCmd.PersistentFlags().String("config", os.Getenv(config.EnvPrefix+"CONFIG"), "Path to YAML config file")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-format", "", "Log format: text or json")
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
