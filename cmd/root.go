package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/murachue/nosteen-sub000/internal/config"
)

var (
	cfgFile string         // Path to custom config file (optional)
	cfg     *config.Config // Global reference to loaded configuration
)

// rootCmd is the nosteen command line.
var rootCmd = &cobra.Command{
	Use:   "nosteen",
	Short: "nosteen is a multi-relay Nostr client engine",
	Long: `nosteen keeps connections to a set of Nostr relays, verifies every event
it receives and merges them into named timelines.`,
	Example: `
  nosteen start --config /path/to/config.yaml
  nosteen fetch --author <hex pubkey>
  nosteen publish --sec nsec1... --relay wss://relay.example.com "hello"`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}

		var err error
		cfg, err = config.Load(cfgFile, nil)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		return applyFlagOverrides(cmd, cfg)
	},
	Run: func(cmd *cobra.Command, args []string) {
		if err := cmd.Help(); err != nil {
			fmt.Fprintf(os.Stderr, "Error displaying help: %v\n", err)
		}
	},
}

// applyFlagOverrides copies explicitly set flags over the loaded config and
// validates the result again.
func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	logChanged := false
	if flags.Changed("log-level") {
		cfg.Logging.Level, _ = flags.GetString("log-level")
		logChanged = true
	}
	if flags.Changed("log-format") {
		cfg.Logging.Format, _ = flags.GetString("log-format")
		logChanged = true
	}
	if flags.Changed("log-file") {
		cfg.Logging.FilePath, _ = flags.GetString("log-file")
		logChanged = true
	}
	if flags.Changed("metrics-addr") {
		cfg.Metrics.Addr, _ = flags.GetString("metrics-addr")
		cfg.Metrics.Enabled = cfg.Metrics.Addr != ""
	}

	if err := config.Validate(cfg); err != nil {
		return err
	}
	if logChanged {
		return config.InitLogger(cfg.Logging)
	}
	return nil
}

// Execute runs the root command and returns the process exit code.
func Execute(ctx context.Context) int {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Path to custom config file (optional)")
	rootCmd.PersistentFlags().String("log-level", "info", "Logging level (debug, info, warn, error, fatal)")
	rootCmd.PersistentFlags().String("log-format", "console", "Log output format (console or json)")
	rootCmd.PersistentFlags().String("log-file", "", "Path to the log file")
	rootCmd.PersistentFlags().String("metrics-addr", "", "Listen address of the status server; empty disables it")

	rootCmd.AddCommand(newVersionCmd(), newStartCmd(), newFetchCmd(), newPublishCmd())
}
