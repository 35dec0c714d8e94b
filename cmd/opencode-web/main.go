// ABOUTME: Entry point for the opencode-web command line tool
// ABOUTME: Starts, lists, and stops project instances through the per-machine broker

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/opencode-web/internal/client"
	"github.com/2389/opencode-web/internal/config"
	"github.com/2389/opencode-web/internal/discovery"
	"github.com/2389/opencode-web/internal/logging"
)

// Global flags
var (
	flagConfig  string
	flagVerbose bool
)

func main() {
	rootCmd := newRootCmd()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("Error:"), err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "opencode-web [path]",
		Short: "Open a project in the opencode web UI",
		Long: `opencode-web runs an opencode agent server per project directory and
makes it reachable from the hosted web UI.

With no subcommand it starts an instance for [path] (default: the current
directory), starting the local broker first if none is running.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "."
			if len(args) == 1 {
				path = args[0]
			}
			return runStart(cmd.Context(), path)
		},
	}
	rootCmd.Version = config.Version

	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Config file (or OPENCODE_WEB_CONFIG env var)")
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "Debug output")

	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(stopCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(statusCmd())

	// Process entry points spawned by the tool itself
	rootCmd.AddCommand(brokerCmd())
	rootCmd.AddCommand(instanceCmd())

	return rootCmd
}

// loadConfig loads --config when given, the default config file otherwise.
func loadConfig() (*config.Config, error) {
	if flagConfig != "" {
		cfg, err := config.Load(flagConfig)
		if err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
		return cfg, nil
	}
	cfg, err := config.LoadDefault()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// configArgs forwards --config to spawned brokers and instances. The path is
// made absolute because instances run in the project directory.
func configArgs() []string {
	if flagConfig == "" {
		return nil
	}
	abs, err := filepath.Abs(flagConfig)
	if err != nil {
		abs = flagConfig
	}
	return []string{"--config", abs}
}

// cliLogger logs to stderr, quiet unless --verbose.
func cliLogger(cfg *config.Config) *slog.Logger {
	lc := cfg.Logging
	lc.Level = "warn"
	if flagVerbose {
		lc.Level = "debug"
	}
	return logging.New(lc, os.Stderr)
}

func newDiscovery(cfg *config.Config, logger *slog.Logger) *discovery.Client {
	return discovery.NewClient(cfg.Broker, discovery.ExecSpawner{ExtraArgs: configArgs()}, logger)
}

// connectBroker returns a client for a running broker without starting one.
// ok is false when no broker answers on any candidate port.
func connectBroker(ctx context.Context) (*client.Client, bool, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, false, err
	}
	port, ok := newDiscovery(cfg, cliLogger(cfg)).FindBroker(ctx)
	if !ok {
		return nil, false, nil
	}
	return client.New(cfg.Broker.Host, port), true, nil
}
