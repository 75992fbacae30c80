package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/odvcencio/ensync/pkg/config"
	"github.com/odvcencio/ensync/pkg/node"
	"github.com/odvcencio/ensync/pkg/observability"
)

// Version information - set via ldflags during build
var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

var (
	configPath string
	checkOnly  bool
)

var rootCmd = &cobra.Command{
	Use:           "ensync-node",
	Short:         "Run a reference EnSync node",
	Version:       fmt.Sprintf("%s (%s)", version, commit),
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "config file (default ~/.ensync/node.yaml, then ./ensync-node.yaml)")
	rootCmd.Flags().BoolVar(&checkOnly, "check", false, "validate the configuration and exit")
}

func loadConfig() (*config.NodeConfig, error) {
	if configPath != "" {
		return config.LoadFromPath(configPath)
	}
	return config.Load()
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	for _, warning := range cfg.ValidationWarnings() {
		fmt.Fprintf(os.Stderr, "Warning: %s\n", warning)
	}
	if checkOnly {
		fmt.Fprintln(cmd.OutOrStdout(), "config ok")
		return nil
	}

	logger := observability.NewLoggerTo(os.Stderr,
		observability.LogFormat(cfg.Logging.Format), "node",
		observability.ParseLevel(cfg.Logging.Level))

	if cfg.Tracing.Enabled {
		tp, err := observability.NewTracerProvider("ensync-node", version)
		if err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(ctx); err != nil {
				logger.Warn("trace flush failed", "error", err)
			}
		}()
	}

	n, err := node.New(cfg, logger)
	if err != nil {
		return err
	}
	defer n.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return n.Run(ctx)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
