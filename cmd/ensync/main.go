package main

import (
	"fmt"
	"os"
	"time"

	charmlog "github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/odvcencio/ensync/pkg/ensync"
	"github.com/odvcencio/ensync/pkg/observability"
)

// Version information - set via ldflags during build
var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

var (
	nodeURL   string
	accessKey string
	secretKey string
	verbose   bool
	timeout   time.Duration
)

var rootCmd = &cobra.Command{
	Use:           "ensync",
	Short:         "Publish and subscribe to end-to-end encrypted EnSync events",
	Version:       fmt.Sprintf("%s (%s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Flags win over the environment, which wins over .env.
		_ = godotenv.Load()
		if nodeURL == "" {
			nodeURL = envOr("ENSYNC_URL", "grpc://localhost:50051")
		}
		if accessKey == "" {
			accessKey = os.Getenv("ENSYNC_ACCESS_KEY")
		}
		if secretKey == "" {
			secretKey = os.Getenv("APP_SECRET_KEY")
		}
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&nodeURL, "url", "", "node address, grpc:// or ws:// (env ENSYNC_URL)")
	flags.StringVar(&accessKey, "access-key", "", "access key (env ENSYNC_ACCESS_KEY)")
	flags.StringVar(&secretKey, "secret-key", "", "base64 identity secret key (env APP_SECRET_KEY)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "log SDK activity to stderr")
	flags.DurationVar(&timeout, "timeout", 15*time.Second, "connect timeout")

	rootCmd.AddCommand(keygenCmd, publishCmd, subscribeCmd, deployCmd, deployAllCmd)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newLogger() *observability.Logger {
	level := charmlog.WarnLevel
	if verbose {
		level = charmlog.DebugLevel
	}
	handler := charmlog.NewWithOptions(os.Stderr, charmlog.Options{
		Level:           level,
		ReportTimestamp: true,
		TimeFormat:      time.Kitchen,
	})
	return observability.FromHandler(handler, "cli")
}

func newEngine() (*ensync.Engine, error) {
	return ensync.NewEngine(nodeURL,
		ensync.WithLogger(newLogger()),
		ensync.WithConnectTimeout(timeout),
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if !silentError(err) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(exitCodeForError(err))
	}
}
