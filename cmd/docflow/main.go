package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/docflow/pkg/config"
	"github.com/cuemby/docflow/pkg/daemon"
	"github.com/cuemby/docflow/pkg/log"
	"github.com/cuemby/docflow/pkg/metrics"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "docflow",
	Short: "Docflow - document-driven workflow automation daemon",
	Long: `Docflow watches document folders, records every file change in a
durable event store, and drives workflow runs from those events.
Workflows are JSON or YAML definitions dropped into the config
directory; logs, runs, and documents are queryable over a REST API.`,
	Version: Version,

	// main prints the error itself, once.
	SilenceErrors: true,
	SilenceUsage:  true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Docflow version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Docflow version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
	},
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the docflow daemon",
	Long: `Run the docflow daemon: the folder watcher, reconciler, event
dispatcher, workflow engine, log sink, and REST API, supervised in one
process until SIGINT or SIGTERM. SIGHUP reloads the API keys file.

Exit codes: 0 on clean shutdown, 1 on a startup failure, 2 when the
data directory is lost at runtime.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		// First initialization without the sink mirror so failures
		// below already log in the configured shape. The daemon
		// re-initializes with the mirror once the sink exists.
		log.Init(log.Config{
			Level:      log.Level(cfg.Logging.Level),
			JSONOutput: cfg.Logging.JSON,
		})
		metrics.SetVersion(Version)

		d, err := daemon.New(cfg)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := d.Run(ctx); err != nil {
			if errors.Is(err, daemon.ErrDataDirLost) {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(2)
			}
			return err
		}
		return nil
	},
}
