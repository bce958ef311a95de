// Package cli implements the administrative entrypoint using Cobra: a
// single SilenceUsage/SilenceErrors root, flags bound in init(), Execute
// called from main.
package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

// Exit codes per the administrative CLI surface: 0 success, 1 config
// validation failure, 2 connectivity/construction failure, 3 partial
// success (some scheduled jobs failed on --once).
const (
	exitSuccess          = 0
	exitValidationFailed = 1
	exitConnectivityFailed = 2
	exitPartialSuccess   = 3
)

var (
	flagConfigDir string
	flagLogLevel  string
	flagDryRun    bool
	flagOnce      bool
)

var rootCmd = &cobra.Command{
	Use:   "ingestord",
	Short: "ingestord — Home Assistant telemetry ingestion and pattern intelligence daemon",
	Long: `ingestord ingests Home Assistant events over the hub's bidirectional
channel, enriches them with weather/calendar/capability context, writes them
to the time-series store, detects behavioral patterns, and proposes
automations through the LLM oracle.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runDaemon,
}

func init() {
	rootCmd.Flags().StringVar(&flagConfigDir, "config-dir", defaultConfigDir(), "directory of *.toml component config files")
	rootCmd.Flags().StringVar(&flagLogLevel, "log-level", "info", "log level: debug, info, warn, error")
	rootCmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "validate configuration and construct components without starting the daemon")
	rootCmd.Flags().BoolVar(&flagOnce, "once", false, "run every scheduled job once and exit")
}

// Execute runs the root command and calls os.Exit with the CLI's exit
// code contract. Called from main.go.
func Execute(version string) {
	rootCmd.Version = version
	os.Exit(run())
}

func run() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return exitCodeFor(err)
	}
	return exitSuccess
}

func defaultConfigDir() string {
	if v := os.Getenv("HA_INGESTOR_CONFIG_DIR"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".ha-ingestor", "config")
}
