package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	outputFormat string
	configPath   string
	serverURL    string
	logLevel     string
	logFile      string
	verbose      bool
	quiet        bool
)

// Build information, set by Execute.
var (
	buildVersion = "dev"
	buildCommit  = "none"
	buildDate    = "unknown"
)

func Execute(version, commit, date string) error {
	buildVersion, buildCommit, buildDate = version, commit, date
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "kioskd",
		Short: "Self-updating kiosk service",
		Long: `kioskd serves a kiosk display and keeps it up to date.

It checks GitHub for new releases, runs the local update script when asked
to (or automatically), and reports progress to connected displays over a
WebSocket while the service restarts.`,
		Version:      fmt.Sprintf("%s (commit %s, built %s)", buildVersion, buildCommit, buildDate),
		SilenceUsage: true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "text", "Output format: text, json, yaml")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to kioskd configuration")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "URL of the running kioskd service (default from server.listen)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (default from logging.level)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Log file, or 'console' (default from logging.file)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Quiet mode (errors only)")

	// Add subcommands
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newCheckCmd())
	rootCmd.AddCommand(newApplyCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newWatchCmd())
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newInitCmd())
	rootCmd.AddCommand(newCompletionCmd())

	// Register completion function for output flag
	_ = rootCmd.RegisterFlagCompletionFunc("output", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{"text", "json", "yaml"}, cobra.ShellCompDirectiveNoFileComp
	})
	_ = rootCmd.RegisterFlagCompletionFunc("log-level", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{"trace", "debug", "info", "warn", "error"}, cobra.ShellCompDirectiveNoFileComp
	})

	return rootCmd
}
