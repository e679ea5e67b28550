// Package cmd implements the greptilebot command line interface.
package cmd

import (
	"log/slog"
	"os"

	"github.com/greptilebot/greptilebot/internal/application"
	"github.com/spf13/cobra"
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:   application.AppName,
	Short: "A code intelligence chat bot",
	Long: `Greptilebot answers questions about indexed source repositories.
It manages repository indexing through the Greptile API, enforces
per-user daily query quotas, and gates every command behind a
role-based whitelist.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}

		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		})))
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}
