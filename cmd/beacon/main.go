// Package main provides the CLI entry point for beacon, a Discord presence
// relay. Beacon watches a single guild over the gateway, detects presence
// and profile changes, debounces them, and fans the results out to
// WebSocket subscribers and a cached REST endpoint.
//
// # Basic Usage
//
// Start the relay:
//
//	beacon serve --config beacon.yaml
//
// # Environment Variables
//
//   - DISCORD_BOT_TOKEN: bot token (fallback when not in the config file)
//   - DISCORD_GUILD_ID: guild to watch
//   - DISCORD_APP_ID: application ID for slash command registration
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "beacon",
		Short:        "Beacon - Discord presence relay",
		Long:         "Beacon relays Discord presence and profile changes to WebSocket subscribers\nand serves cached snapshots over REST.",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(buildServeCmd(), buildVersionCmd())
	return rootCmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("beacon %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}
