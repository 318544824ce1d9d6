// Package main is the CLI entry point for the omnibot hub.
//
// Start the server:
//
//	omnibot serve --config omnibot.yaml
//
// Configuration can also be supplied via environment variables: any
// ${VAR} reference in the config file is expanded, and OMNIBOT_*
// variables override individual fields.
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
		Use:   "omnibot",
		Short: "Omnibot - multi-platform bot pipeline hub",
		Long: `Omnibot routes inbound chat messages through configurable pipelines:
access control, rate limiting, content filtering, tool invocation, LLM
inference, and response shaping, then dispatches the replies back to the
originating platform.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildValidateCmd(),
	)
	return rootCmd
}
