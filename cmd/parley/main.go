// Package main is the parley server CLI: a multi-provider chat assistant
// backend exposing a WebSocket gateway with streaming, tool execution,
// approvals, and history compaction.
//
// Start the server:
//
//	parley serve
//
// Apply database migrations without serving:
//
//	parley migrate
//
// Configuration comes from the environment (a .env file is honored):
//
//   - DATABASE_URL: Postgres connection string (required)
//   - ANTHROPIC_API_KEY / OPENAI_API_KEY: at least one is required
//   - LISTEN_ADDR: gateway bind address (default :8790)
//   - FILES_DIR, WORKSPACE_DIR: attachment and tool-workspace roots
//   - MEMORY_MAX_STORAGE_TOKENS, MEMORY_MAX_RETURN_TOKENS
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	_ = godotenv.Load()

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
		Use:          "parley",
		Short:        "Parley - multi-provider chat assistant server",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(
		buildServeCmd(),
		buildMigrateCmd(),
	)
	return rootCmd
}
