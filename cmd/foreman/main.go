// Package main provides the CLI entry point for the foreman orchestration
// core.
//
// Foreman runs supervisor reasoning loops against an LLM, fans subtasks out
// to ephemeral background workers, persists the full run timeline and
// streams incremental progress to subscribers.
//
// # Basic Usage
//
// Start the server:
//
//	foreman serve --config foreman.yaml
//
// Create a run and watch it:
//
//	foreman run "Check disk space on every server"
//
// Apply the database schema:
//
//	foreman migrate --config foreman.yaml
//
// Validate a configuration file:
//
//	foreman config validate --config foreman.yaml
//
// # Environment Variables
//
// Configuration files expand environment references, so API keys are
// usually provided via:
//
//   - ANTHROPIC_API_KEY: Anthropic API key for Claude models
//   - OPENAI_API_KEY: OpenAI API key for GPT models
//   - GEMINI_API_KEY: Google API key for Gemini models
//   - FOREMAN_CONFIG: Path to the configuration file (default: foreman.yaml)
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "foreman",
		Short: "Foreman - supervisor/worker run orchestration core",
		Long: `Foreman accepts a task, drives a supervisor reasoning loop against an LLM,
dispatches subtasks to parallel background workers, and persists the full
run timeline so clients can disconnect and resume the stream at any point.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildWorkerCmd(),
		buildRunCmd(),
		buildSnapshotCmd(),
		buildCancelCmd(),
		buildEventsCmd(),
		buildMigrateCmd(),
		buildConfigCmd(),
		buildDoctorCmd(),
	)
	return rootCmd
}

// resolveConfigPath applies the FOREMAN_CONFIG fallback when the flag was
// left at its default.
func resolveConfigPath(path string) string {
	if path != "" && path != defaultConfigName {
		return path
	}
	if env := os.Getenv("FOREMAN_CONFIG"); env != "" {
		return env
	}
	return defaultConfigName
}

const defaultConfigName = "foreman.yaml"
