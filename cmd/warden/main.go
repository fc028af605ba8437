// Package main provides the CLI entry point for Warden, the agent execution
// and isolation service.
//
// Warden loads agent definitions from disk and runs them in one of four
// places: a registered native handler, a direct goja runtime (trusted agents),
// a capability-restricted realm, or a separate worker process (untrusted
// agents).
//
// # Basic Usage
//
// Run an agent once:
//
//	warden run summarize --params '{"text":"hello"}'
//
// Scan agent source without running it:
//
//	warden scan agents/untrusted.js
//
// Serve the execution API with metrics:
//
//	warden serve --config warden.yaml
//
// # Environment Variables
//
//   - WARDEN_CONFIG: Path to configuration file (default: warden.yaml)
//   - WARDEN_LLM_API_KEY: usually referenced from the config as ${WARDEN_LLM_API_KEY}
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/haasonsaas/warden/internal/config"
	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
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

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "warden",
		Short: "Warden - isolated execution for agent code",
		Long: `Warden executes agent code under a trust model.

Trusted agents run directly and fall back to a sandbox on failure.
Untrusted agents are scanned and then run in a separate worker process
with a memory limit, a timeout and a minimal environment.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildRunCmd(),
		buildAgentsCmd(),
		buildScanCmd(),
		buildStatusCmd(),
		buildServeCmd(),
	)
	return rootCmd
}

// resolveConfigPath prefers the flag, then WARDEN_CONFIG, then the usual
// file names. An empty result means built-in defaults.
func resolveConfigPath(path string) string {
	if strings.TrimSpace(path) == "" {
		path = strings.TrimSpace(os.Getenv("WARDEN_CONFIG"))
	}
	return config.Find(path)
}
