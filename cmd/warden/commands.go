package main

import (
	"time"

	"github.com/spf13/cobra"
)

// =============================================================================
// Run Command
// =============================================================================

func buildRunCmd() *cobra.Command {
	var (
		configPath string
		params     string
		paramsFile string
		sessionID  string
		values     string
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run <agent>",
		Short: "Execute an agent once",
		Long: `Execute an agent and print the execution result as JSON.

The command exits non-zero when the result is a failure; the result is still
printed so the error kind can be inspected.`,
		Example: `  # Run with inline parameters
  warden run summarize --params '{"text":"hello"}'

  # Run with parameters from a file and a session id
  warden run memory --params-file store.json --session s-42`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context(), cmd.OutOrStdout(), runOptions{
				configPath: resolveConfigPath(configPath),
				agent:      args[0],
				params:     params,
				paramsFile: paramsFile,
				values:     values,
				sessionID:  sessionID,
				timeout:    timeout,
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	cmd.Flags().StringVarP(&params, "params", "p", "", "Agent parameters as a JSON object")
	cmd.Flags().StringVar(&paramsFile, "params-file", "", "Read agent parameters from a JSON file")
	cmd.Flags().StringVar(&values, "context", "", "Extra context values as a JSON object")
	cmd.Flags().StringVar(&sessionID, "session", "", "Session id passed to the agent")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Override the default execution timeout")
	cmd.MarkFlagsMutuallyExclusive("params", "params-file")
	return cmd
}

// =============================================================================
// Agent Commands
// =============================================================================

// buildAgentsCmd creates the "agents" command group.
func buildAgentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "Inspect agent definitions",
		Long: `List and inspect the agents loaded from the configured directories.

Agents are *.agent.yaml / *.agent.json5 manifests or bare *.js files. Bare
scripts are always untrusted.`,
	}

	cmd.AddCommand(buildAgentsListCmd())
	cmd.AddCommand(buildAgentsShowCmd())
	cmd.AddCommand(buildAgentsAuditCmd())
	return cmd
}

func buildAgentsListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List loaded agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printAgentsList(cmd.Context(), cmd.OutOrStdout(), resolveConfigPath(configPath))
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	return cmd
}

func buildAgentsShowCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show <agent>",
		Short: "Show one agent definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return printAgentShow(cmd.Context(), cmd.OutOrStdout(), resolveConfigPath(configPath), args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	return cmd
}

func buildAgentsAuditCmd() *cobra.Command {
	var (
		configPath string
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Check agent files for unsafe permissions",
		Long: `Audit the agent directories and the config file for permissions that let
other local users change agent code. Exits non-zero on critical findings.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgentsAudit(cmd.OutOrStdout(), resolveConfigPath(configPath), asJSON)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the report as JSON")
	return cmd
}

// =============================================================================
// Scan Command
// =============================================================================

func buildScanCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "scan <file>...",
		Short: "Run the static security scan over agent source",
		Long: `Scan agent source for disallowed modules, dynamic evaluation and host
references. Exits non-zero when any file is unsafe.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScan(cmd.OutOrStdout(), args, asJSON)
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print reports as JSON")
	return cmd
}

// =============================================================================
// Status Command
// =============================================================================

func buildStatusCmd() *cobra.Command {
	var (
		configPath string
		addr       string
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show execution status",
		Long: `Show live executions and counters from a running "warden serve", or the
static configuration when no server address is given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return printStatus(cmd.Context(), cmd.OutOrStdout(), resolveConfigPath(configPath), addr)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	cmd.Flags().StringVar(&addr, "addr", "", "Address of a running server (host:port)")
	return cmd
}

// =============================================================================
// Serve Command
// =============================================================================

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		addr       string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the execution API",
		Long: `Start an HTTP server exposing agent execution, status, emergency stop and
Prometheus metrics. Agent directories are watched when agents.watch is set.

Endpoints:
  POST /v1/agents/{name}/execute
  GET  /v1/agents
  GET  /v1/status
  POST /v1/emergency-stop
  GET  /metrics`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), addr, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides observability.metrics_addr)")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}
