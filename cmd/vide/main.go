// Package main provides the CLI entry point for the vide agent runtime.
//
// Vide drives networks of coding agents, each backed by an LLM CLI
// subprocess, with shared task, memory, git and Flutter tooling exposed
// over in-process MCP servers.
//
// # Basic Usage
//
// Start a network from a prompt in the current project:
//
//	vide run "add retry logic to the uploader"
//
// List and resume past networks:
//
//	vide networks
//	vide resume <network-id>
//
// Run the headless API surface:
//
//	vide serve --listen :8420
//
// The --hook flag switches the binary into permission-handler mode for the
// pre-tool-use hook installed in the project settings file.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/vide-ai/vide/internal/observability"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main to facilitate testing.
func buildRootCmd() *cobra.Command {
	var (
		hookMode bool
		debug    bool
	)

	rootCmd := &cobra.Command{
		Use:   "vide",
		Short: "Multi-agent coding runtime",
		Long: `Vide orchestrates networks of coding agents backed by LLM CLI
subprocesses, brokering their tool permissions and multiplexing their
conversations onto one event stream.`,
		Version:       fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if hookMode {
				return runHook(cmd.InOrStdin(), cmd.OutOrStdout())
			}
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.Flags().BoolVar(&hookMode, "hook", false,
		"Run as the pre-tool-use permission hook (reads one JSON request on stdin)")

	rootCmd.AddCommand(
		buildRunCmd(&debug),
		buildResumeCmd(&debug),
		buildNetworksCmd(),
		buildServeCmd(&debug),
	)
	return rootCmd
}

// newLogger builds the process logger. Hook mode never reaches here; its
// stdout belongs to the hook protocol, and everything else logs to stderr.
func newLogger(debug bool) *slog.Logger {
	level := "info"
	if debug {
		level = "debug"
	}
	return observability.NewLogger(observability.LogConfig{
		Level:  level,
		Format: "text",
	})
}
