// commands.go contains the cobra command definitions and their flag
// configurations. Each builder creates a command and wires it to its handler.
package main

import (
	"github.com/spf13/cobra"
)

// buildRunCmd creates the "run" command: start a new agent network from an
// initial prompt and drive it interactively.
func buildRunCmd(debug *bool) *cobra.Command {
	var (
		projectPath string
		workdir     string
		cliCommand  string
	)

	cmd := &cobra.Command{
		Use:   "run [message]",
		Short: "Start a new agent network from a prompt",
		Long: `Start a new agent network in the current project. The main agent
receives the message, spawns helpers as needed, and the session streams
messages, tool calls and permission prompts to the terminal.`,
		Example: `  # Start in the current directory
  vide run "fix the failing auth tests"

  # Pin the agents to a worktree
  vide run --workdir ../feature-branch "implement the new API"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(cmd.Context(), sessionOptions{
				projectPath:    projectPath,
				workdir:        workdir,
				cliCommand:     cliCommand,
				initialMessage: args[0],
				debug:          *debug,
			})
		},
	}

	cmd.Flags().StringVarP(&projectPath, "project", "p", ".", "Project path")
	cmd.Flags().StringVarP(&workdir, "workdir", "w", "", "Working directory for the agents (defaults to the project path)")
	cmd.Flags().StringVar(&cliCommand, "cli", "", "Agent CLI binary override")
	return cmd
}

// buildResumeCmd creates the "resume" command: rebuild a persisted network's
// clients with their prior conversations and keep driving it.
func buildResumeCmd(debug *bool) *cobra.Command {
	var (
		projectPath string
		cliCommand  string
	)

	cmd := &cobra.Command{
		Use:   "resume <network-id>",
		Short: "Resume a persisted agent network",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(cmd.Context(), sessionOptions{
				projectPath:     projectPath,
				cliCommand:      cliCommand,
				resumeNetworkID: args[0],
				debug:           *debug,
			})
		},
	}

	cmd.Flags().StringVarP(&projectPath, "project", "p", ".", "Project path")
	cmd.Flags().StringVar(&cliCommand, "cli", "", "Agent CLI binary override")
	return cmd
}

// buildNetworksCmd creates the "networks" command listing persisted networks
// for a project, most recently active first.
func buildNetworksCmd() *cobra.Command {
	var projectPath string

	cmd := &cobra.Command{
		Use:   "networks",
		Short: "List persisted agent networks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNetworks(cmd.OutOrStdout(), projectPath)
		},
	}

	cmd.Flags().StringVarP(&projectPath, "project", "p", ".", "Project path")
	return cmd
}

// buildServeCmd creates the "serve" command running the headless API
// surface: isolated state root, health and metrics endpoints.
func buildServeCmd(debug *bool) *cobra.Command {
	var (
		projectPath string
		listenAddr  string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the headless API surface",
		Long: `Run vide headless with the isolated API state root. Exposes
/healthz and /metrics over HTTP; in-process surfaces attach through the
network manager. Shuts down gracefully on SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), projectPath, listenAddr, *debug)
		},
	}

	cmd.Flags().StringVarP(&projectPath, "project", "p", ".", "Project path")
	cmd.Flags().StringVarP(&listenAddr, "listen", "l", ":8420", "HTTP listen address")
	return cmd
}
