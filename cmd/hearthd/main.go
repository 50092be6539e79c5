// Package main provides the CLI entry point for the Hearth gateway.
//
// Hearth is a local AI orchestration daemon: it accepts chat requests over a
// WebSocket control plane and routes each one to a heavy CLI-driven coding
// agent or a light local model with a tool loop, based on prompt complexity
// and backend availability.
//
// # Basic Usage
//
// Start the daemon:
//
//	hearthd serve --config hearth.yaml
//
// Query a running daemon:
//
//	hearthd status
//
// Inspect the effective configuration:
//
//	hearthd config show
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
)

func main() {
	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "hearthd",
		Short: "Hearth - local AI orchestration gateway",
		Long: `Hearth routes chat requests between two local AI backends: a heavy
CLI-driven coding agent for complex work and a light local model with a
tool loop for everything else. Clients connect over a WebSocket control
plane and receive run events as they happen.`,
		Version:      fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildConfigCmd(),
		buildStatusCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "hearthd %s (commit: %s)\n", version, commit)
		},
	}
}
