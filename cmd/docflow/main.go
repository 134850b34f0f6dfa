// Package main is the entry point for the docflow review workflow server.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pitabwire/docflow/internal/observability"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

const appName = "docflow"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   appName,
		Short: "Stage-based document review workflow engine",
		Long: `docflow moves documents through role-gated review stages, tracks
reviewer tasks, keeps an append-only transition history and merges
reviewer feedback into document content.`,
		SilenceUsage: true,
	}

	cmd.AddCommand(serveCmd(), validateCmd())
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (commit: %s)\n", appName, version, commit)
		},
	})

	observability.Version = version
	observability.Commit = commit
	return cmd
}
