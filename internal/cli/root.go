// Package cli defines Cobra command definitions for the keel CLI.
// This file contains the root command, version flag, and help output.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	verbose    bool
	projectDir string
	version    = "dev" // set via ldflags at build time
)

var rootCmd = &cobra.Command{
	Use:   "keel",
	Short: "Background execution sessions for phased work items",
	Long: `Keel runs an AI coding agent against work items made of phases and
tasks. Sessions run in the background, stream events to connected clients,
track progress from markers in the agent's output, and pause when the agent
needs input.`,
	Version:       version,
	SilenceErrors: true,
	SilenceUsage:  true,
}

// Execute runs the root command. Called from main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Debug logging and tool call output")
	rootCmd.PersistentFlags().StringVar(&projectDir, "dir", "", "Project root (default: current directory)")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
}
