// Package main provides the CLI entry point for the plan-solve agent
// runtime.
//
// plansolve accepts a user question over WebSocket and runs a three-stage
// pipeline (plan, parallel solve, aggregate) backed by a tool-calling LLM
// agent, streaming typed protocol events to the client.
//
// # Basic Usage
//
// Start the server:
//
//	plansolve serve --config plansolve.yaml
//
// Print the effective configuration:
//
//	plansolve config print --config plansolve.yaml
//
// # Environment Variables
//
//   - PLANSOLVE_CONFIG: path to configuration file (default: plansolve.yaml)
//   - ANTHROPIC_API_KEY: Anthropic API key for Claude models
//   - OPENAI_API_KEY: OpenAI API key for GPT models
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	var debug bool

	rootCmd := &cobra.Command{
		Use:     "plansolve",
		Short:   "plansolve - Plan-Solve pipeline and WebSocket session runtime",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		Long: `plansolve runs a tool-calling LLM agent through a plan -> parallel solve
-> aggregate pipeline over a WebSocket session, with plan confirmation,
per-task cancel/restart, reliable delivery, and reconnect support.`,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "path to configuration file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(buildServeCmd(&configPath, &debug))
	rootCmd.AddCommand(buildConfigCmd(&configPath))

	return rootCmd
}

func defaultConfigPath() string {
	if p := os.Getenv("PLANSOLVE_CONFIG"); p != "" {
		return p
	}
	return "plansolve.yaml"
}

func buildServeCmd(configPath *string, debug *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the plan-solve WebSocket gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), *configPath, *debug)
		},
	}
}

func buildConfigCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "print",
		Short: "Load, validate, and print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigPrint(cmd.Context(), *configPath, cmd.OutOrStdout())
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file without starting the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigValidate(*configPath)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "snapshot",
		Short: "Print the config file's path and content hash",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigSnapshot(cmd.Context(), *configPath, cmd.OutOrStdout())
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "schema",
		Short: "Print the JSON Schema for the configuration file format",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigSchema(cmd.Context(), *configPath, cmd.OutOrStdout())
		},
	})
	return cmd
}
