// Package cmd holds the sma command-line interface.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags "-X github.com/shipyardhq/sma/cmd.Version=v1.0.0".
var Version = "dev"

var (
	rootDir string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "sma",
	Short: "sma is a single-machine agent runtime",
	Long:  "sma runs an LLM agent over a project directory: chat surfaces, shell tools, per-conversation history, and cron tasks, all under <root>/.ship.",
	RunE: runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootDir, "root", ".", "project root directory")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("sma %s\n", Version)
		},
	}
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
