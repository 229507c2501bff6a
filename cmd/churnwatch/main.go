// Churnwatch - Customer churn monitoring from raw telecom exports.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

var rootFlags struct {
	config string
	source string
	debug  bool
}

var rootCmd = &cobra.Command{
	Use:   "churnwatch",
	Short: "Churn risk scoring and reporting for telecom customer exports",
	Long: "Churnwatch flattens nested customer exports into a canonical table,\n" +
		"trains a gradient boosted churn classifier and reports on churn by segment.",
	SilenceUsage: true,
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVar(&rootFlags.config, "config", "", "YAML configuration file")
	f.StringVar(&rootFlags.source, "source", "", "raw batch file (overrides source.path and source.url)")
	f.BoolVar(&rootFlags.debug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(trainCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(flattenCmd)
	rootCmd.Version = fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, BuildDate)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
