package main

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "cutoutd",
	Short: "Asynchronous astronomical image cutout service",
	Long: `cutoutd accepts cutout job requests over HTTP, dispatches them to
workers through a durable queue, and tracks each job through a
compare-and-update state machine until it completes, fails, or is
cancelled.

Configuration comes from the environment (a .env file is loaded when
present); see 'cutoutd serve --help' for the variables.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
