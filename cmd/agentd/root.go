package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "agentd",
	Short: "Compute-node agent for the orchestration platform",
	Long:  `agentd decodes inbound task commands and drives download, upload, job, deploy, and collect-output executors on a compute node.`,
}

// Execute adds all child commands to the root command and runs it. It
// only needs to be called once, from main.main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the agentd version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(Version)
	},
}
