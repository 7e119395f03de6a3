package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var redisAddrFlag string

var rootCmd = &cobra.Command{
	Use:   "producer",
	Short: "Submit source files to the coderun job queue",
	Long: `producer publishes source files as jobs on the coderun Redis stream.

Workers pick the jobs up, run them in isolated containers and broadcast
their output, which producer can follow until the job completes.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&redisAddrFlag, "redis", "", "Redis address (overrides config)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
