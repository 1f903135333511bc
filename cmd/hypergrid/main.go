// Command hypergrid runs a grid node that serves the HTTP transport and the
// management endpoints.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:   "hypergrid",
	Short: "distributed transactional in-memory cache",
	Long: fmt.Sprintf(`hypergrid (v%s)

A partitioned, replicated in-memory cache with transactions,
near caching and pluggable persistent stores.`, version),
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of hypergrid",
	Run: func(*cobra.Command, []string) {
		fmt.Printf("hypergrid v%s\n", version)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
