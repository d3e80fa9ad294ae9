// Command tei-manager runs the TEI-Manager supervisor: the instance
// registry, health monitor, state store, and gRPC multiplexer, wired
// together by pkg/supervisor.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "0.1.0"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "tei-manager",
	Short: "TEI-Manager supervises a fleet of embedding-inference workers",
	Long: `TEI-Manager owns the lifecycle of a fleet of backend embedding-inference
processes running on one host and exposes a single gRPC front door that
routes embedding requests to the correct worker by name.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the supervisor config file")
	rootCmd.AddCommand(serveCmd, versionCmd, configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
