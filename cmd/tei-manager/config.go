package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teiops/tei-manager/pkg/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or validate the supervisor configuration",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load the config file and report any errors",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		fmt.Printf("config OK: api_port=%d grpc_port=%d max_instances=%d state_file=%s\n",
			cfg.API.APIPort, cfg.API.GRPCPort, cfg.Instances.MaxInstances, cfg.State.File)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configValidateCmd)
}
