// Command plcd serves a did:plc directory backed by an operation log.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/RegistryAccord/registryaccord-plc-go/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// configLoader returns the effective configuration for a command run.
type configLoader func() (config.Config, error)

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:   "plcd",
		Short: "did:plc directory server",
		Long: `plcd resolves did:plc identifiers from their operation log and accepts
new signed operations onto it. The log lives in memory, PostgreSQL, SQLite,
bbolt or an EVM registry contract.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "TOML config file; PLC_* environment variables override it")

	load := func() (config.Config, error) { return config.LoadFile(configPath) }
	root.AddCommand(newServeCmd(load), newMigrateCmd(load), newCIDCmd())
	return root
}
