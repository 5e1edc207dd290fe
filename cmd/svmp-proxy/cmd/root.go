// Package cmd provides the CLI commands for the SVMP proxy.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/svmp/svmp-proxy/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "svmp-proxy",
	Short: "SVMP proxy - connection broker for remote Android VMs",
	Long: `svmp-proxy authenticates SVMP clients, hands them a VM and relays
their protocol traffic to it.

Quick start:
  1. Create a config file: svmp-proxy.yaml
  2. Add a user:   svmp-proxy user add alice --password ...
  3. Run:          svmp-proxy start

Configuration:
  Config is loaded from svmp-proxy.yaml in the current directory,
  $HOME/.svmp-proxy/, or /etc/svmp-proxy/.

  Environment variables can override config values with the SVMP_PROXY_ prefix.
  Example: SVMP_PROXY_SERVER_PORT=9002

Commands:
  start          Start the proxy server
  stop           Stop the running server
  user           Manage users and their VMs
  vm             Inspect the VM provider catalog
  hash-password  Generate a password hash for a user entry
  version        Print version information`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./svmp-proxy.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
