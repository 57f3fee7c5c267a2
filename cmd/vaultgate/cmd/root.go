// Package cmd provides the CLI commands for vaultgate.
package cmd

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/vaultgate/vaultgate/internal/config"
)

// Build metadata, injected with -ldflags at release time.
var (
	Version   = "0.1.0"
	Commit    = "none"
	BuildDate = "unknown"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "vaultgate",
	Short: "vaultgate - remote access gateway for secret-vault nodes",
	Long: `vaultgate guards a secret-vault node's remote surface.

It authenticates peers over TCP, classifies every incoming vault and
store request against a per-peer permission firewall, and routes
admitted requests to local client handlers. Denied requests are dropped
without a reply, so a rejected sender cannot tell policy from packet
loss.

Quick start:
  1. Create a config file: vaultgate.yaml
  2. Run: vaultgate start

Configuration:
  Config is loaded from vaultgate.yaml in the current directory,
  $HOME/.vaultgate/, or /etc/vaultgate/.

  Environment variables can override config values with the VAULTGATE_ prefix.
  Example: VAULTGATE_NODE_LISTEN_ADDR=0.0.0.0:7654

Commands:
  start       Start the gateway node
  init        Write a starter config file
  peer-id     Print this node's peer ID

Use --version for build information.`,
	Version: Version,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./vaultgate.yaml)")
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"vaultgate {{.Version}} (commit %s, built %s, %s %s/%s)\n",
		Commit, BuildDate, runtime.Version(), runtime.GOOS, runtime.GOARCH))
}

func initConfig() {
	config.InitViper(cfgFile)
}
