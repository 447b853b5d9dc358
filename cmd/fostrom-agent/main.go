// Command fostrom-agent runs the on-device session agent: it maintains a
// Moonlight session against the fleet service and exposes a local control
// API for publishing pulses and draining the mailbox.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags; "dev" otherwise.
var Version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:     "fostrom-agent",
	Short:   "Moonlight session agent",
	Version: Version,
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "/etc/fostrom-agent/agent.yaml", "path to the agent config file")
	rootCmd.AddCommand(startCmd, daemonCmd, statusCmd, stopCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
