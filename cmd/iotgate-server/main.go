// Iotgate-server accepts connections from IoT devices speaking the
// "|#|"-delimited text protocol, authenticates them, and relays messages
// between devices and the application.
//
// Usage:
//
//	iotgate-server serve [flags]
//	iotgate-server devices add|remove|list
//	iotgate-server config init|show
//	iotgate-server discover
//
// See 'iotgate-server --help' for available options.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/muurk/iotgate/internal/version"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// configPath is shared by every command that reads the configuration file.
var configPath string

var rootCmd = &cobra.Command{
	Use:   "iotgate-server",
	Short: "IoT device protocol server",
	Long: `A TCP/TLS server for IoT devices speaking the IOT 1.1 text protocol.

Devices authenticate with the KEY header of their first frame. Every
frame is checked against a per-connection replay window, and idle
connections are reaped after the configured timeout.

Settings are read from the configuration file (see 'config init') and
can be overridden with flags.`,
	Version:       version.Get().Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to the configuration file (default: OS config dir)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(discoverCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		info := version.Get()
		fmt.Fprintf(cmd.OutOrStdout(), "iotgate-server %s (commit: %s)\n", info.Version, info.Commit)
		fmt.Fprintf(cmd.OutOrStdout(), "  go: %s  platform: %s\n", info.GoVersion, info.Platform)
		if info.BuildTime != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "  built: %s\n", info.BuildTime)
		}
	},
}
