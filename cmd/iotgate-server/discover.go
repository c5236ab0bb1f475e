package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/muurk/iotgate/internal/discovery"
	"github.com/muurk/iotgate/internal/ui"
)

var discoverTimeout time.Duration

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Find iotgate servers on the local network",
	Long: `Browse mDNS for servers started with --advertise and print what answers
before the timeout.`,
	Args: cobra.NoArgs,
	RunE: runDiscover,
}

func init() {
	discoverCmd.Flags().DurationVarP(&discoverTimeout, "timeout", "t", discovery.DefaultScanTimeout, "How long to browse")
}

func runDiscover(cmd *cobra.Command, args []string) error {
	p := ui.NewPrinter(cmd.OutOrStdout())
	p.PrintHeader("iotgate discovery", "iotgate-server discover", map[string]string{
		"Service": discovery.ServiceType,
		"Timeout": discoverTimeout.String(),
	})

	gateways, err := discovery.ScanForGateways(discoverTimeout)
	if err != nil {
		return err
	}
	if len(gateways) == 0 {
		p.PrintWarning("No servers found", map[string]string{
			"Hint": "start a server with 'iotgate-server serve --advertise'",
		})
		return nil
	}

	for _, gw := range gateways {
		p.Println(fmt.Sprintf("  %s", gw))
	}
	return nil
}
