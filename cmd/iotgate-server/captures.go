package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/muurk/iotgate/internal/capture"
	"github.com/muurk/iotgate/internal/protocol"
	"github.com/muurk/iotgate/internal/ui"
)

var capturesDevice string

var capturesCmd = &cobra.Command{
	Use:   "captures <file>",
	Short: "Summarize a capture file",
	Long: `Read a JSON Lines capture written by 'serve --capture-dir' and print
per-device totals. With --device, every record for that device is listed.`,
	Example: `  iotgate-server captures ./captures/capture-20240102.jsonl
  iotgate-server captures ./captures/capture-20240102.jsonl --device 1234567890`,
	Args: cobra.ExactArgs(1),
	RunE: runCaptures,
}

func init() {
	capturesCmd.Flags().StringVarP(&capturesDevice, "device", "d", "", "List the records of one device")
	rootCmd.AddCommand(capturesCmd)
}

func runCaptures(cmd *cobra.Command, args []string) error {
	records, err := capture.ReadFile(args[0])
	if err != nil {
		return err
	}
	p := ui.NewPrinter(cmd.OutOrStdout())

	if capturesDevice == "" {
		p.PrintHeader("Capture summary", "iotgate-server captures", map[string]string{
			"File":    args[0],
			"Records": fmt.Sprintf("%d", len(records)),
		})
		p.PrintCaptureSummary(capture.Summarize(records))
		return nil
	}

	id, err := protocol.ParseDeviceID(capturesDevice)
	if err != nil {
		return err
	}
	for _, r := range records {
		if r.Device != id.String() {
			continue
		}
		p.Println(fmt.Sprintf("#%-5d %s  %-15s %5d  %s",
			r.MessageNum, r.Timestamp.Local().Format("15:04:05.000"), r.Direction, r.PayloadLen, r.PayloadASCII))
	}
	return nil
}
