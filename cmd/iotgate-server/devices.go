package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/muurk/iotgate/internal/config"
	"github.com/muurk/iotgate/internal/credentials"
	"github.com/muurk/iotgate/internal/protocol"
	"github.com/muurk/iotgate/internal/ui"
)

var (
	deviceKey      string
	deviceLabel    string
	deviceGenerate bool
	deviceYes      bool
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "Manage device credentials",
	Long: `Manage the devices allowed to connect.

The file and sqlite backends store a SHA-256 hash of each device key. The
hmac backend stores nothing: 'devices add' prints the key a device must
present, derived from the configured secret.`,
}

var devicesAddCmd = &cobra.Command{
	Use:   "add <device-id>",
	Short: "Register a device key",
	Example: `  # Prompt for the key
  iotgate-server devices add 1234567890 --label kitchen

  # Generate a random key and print it
  iotgate-server devices add 1234567890 --generate`,
	Args: cobra.ExactArgs(1),
	RunE: runDevicesAdd,
}

var devicesRemoveCmd = &cobra.Command{
	Use:   "remove <device-id>",
	Short: "Remove a device",
	Args:  cobra.ExactArgs(1),
	RunE:  runDevicesRemove,
}

var devicesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered devices",
	Args:  cobra.NoArgs,
	RunE:  runDevicesList,
}

func init() {
	devicesAddCmd.Flags().StringVar(&deviceKey, "key", "", "Device key (prompted if omitted)")
	devicesAddCmd.Flags().StringVar(&deviceLabel, "label", "", "Free-form label shown in 'devices list'")
	devicesAddCmd.Flags().BoolVar(&deviceGenerate, "generate", false, "Generate a random key and print it")
	devicesRemoveCmd.Flags().BoolVarP(&deviceYes, "yes", "y", false, "Do not ask for confirmation")

	devicesCmd.AddCommand(devicesAddCmd)
	devicesCmd.AddCommand(devicesRemoveCmd)
	devicesCmd.AddCommand(devicesListCmd)
}

func openStore() (credentials.Store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return credentials.OpenStore(cfg.Credentials.Backend, cfg.Credentials.Path)
}

func generateKey() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func runDevicesAdd(cmd *cobra.Command, args []string) error {
	id, err := protocol.ParseDeviceID(args[0])
	if err != nil {
		return err
	}
	p := ui.NewPrinter(cmd.OutOrStdout())

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Credentials.Backend == credentials.BackendHMAC {
		v, err := credentials.NewHMACVerifier(cfg.Credentials.Secret)
		if err != nil {
			return err
		}
		p.PrintSuccess("Device key derived", map[string]string{
			"Device": id.String(),
			"Key":    v.KeyFor(id),
		})
		return nil
	}

	key := deviceKey
	switch {
	case deviceGenerate:
		if key, err = generateKey(); err != nil {
			return err
		}
	case key == "":
		if key, err = ui.ReadSecret(fmt.Sprintf("Key for device %s: ", id)); err != nil {
			return err
		}
	}

	store, err := credentials.OpenStore(cfg.Credentials.Backend, cfg.Credentials.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Add(id, key, deviceLabel); err != nil {
		return err
	}

	details := map[string]string{
		"Device":  id.String(),
		"Backend": cfg.Credentials.Backend,
		"Store":   cfg.Credentials.Path,
	}
	if deviceGenerate {
		details["Key"] = key
	}
	p.PrintSuccess("Device registered", details)
	return nil
}

func runDevicesRemove(cmd *cobra.Command, args []string) error {
	id, err := protocol.ParseDeviceID(args[0])
	if err != nil {
		return err
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	if !deviceYes {
		if !ui.IsInteractive() {
			return fmt.Errorf("refusing to remove device %s without --yes on a non-interactive stdin", id)
		}
		ok := ui.Confirm(cmd.OutOrStdout(), cmd.InOrStdin(), "Remove device "+id.String(),
			[]string{"The device will be rejected on its next connection."}, "yes")
		if !ok {
			return nil
		}
	}

	if err := store.Remove(id); err != nil {
		return err
	}
	ui.NewPrinter(cmd.OutOrStdout()).PrintSuccess("Device removed", map[string]string{"Device": id.String()})
	return nil
}

func runDevicesList(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.List()
	if err != nil {
		return err
	}
	ui.NewPrinter(cmd.OutOrStdout()).PrintDevices(entries)
	return nil
}
