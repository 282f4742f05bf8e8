// Command inkline-device drives one device's local runtime: creating
// or attaching to an account, running the background sync loop, and
// exposing the few operator actions spec.md §4.7/§6 describes
// (device-share encode/decode, revoke). It is a thin cobra shell
// around internal/client.Device — everything that isn't argument
// parsing and process lifecycle lives there.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/inkline-dev/inkline/internal/client"
	"github.com/inkline-dev/inkline/internal/config"
	"github.com/inkline-dev/inkline/internal/events"
	"github.com/inkline-dev/inkline/pkg/clock"
)

var (
	dbPath        string
	configPath    string
	storageKeyHex string
)

func main() {
	root := &cobra.Command{
		Use:   "inkline-device",
		Short: "Run and administer one inkline device",
	}
	root.PersistentFlags().StringVar(&dbPath, "db", "./inkline.db", "path to this device's encrypted local database")
	root.PersistentFlags().StringVar(&configPath, "config", "./inkline.yaml", "path to the device's YAML config file")
	root.PersistentFlags().StringVar(&storageKeyHex, "storage-key", os.Getenv("INKLINE_STORAGE_KEY"), "hex-encoded local storage encryption key (32 bytes); defaults to $INKLINE_STORAGE_KEY")

	root.AddCommand(
		newStatusCmd(),
		newCreateAccountCmd(),
		newShareCmd(),
		newAttachCmd(),
		newRemoveDeviceCmd(),
		newSyncCmd(),
		newServeCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openDevice(ctx context.Context) (*client.Device, error) {
	storageKey, err := hex.DecodeString(storageKeyHex)
	if err != nil {
		return nil, fmt.Errorf("decode --storage-key: %w", err)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return client.Open(ctx, dbPath, storageKey, cfg, clock.NewReal())
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print this device's identity and account attachment",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := openDevice(cmd.Context())
			if err != nil {
				return err
			}
			defer d.Stop()
			fmt.Printf("device:  %s\n", d.DeviceID())
			if d.AccountID() == "" {
				fmt.Println("account: none (run create-account or attach)")
				return nil
			}
			fmt.Printf("account: %s\n", d.AccountID())
			fmt.Printf("revoked: %t\n", d.Revoked())
			return nil
		},
	}
}

func newCreateAccountCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create-account",
		Short: "Create a brand-new account owned solely by this device",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := openDevice(cmd.Context())
			if err != nil {
				return err
			}
			defer d.Stop()
			if err := d.CreateAccount(cmd.Context()); err != nil {
				return err
			}
			fmt.Printf("account created: %s\n", d.AccountID())
			return nil
		},
	}
}

func newShareCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "share",
		Short: "Print this device's out-of-band device-share string",
		Long:  "Prints the base58 device-share an existing account admin device scans or pastes to attach this device (spec.md §4.7).",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := openDevice(cmd.Context())
			if err != nil {
				return err
			}
			defer d.Stop()
			fmt.Println(d.EncodeDeviceShare(name))
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "device", "display name to embed in the device-share")
	return cmd
}

func newAttachCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "attach <device-share>",
		Short: "Attach a joining device to this device's account",
		Long:  "Consumes a device-share printed by the joining device's own `share` command and admits it to this account's group (spec.md §4.7 Attach).",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := openDevice(cmd.Context())
			if err != nil {
				return err
			}
			defer d.Stop()
			share, err := client.ParseDeviceShare(args[0])
			if err != nil {
				return err
			}
			if err := d.AttachDevice(cmd.Context(), share.KeyPackage.DeviceID); err != nil {
				return err
			}
			fmt.Printf("attached %s (%s)\n", share.KeyPackage.DeviceID, share.DeviceName)
			return nil
		},
	}
}

func newRemoveDeviceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove-device <device-id>",
		Short: "Revoke a device from this account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := openDevice(cmd.Context())
			if err != nil {
				return err
			}
			defer d.Stop()
			return d.RemoveDevice(cmd.Context(), args[0])
		},
	}
}

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run a single synchronization round against the relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := openDevice(cmd.Context())
			if err != nil {
				return err
			}
			defer d.Stop()
			return d.Sync(cmd.Context())
		},
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the background scheduler loop until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			d, err := openDevice(ctx)
			if err != nil {
				return err
			}
			defer d.Stop()

			go logEvents(d.Events().Subscribe(32))

			d.Start(ctx)
			<-ctx.Done()
			return nil
		},
	}
}

// logEvents prints every broadcast event to stdout for the lifetime of
// the process; a host application would subscribe the same way and
// route events to its own UI instead.
func logEvents(ch <-chan events.Event) {
	for ev := range ch {
		fmt.Printf("event: %s %v\n", ev.Type, ev.Payload)
	}
}
