package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/usbipice/usbipice/pkg/cli"
	"github.com/usbipice/usbipice/pkg/client"
	"github.com/usbipice/usbipice/pkg/usb"
	"github.com/usbipice/usbipice/pkg/util"
)

func newFlashCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "flash <image.uf2> <serial>...",
		Short: "Flash locally plugged boards",
		Long: `Flash a UF2 image onto boards plugged into this machine.

Each board is kicked into its bootloader over its serial console; the
image is copied once the bootloader volume appears. Boards whose volume
never shows up before --timeout are reported as failed.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if verbose {
				util.SetLogLevel("debug")
			} else {
				util.SetLogLevel("warn")
			}
			firmware := args[0]
			serials := args[1:]

			if _, err := os.Stat(firmware); err != nil {
				return fmt.Errorf("firmware image: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			observer, err := usb.NewUdevObserver(ctx)
			if err != nil {
				return fmt.Errorf("udev monitor: %w", err)
			}
			defer observer.Close()

			flasher := client.NewFirmwareFlasher(nil, nil)
			flashed, failed := flasher.Flash(ctx, observer, serials, firmware, timeout)

			fmt.Println(cli.Green(fmt.Sprintf("flashed %d of %d boards", len(flashed), len(serials))))
			if len(failed) > 0 {
				return fmt.Errorf("failed: %v", failed)
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "overall flashing deadline")
	return cmd
}
