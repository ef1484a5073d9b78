package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/usbipice/usbipice/pkg/cli"
	"github.com/usbipice/usbipice/pkg/client"
	"github.com/usbipice/usbipice/pkg/usb"
	"github.com/usbipice/usbipice/pkg/util"
)

func parseAmount(args []string) (int, error) {
	if len(args) == 0 {
		return 1, nil
	}
	amount, err := strconv.Atoi(args[0])
	if err != nil || amount < 1 {
		return 0, fmt.Errorf("amount must be a positive number, got %q", args[0])
	}
	return amount, nil
}

func newReserveCmd() *cobra.Command {
	var reservable string

	cmd := &cobra.Command{
		Use:   "reserve [amount]",
		Short: "Reserve boards",
		Long: `Reserve boards and print their serials and worker coordinates.

The reservation outlives this command; use 'iceclient attach' instead to
hold the boards imported locally.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseAmount(args)
			if err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			api := client.NewAPI(cfg.ControlServer, cfg.Name)
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			serials, err := api.Reserve(ctx, amount, reservable, nil)
			if err != nil {
				return err
			}
			table := cli.NewTable("SERIAL", "WORKER")
			for _, serial := range serials {
				info, err := api.Info(serial)
				if err != nil {
					continue
				}
				table.Row(serial, util.FormatAddr(info.IP, info.ServerPort))
			}
			table.Flush()
			if len(serials) < amount {
				fmt.Fprintln(os.Stderr, cli.Yellow(fmt.Sprintf("only %d of %d boards available", len(serials), amount)))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&reservable, "reservable", "usbip", "reservable kind to ask for")
	return cmd
}

func newAttachCmd() *cobra.Command {
	var reservable string

	cmd := &cobra.Command{
		Use:   "attach [amount]",
		Short: "Reserve boards, attach them locally and hold",
		Long: `Reserve boards and keep them imported over usbip until interrupted.

Reservations about to expire are extended automatically; Ctrl-C releases
everything and detaches.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseAmount(args)
			if err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			adapter := usb.NewExecAdapter(nil)
			c := client.New(cfg, adapter)
			defer c.Close()

			if err := c.Connect(); err != nil {
				return fmt.Errorf("control socket: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			detector := client.NewTimeoutDetector(c, adapter)
			if observer, err := usb.NewUdevObserver(ctx); err != nil {
				util.Warnf("udev monitor unavailable: %v", err)
			} else {
				defer observer.Close()
				detector.Observe(observer)
			}
			detector.Start()
			defer detector.Stop()

			serials, err := c.Reserve(ctx, amount, reservable, nil)
			if err != nil {
				return err
			}
			fmt.Println(cli.Green(fmt.Sprintf("holding %d boards: %v", len(serials), serials)))

			<-ctx.Done()
			fmt.Fprintln(os.Stderr, "releasing")

			endCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if _, err := c.API().EndAll(endCtx); err != nil {
				util.Warnf("ending reservations: %v", err)
			}
			for _, serial := range serials {
				if err := c.Unbind(serial); err != nil {
					util.Debugf("detaching %s: %v", serial, err)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&reservable, "reservable", "usbip", "reservable kind to ask for")
	return cmd
}
