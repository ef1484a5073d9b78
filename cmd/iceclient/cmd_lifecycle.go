package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/usbipice/usbipice/pkg/client"
)

func withAPI(fn func(ctx context.Context, api *client.API) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return fn(ctx, client.NewAPI(cfg.ControlServer, cfg.Name))
}

func newExtendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "extend [serial...]",
		Short: "Push reservation expiries forward",
		Long:  `Extend the named reservations, or every reservation held under this client id when no serials are given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAPI(func(ctx context.Context, api *client.API) error {
				var extended []string
				var err error
				if len(args) == 0 {
					extended, err = api.ExtendAll(ctx)
				} else {
					extended, err = api.Extend(ctx, args)
				}
				if err != nil {
					return err
				}
				fmt.Printf("extended %d reservations: %v\n", len(extended), extended)
				return nil
			})
		},
	}
}

func newEndCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "end <serial>...",
		Short: "Release reservations",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAPI(func(ctx context.Context, api *client.API) error {
				ended, err := api.End(ctx, args)
				if err != nil {
					return err
				}
				fmt.Printf("ended %d reservations: %v\n", len(ended), ended)
				return nil
			})
		},
	}
}

func newEndAllCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "endall",
		Short: "Release every reservation held under this client id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAPI(func(ctx context.Context, api *client.API) error {
				ended, err := api.EndAll(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("ended %d reservations: %v\n", len(ended), ended)
				return nil
			})
		},
	}
}
