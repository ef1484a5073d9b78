// icecontrol — reservation control plane
//
// The control daemon owns the redis store, grants and expires board
// reservations, probes workers and relays lifecycle events to clients.
//
//	icecontrol serve                 Run the daemon
//	icecontrol version               Print version information
//
// Configuration comes from USBIPICE_* environment variables, with an
// optional YAML file underneath (--config).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/usbipice/usbipice/pkg/config"
	"github.com/usbipice/usbipice/pkg/control"
	"github.com/usbipice/usbipice/pkg/store"
	"github.com/usbipice/usbipice/pkg/util"
	"github.com/usbipice/usbipice/pkg/version"
)

var (
	configPath string
	verbose    bool
	jsonLog    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:               "icecontrol",
		Short:             "Board reservation control plane",
		SilenceUsage:      true,
		SilenceErrors:     true,
		CompletionOptions: cobra.CompletionOptions{HiddenDefaultCmd: true},
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file (env vars win)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonLog, "json-log", false, "JSON log format")

	rootCmd.AddCommand(
		newServeCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Printf("icecontrol %s\n", version.Info())
			},
		},
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the control daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()

			cfg, err := config.LoadControl(configPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			st, err := store.NewRedis(ctx, cfg.Database)
			if err != nil {
				return err
			}
			defer st.Close()

			ctl := control.New(cfg, st, nil)

			heartbeat := control.NewHeartbeat(ctl)
			heartbeat.Start()
			defer heartbeat.Stop()

			srv := control.NewServer(cfg, ctl)
			if err := srv.Start(); err != nil {
				return err
			}

			util.Infof("control server up on :%d", cfg.Port)
			<-ctx.Done()
			util.Info("shutting down")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
}

func setupLogging() {
	if verbose {
		util.SetLogLevel("debug")
	}
	if jsonLog {
		util.SetJSONFormat()
	}
}
