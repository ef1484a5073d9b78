// iceworker — per-host board agent
//
// The worker daemon adopts the boards plugged into its host, keeps them
// flashed and verified, exports reserved boards over usbip and streams
// device events to the clients holding them.
//
//	iceworker serve                  Run the daemon
//	iceworker version                Print version information
//
// Configuration comes from USBIPICE_* environment variables, with an
// optional YAML file underneath (--config). Logs above debug level are
// also shipped to the control server.
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
	"github.com/usbipice/usbipice/pkg/store"
	"github.com/usbipice/usbipice/pkg/util"
	"github.com/usbipice/usbipice/pkg/version"
	"github.com/usbipice/usbipice/pkg/worker"
)

var (
	configPath string
	verbose    bool
	jsonLog    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:               "iceworker",
		Short:             "Board host agent",
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
				fmt.Printf("iceworker %s\n", version.Info())
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
		Short: "Run the worker daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if verbose {
				util.SetLogLevel("debug")
			}
			if jsonLog {
				util.SetJSONFormat()
			}

			cfg, err := config.LoadWorker(configPath)
			if err != nil {
				return err
			}

			hook := util.NewRemoteLogHook(cfg.ControlServer, cfg.Name, 30*time.Second)
			util.Logger.AddHook(hook)
			defer hook.Close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			st, err := store.NewRedis(ctx, cfg.Database)
			if err != nil {
				return err
			}
			defer st.Close()

			mgr := worker.NewManager(cfg, st, worker.ManagerOptions{})
			if err := mgr.Run(ctx); err != nil {
				return err
			}

			srv := worker.NewServer(cfg, mgr)
			if err := srv.Start(); err != nil {
				return err
			}

			util.Infof("worker %s up on :%d, %d boards adopted",
				cfg.Name, cfg.ServerPort, mgr.DeviceCount())
			<-ctx.Done()
			util.Info("shutting down")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				util.Warnf("http shutdown: %v", err)
			}
			mgr.Shutdown(shutdownCtx)
			return nil
		},
	}
}
