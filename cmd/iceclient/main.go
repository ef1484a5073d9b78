// iceclient — reserve and drive lab boards from the command line
//
// Most rigs embed the client library directly; iceclient covers the
// manual cases: poking at a reservation, holding boards attached on a
// bench machine and reflashing locally plugged boards.
//
//	iceclient reserve [amount]       Reserve boards
//	iceclient attach [amount]        Reserve, attach locally and hold
//	iceclient extend [serial...]     Push reservation expiries forward
//	iceclient end [serial...]        Release reservations
//	iceclient endall                 Release everything
//	iceclient flash <image> <serial...>   Flash local boards over USB
//
// The control server comes from USBIPICE_CONTROL_SERVER; --name sets the
// client id reservations are held under.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/usbipice/usbipice/pkg/config"
	"github.com/usbipice/usbipice/pkg/util"
	"github.com/usbipice/usbipice/pkg/version"
)

var (
	clientName string
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:               "iceclient",
		Short:             "Reserve and drive lab boards",
		SilenceUsage:      true,
		SilenceErrors:     true,
		CompletionOptions: cobra.CompletionOptions{HiddenDefaultCmd: true},
	}

	rootCmd.PersistentFlags().StringVar(&clientName, "name", "", "client id (default: iceclient-<hostname>)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")

	rootCmd.AddCommand(
		newReserveCmd(),
		newAttachCmd(),
		newExtendCmd(),
		newEndCmd(),
		newEndAllCmd(),
		newFlashCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Printf("iceclient %s\n", version.Info())
			},
		},
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig resolves the client configuration shared by every verb.
func loadConfig() (*config.Client, error) {
	if verbose {
		util.SetLogLevel("debug")
	} else {
		util.SetLogLevel("warn")
	}

	name := clientName
	if name == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("no --name and no hostname: %w", err)
		}
		name = "iceclient-" + host
	}
	return config.LoadClient(name)
}
