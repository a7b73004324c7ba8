package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shiftboard/shiftsync/internal/loadtest"
	"github.com/shiftboard/shiftsync/internal/relay"
	"github.com/shiftboard/shiftsync/internal/store"
)

var loadtestCmd = &cobra.Command{
	Use:   "loadtest",
	Short: "Simulate many devices writing one field concurrently",
	Long: `Start N simulated devices that each add ids to a shared set-union field,
then check that every device ends up with every id.

By default the devices share an in-process store. With --relay they talk to a
throwaway relay over HTTP and the change stream; with --store they use the
configured store.url (writes go to the "loadtestIds" field).

Example usage:
  shiftsync loadtest --devices 20 --writes 50
  shiftsync loadtest --relay`,
	Run: func(cmd *cobra.Command, args []string) {
		devices, _ := cmd.Flags().GetInt("devices")
		writes, _ := cmd.Flags().GetInt("writes")
		useRelay, _ := cmd.Flags().GetBool("relay")
		useStore, _ := cmd.Flags().GetBool("store")

		opts := loadtest.DefaultOptions()
		opts.Devices = devices
		opts.WritesPerDevice = writes
		opts.Logger = logger.Logger

		var connect loadtest.Connect
		switch {
		case useStore:
			connect = httpClients(cfg.Store.URL, cfg.Store.AuthToken)
		case useRelay:
			rcfg := relay.DefaultConfig()
			rcfg.Addr = "127.0.0.1:0"
			rcfg.Logger = logger.With("component", "relay")
			server, err := relay.NewServer(rcfg)
			if err != nil {
				fatal("failed to create relay: %v", err)
			}
			if err := server.Start(); err != nil {
				fatal("failed to start relay: %v", err)
			}
			defer server.Stop()
			connect = httpClients("http://"+server.Addr(), "")
		default:
			mem := store.NewMemStore()
			connect = func(int) (store.Store, error) { return mem.Client(), nil }
		}

		fmt.Printf("Running %d devices x %d writes...\n", opts.Devices, opts.WritesPerDevice)
		report, err := loadtest.Run(context.Background(), connect, opts)
		if err != nil {
			fatal("load test failed: %v", err)
		}
		report.Print(os.Stdout)
		if report.Converged != report.Devices {
			os.Exit(1)
		}
	},
}

func httpClients(url, token string) loadtest.Connect {
	return func(int) (store.Store, error) {
		hcfg := store.DefaultHTTPConfig(url)
		hcfg.AuthToken = token
		return store.NewHTTPStore(hcfg)
	}
}

func init() {
	loadtestCmd.Flags().Int("devices", 10, "Number of simulated devices")
	loadtestCmd.Flags().Int("writes", 20, "Writes per device")
	loadtestCmd.Flags().Bool("relay", false, "Run over a local relay instead of in memory")
	loadtestCmd.Flags().Bool("store", false, "Run against the configured store.url")

	rootCmd.AddCommand(loadtestCmd)
}
