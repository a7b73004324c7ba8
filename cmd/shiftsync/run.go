package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shiftboard/shiftsync/internal/config"
	"github.com/shiftboard/shiftsync/internal/ui"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sync agent for this device",
	Long: `Run the sync agent until interrupted.

The agent announces this device, streams remote field changes (or polls when
streaming is disabled), queues writes while the store is unreachable and
replays them on reconnect, runs the daily reset and captures the scheduled
inventory snapshot. The fields listed under sync.fields are loaded from the
store at startup and kept current.

Changing log.level in the config file takes effect without a restart.

Example usage:
  shiftsync run
  shiftsync run --config /etc/shiftsync/shiftsync.yaml --log-level debug`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		d, err := openDevice(ctx, cfg)
		if err != nil {
			fatal("failed to set up device: %v", err)
		}
		defer d.Close()

		if vcfg.ConfigFileUsed() != "" {
			config.Watch(vcfg, logger.Logger, func(next *config.Config) {
				if err := logger.SetLevel(next.Log.Level); err != nil {
					logger.Warn("ignoring log level change", "error", err)
				}
			})
		}

		if err := d.engine.Start(ctx); err != nil {
			fatal("failed to start sync engine: %v", err)
		}
		for _, name := range cfg.Sync.Fields {
			d.engine.Fields().Subscribe(name, func(field string, value json.RawMessage) {
				logger.Debug("field updated", "field", field, "bytes", len(value))
			})
		}
		fmt.Printf("Device %s syncing with %s\n", d.engine.DeviceID(), cfg.Store.URL)
		fmt.Println("Press Ctrl+C to stop...")

		<-ctx.Done()

		fmt.Println("\nShutting down...")
		d.engine.Stop()
		fmt.Print(ui.Status(d.engine.Status()))
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
