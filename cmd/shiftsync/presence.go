package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/shiftboard/shiftsync/internal/ui"
)

var presenceCmd = &cobra.Command{
	Use:   "presence",
	Short: "List devices active in the last two minutes",
	Run: func(cmd *cobra.Command, args []string) {
		asJSON, _ := cmd.Flags().GetBool("json")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		d, err := openDevice(ctx, cfg)
		if err != nil {
			fatal("failed to set up device: %v", err)
		}
		defer d.Close()

		devices, err := d.engine.ActiveDevices(ctx)
		if err != nil {
			fatal("failed to list devices: %v", err)
		}
		if asJSON {
			out, _ := json.MarshalIndent(devices, "", "  ")
			fmt.Println(string(out))
			return
		}
		fmt.Print(ui.Devices(devices, d.engine.DeviceID(), time.Now()))
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show this device's sync status",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		d, err := openDevice(ctx, cfg)
		if err != nil {
			fatal("failed to set up device: %v", err)
		}
		defer d.Close()

		if _, err := d.engine.Queue().Restore(ctx); err != nil {
			fatal("failed to read offline queue: %v", err)
		}
		fmt.Print(ui.Status(d.engine.Status()))
	},
}

func init() {
	presenceCmd.Flags().Bool("json", false, "Print JSON")

	rootCmd.AddCommand(presenceCmd, statusCmd)
}
