package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/shiftboard/shiftsync/internal/snapshot"
	"github.com/shiftboard/shiftsync/internal/ui"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Capture and inspect daily inventory snapshots",
}

var snapshotCaptureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Capture a manual inventory snapshot now",
	Long: `Capture the current inventory as a manual snapshot. Manual snapshots are
stored next to the scheduled one for the day and never replace it.`,
	Run: func(cmd *cobra.Command, args []string) {
		by, _ := cmd.Flags().GetString("by")
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		d, err := openDevice(ctx, cfg)
		if err != nil {
			fatal("failed to set up device: %v", err)
		}
		defer d.Close()

		if by == "" {
			by = d.engine.DeviceID()
		}
		snap, err := d.engine.CaptureSnapshot(ctx, by)
		if err != nil {
			fatal("failed to capture snapshot: %v", err)
		}
		printSnapshot(cmd, snap)
	},
}

var snapshotShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the snapshot for a day",
	Long: `Show the stored snapshot for a day.

--date accepts YYYY-MM-DD or phrases like "yesterday" and "last friday".
--key selects a manual snapshot by its full key.`,
	Run: func(cmd *cobra.Command, args []string) {
		dateArg, _ := cmd.Flags().GetString("date")
		key, _ := cmd.Flags().GetString("key")
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		d, err := openDevice(ctx, cfg)
		if err != nil {
			fatal("failed to set up device: %v", err)
		}
		defer d.Close()
		svc := d.engine.Snapshots()

		var snap *snapshot.Snapshot
		if key != "" {
			snap, err = svc.LoadKey(ctx, key)
		} else {
			loc, _ := cfg.Location()
			date, perr := parseDate(dateArg, time.Now().In(loc))
			if perr != nil {
				fatal("%v", perr)
			}
			snap, err = svc.Load(ctx, date)
		}
		if err != nil {
			fatal("failed to load snapshot: %v", err)
		}
		if snap == nil {
			fmt.Fprintln(os.Stderr, "No snapshot stored for that day")
			os.Exit(1)
		}
		printSnapshot(cmd, snap)
	},
}

var snapshotListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored snapshot keys",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		d, err := openDevice(ctx, cfg)
		if err != nil {
			fatal("failed to set up device: %v", err)
		}
		defer d.Close()

		keys, err := d.engine.Snapshots().List(ctx)
		if err != nil {
			fatal("failed to list snapshots: %v", err)
		}
		if len(keys) == 0 {
			fmt.Println(ui.Muted.Render("no snapshots stored"))
			return
		}
		for _, k := range keys {
			fmt.Println(k)
		}
	},
}

func printSnapshot(cmd *cobra.Command, snap *snapshot.Snapshot) {
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		out, err := json.MarshalIndent(snap, "", "  ")
		if err != nil {
			fatal("failed to encode snapshot: %v", err)
		}
		fmt.Println(string(out))
		return
	}
	fmt.Print(ui.Snapshot(snap))
}

// parseDate turns a user date into a snapshot date. Empty means today.
func parseDate(s string, now time.Time) (string, error) {
	if s == "" {
		return now.Format(snapshot.DateLayout), nil
	}
	if t, err := time.ParseInLocation(snapshot.DateLayout, s, now.Location()); err == nil {
		return t.Format(snapshot.DateLayout), nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(s, now)
	if err != nil {
		return "", fmt.Errorf("failed to parse date %q: %w", s, err)
	}
	if r == nil {
		return "", fmt.Errorf("unrecognized date %q", s)
	}
	return r.Time.Format(snapshot.DateLayout), nil
}

func init() {
	snapshotCaptureCmd.Flags().String("by", "", "Who captured the snapshot (default: device id)")
	snapshotShowCmd.Flags().StringP("date", "d", "", "Day to show (default: today)")
	snapshotShowCmd.Flags().String("key", "", "Full snapshot key, e.g. 2026-10-19_manual_140509")
	for _, c := range []*cobra.Command{snapshotCaptureCmd, snapshotShowCmd} {
		c.Flags().Bool("json", false, "Print the stored JSON")
	}

	snapshotCmd.AddCommand(snapshotCaptureCmd, snapshotShowCmd, snapshotListCmd)
	rootCmd.AddCommand(snapshotCmd)
}
