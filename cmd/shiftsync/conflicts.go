package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/shiftboard/shiftsync/internal/localcache"
	"github.com/shiftboard/shiftsync/internal/ui"
)

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "Review conflicts on manually resolved fields",
	Long: `List conflicts raised by fields configured with the "manual" strategy.
The remote value was kept in each case; the local value is recorded here.

Example usage:
  shiftsync conflicts           # open conflicts
  shiftsync conflicts --all
  shiftsync conflicts resolve 3`,
	Run: func(cmd *cobra.Command, args []string) {
		all, _ := cmd.Flags().GetBool("all")
		withCache(func(ctx context.Context, cache *localcache.Cache) {
			records, err := cache.Conflicts(ctx, !all)
			if err != nil {
				fatal("failed to read conflicts: %v", err)
			}
			if len(records) == 0 {
				fmt.Println(ui.Muted.Render("no conflicts"))
				return
			}
			rows := make([][]string, 0, len(records))
			for _, r := range records {
				state := ui.Hot.Render("open")
				if r.Resolved {
					state = ui.Muted.Render("resolved")
				}
				rows = append(rows, []string{
					strconv.FormatInt(r.ID, 10), r.Field, r.DetectedAt.Local().Format(time.DateTime),
					string(r.Local), string(r.Remote), state,
				})
			}
			fmt.Print(ui.Table([]string{"ID", "FIELD", "DETECTED", "LOCAL", "REMOTE", "STATE"}, rows))
		})
	},
}

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve <id>",
	Short: "Mark a conflict as reviewed",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			fatal("invalid conflict id %q", args[0])
		}
		withCache(func(ctx context.Context, cache *localcache.Cache) {
			if err := cache.ResolveConflict(ctx, id); err != nil {
				fatal("%v", err)
			}
			fmt.Printf("Conflict %d resolved\n", id)
		})
	},
}

func withCache(fn func(ctx context.Context, cache *localcache.Cache)) {
	path, err := cachePath(cfg)
	if err != nil {
		fatal("failed to resolve cache path: %v", err)
	}
	cache, err := localcache.Open(path)
	if err != nil {
		fatal("failed to open local cache: %v", err)
	}
	defer cache.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	fn(ctx, cache)
}

func init() {
	conflictsCmd.Flags().Bool("all", false, "Include resolved conflicts")

	conflictsCmd.AddCommand(conflictsResolveCmd)
	rootCmd.AddCommand(conflictsCmd)
}
