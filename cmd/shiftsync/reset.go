package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/shiftboard/shiftsync/internal/reset"
	"github.com/shiftboard/shiftsync/internal/ui"
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clear the daily fields on every device",
	Long: `Reset the daily fields (reset.fields in the config) to their start-of-day
values. Only one device performs the reset; the others pick it up through sync.

Without --daily the reset runs even if today's reset already happened.

Example usage:
  shiftsync reset            # ask, then reset now
  shiftsync reset --yes      # no prompt
  shiftsync reset --daily    # only if nobody has reset today`,
	Run: func(cmd *cobra.Command, args []string) {
		yes, _ := cmd.Flags().GetBool("yes")
		daily, _ := cmd.Flags().GetBool("daily")

		if !daily && !yes {
			if !ui.IsTerminal(os.Stdin) {
				fatal("refusing to reset without confirmation; pass --yes")
			}
			ok := false
			err := huh.NewConfirm().
				Title("Reset daily fields on all devices?").
				Description(strings.Join(resetFieldNames(cfg), ", ")).
				Affirmative("Reset").
				Negative("Cancel").
				Value(&ok).
				Run()
			if err != nil {
				fatal("confirmation failed: %v", err)
			}
			if !ok {
				fmt.Println("Cancelled")
				return
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		d, err := openDevice(ctx, cfg)
		if err != nil {
			fatal("failed to set up device: %v", err)
		}
		defer d.Close()

		var outcome reset.Outcome
		if daily {
			outcome, err = d.engine.RunDailyReset(ctx)
		} else {
			outcome, err = d.engine.ResetNow(ctx)
		}
		if err != nil {
			fatal("reset failed: %v", err)
		}

		switch outcome {
		case reset.Done:
			fmt.Println(ui.Good.Render("Reset complete"))
		case reset.AlreadyDone:
			fmt.Println(ui.Muted.Render("Already reset today"))
		case reset.Deferred:
			fmt.Println(ui.Warn.Render("Another device is resetting; try again shortly"))
		}
	},
}

func init() {
	resetCmd.Flags().BoolP("yes", "y", false, "Skip the confirmation prompt")
	resetCmd.Flags().Bool("daily", false, "Run the once-per-day reset instead of a forced one")

	rootCmd.AddCommand(resetCmd)
}
