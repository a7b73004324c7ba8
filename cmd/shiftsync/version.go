package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shiftboard/shiftsync/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("shiftsync %s (protocol %s)\n", version.Version, version.Protocol)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
