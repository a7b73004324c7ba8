package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/shiftboard/shiftsync/internal/config"
	"github.com/shiftboard/shiftsync/internal/ui"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Create or inspect the configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a config file with the default settings",
	Long: `Write the default settings to a config file. The format follows the
extension: .yaml/.yml or .toml.

Example usage:
  shiftsync config init                      # ~/.shiftsync/shiftsync.yaml
  shiftsync config init ./shiftsync.toml`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		force, _ := cmd.Flags().GetBool("force")

		path := ""
		if len(args) == 1 {
			path = args[0]
		} else {
			home, err := os.UserHomeDir()
			if err != nil {
				fatal("failed to find home directory: %v", err)
			}
			path = filepath.Join(home, ".shiftsync", "shiftsync.yaml")
		}

		if err := config.WriteDefault(path, force); err != nil {
			fatal("%v", err)
		}
		fmt.Printf("Wrote %s\n", path)
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective settings",
	Run: func(cmd *cobra.Command, args []string) {
		if used := vcfg.ConfigFileUsed(); used != "" {
			fmt.Println(ui.Muted.Render("# " + used))
		} else {
			fmt.Println(ui.Muted.Render("# no config file, defaults and environment only"))
		}
		for _, key := range config.Keys(vcfg) {
			fmt.Printf("%s = %v\n", ui.Title.Render(key), vcfg.Get(key))
		}
	},
}

func init() {
	configInitCmd.Flags().BoolP("force", "f", false, "Overwrite an existing file")

	configCmd.AddCommand(configInitCmd, configShowCmd)
	rootCmd.AddCommand(configCmd)
}
