// Command shiftsync runs the POS state sync agent and its operator tools.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/shiftboard/shiftsync/internal/config"
	"github.com/shiftboard/shiftsync/internal/logging"
	"github.com/shiftboard/shiftsync/internal/ui"
)

var (
	configPath string
	logLevel   string

	cfg    *config.Config
	vcfg   *viper.Viper
	logger *logging.Logger
)

var rootCmd = &cobra.Command{
	Use:   "shiftsync",
	Short: "Multi-device state sync for the staff POS",
	Long: `shiftsync keeps shared POS state consistent across staff devices.

Each device runs "shiftsync run", which synchronizes fields through the shared
store, queues writes while offline, tracks active devices, performs the daily
reset exactly once and captures the nightly inventory snapshot.

Settings come from shiftsync.yaml (or .toml) in the current directory or
~/.shiftsync, overridden by SHIFTSYNC_* environment variables.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		ui.Setup(os.Stdout)

		vcfg = config.New(configPath)
		loaded, err := config.Load(vcfg)
		if err != nil {
			return err
		}
		cfg = loaded
		if logLevel != "" {
			cfg.Log.Level = logLevel
		}

		logger, err = logging.New(logging.Options{
			Level:      cfg.Log.Level,
			Format:     cfg.Log.Format,
			File:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
		})
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Close()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: ./shiftsync.yaml or ~/.shiftsync/shiftsync.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// fatal reports err and exits.
func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
