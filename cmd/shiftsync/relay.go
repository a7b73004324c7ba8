package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shiftboard/shiftsync/internal/localcache"
	"github.com/shiftboard/shiftsync/internal/relay"
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run a local store for development and single-site installs",
	Long: `Run a JSON tree store that speaks the same REST and change-stream protocol
as the hosted store, persisting to a local SQLite file.

Point devices at it with store.url (e.g. http://127.0.0.1:8787).

Example usage:
  shiftsync relay
  shiftsync relay --addr 0.0.0.0:8787 --memory`,
	Run: func(cmd *cobra.Command, args []string) {
		addr, _ := cmd.Flags().GetString("addr")
		memory, _ := cmd.Flags().GetBool("memory")

		rcfg := relay.DefaultConfig()
		rcfg.Addr = cfg.Relay.Addr
		if addr != "" {
			rcfg.Addr = addr
		}
		rcfg.AuthToken = cfg.Relay.AuthToken
		rcfg.Logger = logger.With("component", "relay")

		if !memory {
			path, err := relayDataPath(cfg)
			if err != nil {
				fatal("failed to resolve relay data path: %v", err)
			}
			db, err := localcache.Open(path)
			if err != nil {
				fatal("failed to open relay data: %v", err)
			}
			defer db.Close()
			rcfg.Persistence = db
			fmt.Printf("Persisting to %s\n", path)
		}

		server, err := relay.NewServer(rcfg)
		if err != nil {
			fatal("failed to create relay: %v", err)
		}
		if err := server.Start(); err != nil {
			fatal("failed to start relay: %v", err)
		}

		fmt.Printf("Relay listening on http://%s\n", server.Addr())
		fmt.Printf("Change stream: ws://%s/.ws\n", server.Addr())
		fmt.Println("\nPress Ctrl+C to stop...")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		<-ctx.Done()

		fmt.Println("\nShutting down relay...")
		if err := server.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
		}
	},
}

func init() {
	relayCmd.Flags().String("addr", "", "Address to listen on (default: relay.addr)")
	relayCmd.Flags().Bool("memory", false, "Keep data in memory only")

	rootCmd.AddCommand(relayCmd)
}
