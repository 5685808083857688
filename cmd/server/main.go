package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ichi0g0y/giveaway-o-tron/internal/version"
	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "giveaway-o-tron",
		Short:         "Twitch chat giveaway with overlay winner alerts",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if dataDir, _ := cmd.Flags().GetString("data-dir"); dataDir != "" {
				os.Setenv("GIVEAWAY_DATA_DIR", dataDir)
			}
		},
	}
	rootCmd.PersistentFlags().String("data-dir", "", "data directory (default: ~/.giveaway-o-tron)")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")
	rootCmd.PersistentFlags().Int("port", 0, "listen port (default: SERVER_PORT setting)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the giveaway service with chat ingestion, operator API and overlay relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := optionsFromFlags(cmd)
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return runServe(ctx, opts)
		},
	}

	relayCmd := &cobra.Command{
		Use:   "relay",
		Short: "Run a relay-only node that forwards winner events from redis to overlays",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := optionsFromFlags(cmd)
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return runRelay(ctx, opts)
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.String())
		},
	}

	rootCmd.AddCommand(serveCmd, relayCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

type options struct {
	debug bool
	port  int
}

func optionsFromFlags(cmd *cobra.Command) options {
	debug, _ := cmd.Flags().GetBool("debug")
	port, _ := cmd.Flags().GetInt("port")
	return options{debug: debug, port: port}
}
