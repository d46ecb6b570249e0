package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/echolistener/internal/listener"
)

var listenOpts struct {
	noWatch bool
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Subscribe to the channel and play incoming audio",
	Long: `Log in, connect to the Socket.IO endpoint, subscribe to the configured
channel and play every audio event until interrupted.

The connection is re-established without limit when it drops. Changes to the
config file are picked up while running: channel routing, volume, backend and
notification settings apply immediately.

Examples:
  # Listen with credentials from the environment
  ECHO_APP_BASE=https://tta-ad ECHO_CHANNEL=private-audio.Lobby \
    ECHO_USERNAME=456456 ECHO_PASSWORD=secret echolistener listen

  # Show connection and queue activity
  echolistener listen -v`,
	RunE: runListen,
}

func init() {
	rootCmd.AddCommand(listenCmd)

	listenCmd.Flags().BoolVar(&listenOpts.noWatch, "no-watch", false,
		"Do not reload the config file when it changes")
}

func runListen(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := listener.Options{}
	if !listenOpts.noWatch {
		opts.ConfigPath = configPath()
	}

	l, err := listener.New(cfg, opts, logger)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Listening on %s at %s (Ctrl+C to stop)\n", cfg.Server.Channel, cfg.Server.AppBase)
	return l.Run(ctx)
}
