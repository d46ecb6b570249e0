package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/jmylchreest/echolistener/internal/audio"
	"github.com/jmylchreest/echolistener/internal/dispatch"
	"github.com/jmylchreest/echolistener/internal/payload"
	"github.com/jmylchreest/echolistener/internal/transient"
)

var playOpts struct {
	device string
	format string
	gap    time.Duration
}

var playCmd = &cobra.Command{
	Use:   "play <file>...",
	Short: "Play audio files or event payloads through the queue",
	Long: `Play audio files, or JSON event payloads as received from the server,
through the same queue the listener uses. Clips play one at a time in the
order given.

A file is treated as an event payload when it ends in .json or starts with
'{'. Its audio is decoded exactly as a live event would be.

Examples:
  # Play two clips with the configured gap between them
  echolistener play chime.mp3 announce.wav

  # Replay a captured event on a specific device
  echolistener play --device "hw:1,0" event.json

  # Play raw data whose format cannot be sniffed
  echolistener play --format ogg clip.bin`,
	Args: cobra.MinimumNArgs(1),
	RunE: runPlay,
}

func init() {
	rootCmd.AddCommand(playCmd)

	playCmd.Flags().StringVarP(&playOpts.device, "device", "d", "",
		"Output device (default: routing for the configured channel)")
	playCmd.Flags().StringVarP(&playOpts.format, "format", "f", "",
		"Format hint: mp3, wav, ogg, flac or a MIME type (default: file extension)")
	playCmd.Flags().DurationVar(&playOpts.gap, "gap", 0,
		"Pause between clips (default: audio.gap from config)")
}

func runPlay(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	manager, err := audio.NewManager(cfg.Audio, logger)
	if err != nil {
		return err
	}
	defer manager.Stop()

	gap := cfg.Audio.Gap.Duration()
	if cmd.Flags().Changed("gap") {
		gap = playOpts.gap
	}

	device := playOpts.device
	if device == "" {
		device = cfg.DeviceFor(cfg.Server.Channel)
	}

	store := transient.NewStore(cfg.Audio.TempDir, cfg.Audio.Prefix, logger)
	queue := dispatch.New(manager, store, dispatch.Options{
		Gap:          gap,
		PollInterval: cfg.Audio.PollInterval.Duration(),
		GapSlice:     cfg.Audio.GapSlice.Duration(),
		StopTimeout:  cfg.Audio.StopTimeout.Duration(),
	}, logger)

	out := cmd.OutOrStdout()
	errOut := cmd.ErrOrStderr()

	var pending sync.WaitGroup
	var played, failed atomic.Int32
	queue.SetPlayedHandler(func(item dispatch.Item) {
		played.Add(1)
		fmt.Fprintf(out, "played %s (%s) on %s\n", item.Artifact.Format,
			humanize.Bytes(uint64(item.Artifact.Size)), deviceLabel(item.Device))
		pending.Done()
	})
	queue.SetFailureHandler(func(item dispatch.Item, err error) {
		failed.Add(1)
		fmt.Fprintf(errOut, "failed to play %s: %v\n", item.Artifact.Format, err)
		pending.Done()
	})

	queued := 0
	for _, path := range args {
		frags, err := loadClips(path, device)
		if err != nil {
			fmt.Fprintf(errOut, "skipping %s: %v\n", path, err)
			failed.Add(1)
			continue
		}
		for _, f := range frags {
			pending.Add(1)
			if _, err := queue.Enqueue(f.Device, f.Data, f.FormatHint); err != nil {
				pending.Done()
				fmt.Fprintf(errOut, "failed to queue %s: %v\n", path, err)
				failed.Add(1)
				continue
			}
			queued++
		}
	}

	done := make(chan struct{})
	go func() {
		pending.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		fmt.Fprintln(errOut, "interrupted")
	}

	if err := queue.Stop(0); err != nil {
		logger.Warn("queue stop", "error", err)
	}

	if n := failed.Load(); n > 0 {
		return fmt.Errorf("%d clip(s) failed, %d played", n, played.Load())
	}
	logger.Debug("play finished", "queued", queued)
	return nil
}

// loadClips reads path as an event payload or a single audio clip.
func loadClips(path, device string) ([]payload.Fragment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if isPayload(path, data) {
		var body map[string]any
		if err := json.Unmarshal(data, &body); err != nil {
			return nil, fmt.Errorf("invalid event payload: %w", err)
		}
		frags, err := payload.Normalize(body, device)
		if err != nil {
			return nil, err
		}
		if playOpts.format != "" {
			for i := range frags {
				frags[i].FormatHint = playOpts.format
			}
		}
		return frags, nil
	}

	hint := playOpts.format
	if hint == "" {
		hint = strings.TrimPrefix(filepath.Ext(path), ".")
	}
	return []payload.Fragment{{Data: data, FormatHint: hint, Device: device}}, nil
}

func isPayload(path string, data []byte) bool {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return true
	}
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

func deviceLabel(device string) string {
	if device == "" {
		return "default device"
	}
	return device
}
