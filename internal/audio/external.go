package audio

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jmylchreest/echolistener/internal/transient"
)

// DefaultPlayers are tried in order when no players are configured.
var DefaultPlayers = []string{
	"ffplay -nodisp -autoexit -loglevel quiet",
	"afplay",
	"paplay",
	"aplay -q",
}

// PlayerCommand is an external player invocation. The artifact path is
// appended as the last argument.
type PlayerCommand struct {
	Name string
	Args []string
}

// ParsePlayerCommand splits a command line on whitespace.
func ParsePlayerCommand(line string) (PlayerCommand, bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return PlayerCommand{}, false
	}
	return PlayerCommand{Name: fields[0], Args: fields[1:]}, true
}

// deviceArgs returns the flags that route the player to device, or nil when
// the player cannot select a device.
func (c PlayerCommand) deviceArgs(device string) []string {
	if device == "" {
		return nil
	}
	switch filepath.Base(c.Name) {
	case "aplay":
		return []string{"-D", device}
	case "paplay", "pw-play":
		return []string{"--device=" + device}
	}
	return nil
}

// ExternalProcessBackend plays artifacts by running a player process such as
// ffplay or afplay. Cancelling the context sends SIGTERM to the player.
type ExternalProcessBackend struct {
	mu       sync.Mutex
	logger   *slog.Logger
	commands []PlayerCommand
	lookPath func(string) (string, error)

	// resolved player, found on first Play
	resolved *PlayerCommand
	path     string

	volume    float64
	waitDelay time.Duration
}

// NewExternalProcessBackend creates a backend from player command lines.
// An empty list uses DefaultPlayers.
func NewExternalProcessBackend(players []string, logger *slog.Logger) *ExternalProcessBackend {
	if logger == nil {
		logger = slog.Default()
	}
	if len(players) == 0 {
		players = DefaultPlayers
	}

	commands := make([]PlayerCommand, 0, len(players))
	for _, line := range players {
		if c, ok := ParsePlayerCommand(line); ok {
			commands = append(commands, c)
		}
	}

	return &ExternalProcessBackend{
		logger:    logger,
		commands:  commands,
		lookPath:  exec.LookPath,
		volume:    1.0,
		waitDelay: 2 * time.Second,
	}
}

// SetVolume records the volume. External players are run at their own
// volume; a volume of 0 skips playback entirely.
func (b *ExternalProcessBackend) SetVolume(volume float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.volume = clampVolume(volume)
}

// resolve finds the first installed player.
func (b *ExternalProcessBackend) resolve() (PlayerCommand, string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.resolved != nil {
		return *b.resolved, b.path, nil
	}

	for _, c := range b.commands {
		path, err := b.lookPath(c.Name)
		if err != nil {
			continue
		}
		cmd := c
		b.resolved = &cmd
		b.path = path
		b.logger.Debug("external player selected", "player", c.Name, "path", path)
		return cmd, path, nil
	}

	names := make([]string, 0, len(b.commands))
	for _, c := range b.commands {
		names = append(names, c.Name)
	}
	return PlayerCommand{}, "", fmt.Errorf("%w (tried %s)", ErrNoPlayer, strings.Join(names, ", "))
}

// Play runs the player on the artifact and waits for it to exit.
func (b *ExternalProcessBackend) Play(ctx context.Context, a *transient.Artifact, device string) error {
	b.mu.Lock()
	muted := b.volume <= 0
	b.mu.Unlock()
	if muted {
		return nil
	}

	player, path, err := b.resolve()
	if err != nil {
		return &PlaybackError{Device: device, Path: a.Path, Err: err}
	}

	args := make([]string, 0, len(player.Args)+3)
	args = append(args, player.Args...)
	args = append(args, player.deviceArgs(device)...)
	args = append(args, a.Path)

	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = b.waitDelay

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 200 {
			msg = msg[:200]
		}
		if msg != "" {
			err = fmt.Errorf("%s: %w: %s", player.Name, err, msg)
		} else {
			err = fmt.Errorf("%s: %w", player.Name, err)
		}
		return &PlaybackError{Device: device, Path: a.Path, Err: err}
	}
	return nil
}

// Close is a no-op; players exit with their playback.
func (b *ExternalProcessBackend) Close() error {
	return nil
}
