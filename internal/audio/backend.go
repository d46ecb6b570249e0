package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/effects"

	"github.com/jmylchreest/echolistener/internal/config"
	"github.com/jmylchreest/echolistener/internal/transient"
)

// Common errors for backends.
var (
	ErrDeviceUnavailable  = errors.New("output device unavailable")
	ErrUnsupportedFormat  = errors.New("unsupported audio format")
	ErrNoPlayer           = errors.New("no external audio player found")
	ErrUnknownBackendKind = errors.New("unknown audio backend")
	ErrBackendClosed      = errors.New("audio backend is closed")
)

// PlaybackError reports a failed or interrupted playback.
type PlaybackError struct {
	Device string
	Path   string
	Err    error
}

func (e *PlaybackError) Error() string {
	dev := e.Device
	if dev == "" {
		dev = "default"
	}
	return fmt.Sprintf("play %s on %s: %v", e.Path, dev, e.Err)
}

func (e *PlaybackError) Unwrap() error {
	return e.Err
}

// Backend plays artifacts on an output device.
type Backend interface {
	// Play blocks until the artifact has been rendered or ctx is cancelled.
	Play(ctx context.Context, a *transient.Artifact, device string) error

	// SetVolume sets the playback volume (0.0 to 1.0).
	SetVolume(volume float64)

	// Close releases the backend's resources.
	Close() error
}

// Kind selects a Backend implementation.
type Kind string

const (
	KindDevice   Kind = "device"
	KindSpeaker  Kind = "speaker"
	KindExternal Kind = "external"
)

// ValidKinds returns all backend kinds.
func ValidKinds() []Kind {
	return []Kind{KindDevice, KindSpeaker, KindExternal}
}

// NewBackend builds the backend selected by cfg.Backend. The enumerator is
// only used by the device backend and may be nil otherwise.
func NewBackend(cfg config.AudioConfig, enum *Enumerator, logger *slog.Logger) (Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var b Backend
	switch Kind(cfg.Backend) {
	case KindDevice, "":
		if enum == nil {
			enum = NewEnumerator(logger)
		}
		b = NewDeviceBackend(enum, logger)
	case KindSpeaker:
		b = NewSpeakerBackend(logger)
	case KindExternal:
		b = NewExternalProcessBackend(cfg.Players, logger)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackendKind, cfg.Backend)
	}

	b.SetVolume(float64(cfg.Volume) / 100.0)
	logger.Debug("audio backend ready", "backend", cfg.Backend, "volume", cfg.Volume)
	return b, nil
}

// clampVolume bounds volume to [0, 1].
func clampVolume(volume float64) float64 {
	if volume < 0 {
		return 0
	}
	if volume > 1 {
		return 1
	}
	return volume
}

// withVolume wraps s in a gain stage unless volume is 1.
func withVolume(s beep.Streamer, volume float64) beep.Streamer {
	if volume >= 1.0 {
		return s
	}
	return &effects.Volume{
		Streamer: s,
		Base:     2,
		Volume:   math.Log2(math.Max(volume, 1e-5)),
		Silent:   volume <= 0,
	}
}
