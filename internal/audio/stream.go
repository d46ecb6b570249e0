package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/jmylchreest/echolistener/internal/transient"
)

// DefaultFramesPerBuffer is the portaudio buffer size in frames.
const DefaultFramesPerBuffer = 1024

// DeviceBackend decodes artifacts in-process and renders them to a chosen
// portaudio output device at the artifact's native sample rate.
type DeviceBackend struct {
	mu     sync.Mutex
	logger *slog.Logger
	enum   *Enumerator

	volume          float64
	framesPerBuffer int
}

// NewDeviceBackend creates a backend that resolves devices through enum.
func NewDeviceBackend(enum *Enumerator, logger *slog.Logger) *DeviceBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeviceBackend{
		logger:          logger,
		enum:            enum,
		volume:          1.0,
		framesPerBuffer: DefaultFramesPerBuffer,
	}
}

// SetVolume sets the playback volume (0.0 to 1.0).
func (b *DeviceBackend) SetVolume(volume float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.volume = clampVolume(volume)
}

// Play renders the artifact on device, blocking until it has been written
// out or ctx is cancelled.
func (b *DeviceBackend) Play(ctx context.Context, a *transient.Artifact, device string) error {
	release, err := b.enum.acquire()
	if err != nil {
		return &PlaybackError{Device: device, Path: a.Path, Err: err}
	}
	defer release()

	devices, err := b.enum.list()
	if err != nil {
		return &PlaybackError{Device: device, Path: a.Path, Err: err}
	}
	dev, err := resolveDevice(devices, device)
	if err != nil {
		return &PlaybackError{Device: device, Path: a.Path, Err: err}
	}

	streamer, fmtInfo, err := decodeFile(a.Path, a.Format)
	if err != nil {
		return &PlaybackError{Device: device, Path: a.Path, Err: err}
	}
	defer func() { _ = streamer.Close() }()

	channels := fmtInfo.NumChannels
	if channels <= 0 {
		channels = 2
	}
	if channels > dev.MaxOutputChannels {
		channels = dev.MaxOutputChannels
	}

	b.mu.Lock()
	volume := b.volume
	frames := b.framesPerBuffer
	b.mu.Unlock()

	out := make([]float32, frames*channels)
	params := portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   dev.info,
			Channels: channels,
			Latency:  outputLatency(dev.info),
		},
		SampleRate:      float64(fmtInfo.SampleRate),
		FramesPerBuffer: frames,
	}

	stream, err := portaudio.OpenStream(params, out)
	if err != nil {
		return &PlaybackError{Device: dev.Name, Path: a.Path, Err: fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)}
	}
	defer func() { _ = stream.Close() }()

	if err := stream.Start(); err != nil {
		return &PlaybackError{Device: dev.Name, Path: a.Path, Err: err}
	}

	b.logger.Debug("streaming to device",
		"device", dev.Name,
		"index", dev.Index,
		"sample_rate", fmtInfo.SampleRate,
		"channels", channels,
	)

	src := withVolume(streamer, volume)
	samples := make([][2]float64, frames)
	for {
		if err := ctx.Err(); err != nil {
			_ = stream.Abort()
			return err
		}

		n, ok := src.Stream(samples)
		fillInterleaved(out, samples[:n], channels)
		if n > 0 {
			if err := stream.Write(); err != nil && !errors.Is(err, portaudio.OutputUnderflowed) {
				_ = stream.Abort()
				return &PlaybackError{Device: dev.Name, Path: a.Path, Err: err}
			}
		}
		if !ok || n < len(samples) {
			break
		}
	}

	if err := streamer.Err(); err != nil {
		_ = stream.Abort()
		return &PlaybackError{Device: dev.Name, Path: a.Path, Err: err}
	}

	// Stop drains the buffers already handed to the device.
	if err := stream.Stop(); err != nil {
		return &PlaybackError{Device: dev.Name, Path: a.Path, Err: err}
	}
	return nil
}

// fillInterleaved writes stereo samples into out as interleaved frames of
// the given channel count, down-mixing to mono and zero-filling extra
// channels and any unused tail of out.
func fillInterleaved(out []float32, samples [][2]float64, channels int) {
	i := 0
	for _, s := range samples {
		switch channels {
		case 1:
			out[i] = float32((s[0] + s[1]) / 2)
		default:
			out[i] = float32(s[0])
			out[i+1] = float32(s[1])
			for c := 2; c < channels; c++ {
				out[i+c] = 0
			}
		}
		i += channels
	}
	for ; i < len(out); i++ {
		out[i] = 0
	}
}

// Close releases portaudio.
func (b *DeviceBackend) Close() error {
	return b.enum.Close()
}
