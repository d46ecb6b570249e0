package audio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/speaker"

	"github.com/jmylchreest/echolistener/internal/transient"
)

// SpeakerBackend plays artifacts on the system default output through the
// beep speaker. It cannot address a specific device.
type SpeakerBackend struct {
	mu     sync.Mutex
	logger *slog.Logger

	// Volume control (0.0 to 1.0)
	volume float64

	// Whether speaker has been initialized
	initialized bool

	// Sample rate for the speaker
	sampleRate beep.SampleRate

	// closed releases plays waiting on the speaker; Close clears it and
	// the callback that ends a play never fires.
	closed    chan struct{}
	closeOnce sync.Once
}

// NewSpeakerBackend creates a new speaker backend.
func NewSpeakerBackend(logger *slog.Logger) *SpeakerBackend {
	if logger == nil {
		logger = slog.Default()
	}

	return &SpeakerBackend{
		logger:     logger,
		volume:     1.0,
		sampleRate: beep.SampleRate(44100),
		closed:     make(chan struct{}),
	}
}

// SetVolume sets the playback volume (0.0 to 1.0).
func (p *SpeakerBackend) SetVolume(volume float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.volume = clampVolume(volume)
	p.logger.Debug("volume set", "volume", p.volume)
}

// Volume returns the current volume.
func (p *SpeakerBackend) Volume() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.volume
}

// Play decodes the artifact and blocks until the speaker has drained it or
// ctx is cancelled. Only the default device ("") is supported.
func (p *SpeakerBackend) Play(ctx context.Context, a *transient.Artifact, device string) error {
	if device != "" {
		return &PlaybackError{Device: device, Path: a.Path, Err: ErrDeviceUnavailable}
	}
	select {
	case <-p.closed:
		return &PlaybackError{Path: a.Path, Err: ErrBackendClosed}
	default:
	}

	streamer, fmtInfo, err := decodeFile(a.Path, a.Format)
	if err != nil {
		return &PlaybackError{Path: a.Path, Err: err}
	}
	defer func() { _ = streamer.Close() }()

	// The speaker keeps the sample rate of the first artifact it sees.
	if err := p.ensureInitialized(fmtInfo.SampleRate); err != nil {
		return &PlaybackError{Path: a.Path, Err: err}
	}

	p.mu.Lock()
	volume := p.volume
	sampleRate := p.sampleRate
	p.mu.Unlock()

	var s beep.Streamer = streamer
	if fmtInfo.SampleRate != sampleRate {
		s = beep.Resample(4, fmtInfo.SampleRate, sampleRate, s)
	}
	s = withVolume(s, volume)

	done := make(chan struct{})
	speaker.Play(beep.Seq(s, beep.Callback(func() {
		close(done)
	})))

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		speaker.Clear()
		return ctx.Err()
	case <-p.closed:
		return &PlaybackError{Path: a.Path, Err: ErrBackendClosed}
	}
}

// ensureInitialized initializes the speaker if not already done.
func (p *SpeakerBackend) ensureInitialized(sampleRate beep.SampleRate) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.initialized {
		return nil
	}

	// Use a reasonable buffer size for low latency
	bufferSize := sampleRate.N(time.Millisecond * 100)

	if err := speaker.Init(sampleRate, bufferSize); err != nil {
		return fmt.Errorf("failed to initialize speaker: %w", err)
	}

	p.sampleRate = sampleRate
	p.initialized = true
	p.logger.Debug("speaker initialized", "sample_rate", sampleRate)
	return nil
}

// Close stops all playback and releases the speaker. Plays in progress
// return ErrBackendClosed and later plays are refused.
func (p *SpeakerBackend) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.initialized {
		speaker.Close()
		p.initialized = false
	}

	p.logger.Debug("speaker backend closed")
	return nil
}
