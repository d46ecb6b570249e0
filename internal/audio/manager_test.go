package audio

import (
	"context"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/echolistener/internal/config"
	"github.com/jmylchreest/echolistener/internal/transient"
)

// blockingBackend holds every Play until release is closed.
type blockingBackend struct {
	started chan struct{}
	release chan struct{}
	closed  atomic.Bool
	volume  atomic.Value
}

func newBlockingBackend() *blockingBackend {
	return &blockingBackend{
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
}

func (b *blockingBackend) Play(ctx context.Context, _ *transient.Artifact, _ string) error {
	select {
	case b.started <- struct{}{}:
	default:
	}
	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *blockingBackend) SetVolume(volume float64) { b.volume.Store(volume) }

func (b *blockingBackend) Close() error {
	b.closed.Store(true)
	return nil
}

func newTestManager(backend Backend, cfg config.AudioConfig) *Manager {
	enum := NewEnumerator(nil)
	return &Manager{
		logger:  slog.Default(),
		enum:    enum,
		hotplug: NewHotplugWatcher(enum, nil),
		active:  &lease{backend: backend},
		config:  cfg,
	}
}

func TestManager_BackendSwapWaitsForPlay(t *testing.T) {
	old := newBlockingBackend()
	m := newTestManager(old, config.AudioConfig{Backend: "speaker", Volume: 100})

	playDone := make(chan error, 1)
	go func() {
		playDone <- m.Play(context.Background(), &transient.Artifact{Path: "clip.mp3"}, "")
	}()

	select {
	case <-old.started:
	case <-time.After(2 * time.Second):
		t.Fatal("play never started")
	}

	m.UpdateConfig(config.AudioConfig{Backend: "external", Volume: 100})

	m.mu.RLock()
	_, swapped := m.active.backend.(*ExternalProcessBackend)
	m.mu.RUnlock()
	assert.True(t, swapped)

	// The running play keeps its backend open.
	time.Sleep(50 * time.Millisecond)
	assert.False(t, old.closed.Load())

	close(old.release)
	select {
	case err := <-playDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("play did not return")
	}

	assert.Eventually(t, old.closed.Load, 2*time.Second, 10*time.Millisecond)
	m.Stop()
}

func TestManager_IdleBackendClosedOnSwap(t *testing.T) {
	old := newBlockingBackend()
	m := newTestManager(old, config.AudioConfig{Backend: "speaker", Volume: 100})

	m.UpdateConfig(config.AudioConfig{Backend: "external", Volume: 100})
	m.Stop()

	assert.True(t, old.closed.Load())
}

func TestManager_VolumeOnlyKeepsBackend(t *testing.T) {
	b := newBlockingBackend()
	m := newTestManager(b, config.AudioConfig{Backend: "speaker", Volume: 100})

	m.UpdateConfig(config.AudioConfig{Backend: "speaker", Volume: 40})

	assert.Same(t, b, m.active.backend)
	assert.InDelta(t, 0.4, b.volume.Load().(float64), 1e-9)
	assert.False(t, b.closed.Load())
}

func TestManager_InvalidBackendKeepsCurrent(t *testing.T) {
	b := newBlockingBackend()
	m := newTestManager(b, config.AudioConfig{Backend: "speaker", Volume: 100})

	m.UpdateConfig(config.AudioConfig{Backend: "bogus", Volume: 100})

	assert.Same(t, b, m.active.backend)
	assert.Equal(t, "speaker", m.config.Backend)
}

func TestSpeakerBackend_ClosedRefusesPlay(t *testing.T) {
	b := NewSpeakerBackend(nil)
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	err := b.Play(context.Background(), &transient.Artifact{Path: "clip.mp3"}, "")
	assert.ErrorIs(t, err, ErrBackendClosed)
}
