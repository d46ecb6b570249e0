package audio

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/jmylchreest/echolistener/internal/config"
	"github.com/jmylchreest/echolistener/internal/transient"
)

// Manager owns the playback backend, the device enumerator and the hotplug
// watcher. It satisfies the dispatch queue's Player interface and lets the
// audio configuration change while the queue is running.
type Manager struct {
	mu      sync.RWMutex
	logger  *slog.Logger
	enum    *Enumerator
	hotplug *HotplugWatcher
	active  *lease
	config  config.AudioConfig

	// backends swapped out by UpdateConfig that are still draining
	retired sync.WaitGroup
}

// lease tracks the plays running on a backend so it is not closed under them.
type lease struct {
	backend Backend
	plays   sync.WaitGroup
}

// NewManager creates a manager for cfg.
func NewManager(cfg config.AudioConfig, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}

	enum := NewEnumerator(logger)
	backend, err := NewBackend(cfg, enum, logger)
	if err != nil {
		return nil, err
	}

	return &Manager{
		logger:  logger,
		enum:    enum,
		hotplug: NewHotplugWatcher(enum, logger),
		active:  &lease{backend: backend},
		config:  cfg,
	}, nil
}

// Enumerator returns the manager's device enumerator.
func (m *Manager) Enumerator() *Enumerator {
	return m.enum
}

// Start begins watching for device hotplug. Only the device backend
// addresses devices, so the watcher is not started for the others.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.RLock()
	kind := Kind(m.config.Backend)
	m.mu.RUnlock()

	if kind != KindDevice && kind != "" {
		return nil
	}

	m.hotplug.SetChangeCallback(func(devices []Device) {
		names := make([]string, 0, len(devices))
		for _, d := range devices {
			names = append(names, d.Name)
		}
		m.logger.Info("output devices changed", "devices", names)
	})
	return m.hotplug.Start(ctx)
}

// Play renders the artifact on device with the current backend.
func (m *Manager) Play(ctx context.Context, a *transient.Artifact, device string) error {
	m.mu.RLock()
	l := m.active
	l.plays.Add(1)
	m.mu.RUnlock()
	defer l.plays.Done()

	return l.backend.Play(ctx, a, device)
}

// UpdateConfig applies a reloaded audio configuration. Volume changes apply
// to the next playback; a backend change swaps the backend. The old backend
// is closed once the play running on it returns. An invalid backend keeps
// the current one.
func (m *Manager) UpdateConfig(cfg config.AudioConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cfg.Backend == m.config.Backend && slices.Equal(cfg.Players, m.config.Players) {
		m.active.backend.SetVolume(float64(cfg.Volume) / 100.0)
		m.config = cfg
		m.logger.Debug("audio config updated", "volume", cfg.Volume)
		return
	}

	// The old device backend shares the enumerator; closing it would
	// terminate portaudio under the new one.
	backend, err := NewBackend(cfg, m.enum, m.logger)
	if err != nil {
		m.logger.Warn("keeping current audio backend", "error", err)
		return
	}
	old := m.active
	m.active = &lease{backend: backend}
	m.config = cfg

	if _, ok := old.backend.(*DeviceBackend); !ok {
		m.retired.Add(1)
		go func() {
			defer m.retired.Done()
			old.plays.Wait()
			if err := old.backend.Close(); err != nil {
				m.logger.Debug("failed to close previous audio backend", "error", err)
			}
		}()
	}
	m.logger.Info("audio backend changed", "backend", cfg.Backend)
}

// Stop shuts down the hotplug watcher and releases the backend. Plays still
// running on a backend must have been cancelled first.
func (m *Manager) Stop() {
	m.hotplug.Stop()
	m.retired.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.active.backend.Close(); err != nil {
		m.logger.Debug("failed to close audio backend", "error", err)
	}
	_ = m.enum.Close()
	m.logger.Debug("audio manager stopped")
}
