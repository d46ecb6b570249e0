package audio

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"
)

// Device describes an output-capable audio device.
type Device struct {
	Index             int     `json:"index" yaml:"index"`
	Name              string  `json:"name" yaml:"name"`
	HostAPI           string  `json:"host_api" yaml:"host_api"`
	MaxOutputChannels int     `json:"max_output_channels" yaml:"max_output_channels"`
	DefaultSampleRate float64 `json:"default_sample_rate" yaml:"default_sample_rate"`
	IsDefault         bool    `json:"default" yaml:"default"`

	info *portaudio.DeviceInfo
}

// Enumerator lists output devices through portaudio. Device lists are never
// cached; every call reads the current host topology.
type Enumerator struct {
	// mu is held for reading while a stream is open so that Reload cannot
	// tear portaudio down underneath a playback.
	mu          sync.RWMutex
	logger      *slog.Logger
	initialized bool
}

// NewEnumerator creates an enumerator. portaudio is initialized lazily.
func NewEnumerator(logger *slog.Logger) *Enumerator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Enumerator{logger: logger}
}

// ensureInitialized must be called with mu held for writing.
func (e *Enumerator) ensureInitialized() error {
	if e.initialized {
		return nil
	}
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize portaudio: %w", err)
	}
	e.initialized = true
	e.logger.Debug("portaudio initialized", "version", portaudio.VersionText())
	return nil
}

// acquire initializes portaudio if needed and returns with mu read-locked.
// The caller must call the returned release function.
func (e *Enumerator) acquire() (func(), error) {
	e.mu.RLock()
	if e.initialized {
		return e.mu.RUnlock, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	err := e.ensureInitialized()
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	return e.mu.RUnlock, nil
}

// List returns all devices with at least one output channel.
func (e *Enumerator) List() ([]Device, error) {
	release, err := e.acquire()
	if err != nil {
		return nil, err
	}
	defer release()
	return e.list()
}

// list must be called with portaudio initialized.
func (e *Enumerator) list() ([]Device, error) {
	infos, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}

	var defaultName string
	if def, err := portaudio.DefaultOutputDevice(); err == nil && def != nil {
		defaultName = def.Name
	}

	devices := make([]Device, 0, len(infos))
	for i, info := range infos {
		if info.MaxOutputChannels <= 0 {
			continue
		}
		d := Device{
			Index:             i,
			Name:              info.Name,
			MaxOutputChannels: info.MaxOutputChannels,
			DefaultSampleRate: info.DefaultSampleRate,
			IsDefault:         info.Name == defaultName,
			info:              info,
		}
		if info.HostApi != nil {
			d.HostAPI = info.HostApi.Name
		}
		devices = append(devices, d)
	}
	return devices, nil
}

// Reload resets portaudio's device cache and lists again. portaudio only
// observes hot-plugged devices after a terminate/initialize cycle. Reload
// waits for any open stream to finish.
func (e *Enumerator) Reload() ([]Device, error) {
	e.mu.Lock()
	if e.initialized {
		if err := portaudio.Terminate(); err != nil {
			e.logger.Warn("failed to terminate portaudio", "error", err)
		}
		e.initialized = false
	}
	err := e.ensureInitialized()
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}

	devices, err := e.List()
	if err != nil {
		return nil, err
	}
	e.logger.Info("audio devices reloaded", "count", len(devices))
	return devices, nil
}

// Resolve finds the output device identified by id. An empty id selects the
// default output, an integer selects by index, anything else matches the
// device name exactly and then as a case-insensitive substring.
func (e *Enumerator) Resolve(id string) (Device, error) {
	devices, err := e.List()
	if err != nil {
		return Device{}, err
	}
	return resolveDevice(devices, id)
}

func resolveDevice(devices []Device, id string) (Device, error) {
	id = strings.TrimSpace(id)

	if id == "" || strings.EqualFold(id, "default") {
		for _, d := range devices {
			if d.IsDefault {
				return d, nil
			}
		}
		if len(devices) > 0 {
			return devices[0], nil
		}
		return Device{}, fmt.Errorf("%w: no output devices", ErrDeviceUnavailable)
	}

	if idx, err := strconv.Atoi(id); err == nil {
		for _, d := range devices {
			if d.Index == idx {
				return d, nil
			}
		}
		return Device{}, fmt.Errorf("%w: no output device with index %d", ErrDeviceUnavailable, idx)
	}

	for _, d := range devices {
		if d.Name == id {
			return d, nil
		}
	}
	lower := strings.ToLower(id)
	for _, d := range devices {
		if strings.Contains(strings.ToLower(d.Name), lower) {
			return d, nil
		}
	}
	return Device{}, fmt.Errorf("%w: %q", ErrDeviceUnavailable, id)
}

// Close terminates portaudio.
func (e *Enumerator) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.initialized {
		return nil
	}
	e.initialized = false
	return portaudio.Terminate()
}

// outputLatency picks the device's low output latency with a sane floor.
func outputLatency(info *portaudio.DeviceInfo) time.Duration {
	if info == nil || info.DefaultLowOutputLatency <= 0 {
		return 50 * time.Millisecond
	}
	return info.DefaultLowOutputLatency
}
