// Package config handles configuration file loading and parsing.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Default configuration values.
const (
	DefaultSocketIOPath = "/socket.io"
	DefaultEvent        = "PlayAudioEvent"
	DefaultBackend      = "device"
	DefaultVolume       = 100
	DefaultPrefix       = "audq_"
)

// Config represents the echolistener configuration.
type Config struct {
	Server  ServerConfig  `toml:"server" yaml:"server" json:"server"`
	Audio   AudioConfig   `toml:"audio" yaml:"audio" json:"audio"`
	Routing RoutingConfig `toml:"routing" yaml:"routing" json:"routing"`
	Notify  NotifyConfig  `toml:"notify" yaml:"notify" json:"notify"`
}

// ServerConfig holds the login endpoint and event channel settings.
type ServerConfig struct {
	AppBase            string   `toml:"app_base" yaml:"app_base" json:"app_base"` // e.g. https://tta-ad
	Channel            string   `toml:"channel" yaml:"channel" json:"channel"`    // e.g. private-audio.Lobby
	Username           string   `toml:"username" yaml:"username" json:"username"`
	Password           string   `toml:"password" yaml:"password" json:"password"`
	CAFile             string   `toml:"ca_file" yaml:"ca_file" json:"ca_file"` // PEM bundle trusted for TLS, empty = system roots
	InsecureSkipVerify bool     `toml:"insecure_skip_verify" yaml:"insecure_skip_verify" json:"insecure_skip_verify"`
	SocketIOPath       string   `toml:"socketio_path" yaml:"socketio_path" json:"socketio_path"`
	Event              string   `toml:"event" yaml:"event" json:"event"`
	Keepalive          Duration `toml:"keepalive" yaml:"keepalive" json:"keepalive"` // client:ping interval, 0 = off
	ReconnectDelay     Duration `toml:"reconnect_delay" yaml:"reconnect_delay" json:"reconnect_delay"`
	ReconnectDelayMax  Duration `toml:"reconnect_delay_max" yaml:"reconnect_delay_max" json:"reconnect_delay_max"`
	LoginTimeout       Duration `toml:"login_timeout" yaml:"login_timeout" json:"login_timeout"`
}

// AudioConfig contains playback and queue settings.
type AudioConfig struct {
	Backend      string   `toml:"backend" yaml:"backend" json:"backend"` // device, speaker, external
	Device       string   `toml:"device" yaml:"device" json:"device"`    // default output device id, empty = system default
	Volume       int      `toml:"volume" yaml:"volume" json:"volume"`    // 0-100
	Gap          Duration `toml:"gap" yaml:"gap" json:"gap"`
	PollInterval Duration `toml:"poll_interval" yaml:"poll_interval" json:"poll_interval"`
	GapSlice     Duration `toml:"gap_slice" yaml:"gap_slice" json:"gap_slice"`
	StopTimeout  Duration `toml:"stop_timeout" yaml:"stop_timeout" json:"stop_timeout"`
	TempDir      string   `toml:"temp_dir" yaml:"temp_dir" json:"temp_dir"` // empty = system temp dir
	Prefix       string   `toml:"prefix" yaml:"prefix" json:"prefix"`
	Players      []string `toml:"players" yaml:"players" json:"players"` // external backend commands, tried in order
}

// RoutingConfig maps event channels to output devices.
type RoutingConfig struct {
	Channels map[string]string `toml:"channels" yaml:"channels" json:"channels"`
}

// NotifyConfig contains desktop notification settings.
type NotifyConfig struct {
	Desktop     bool     `toml:"desktop" yaml:"desktop" json:"desktop"`
	MinInterval Duration `toml:"min_interval" yaml:"min_interval" json:"min_interval"` // same notification is not repeated within this
}

// ValidBackends returns all valid audio backend names.
func ValidBackends() []string {
	return []string{"device", "speaker", "external"}
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			SocketIOPath:      DefaultSocketIOPath,
			Event:             DefaultEvent,
			Keepalive:         Duration(20 * time.Second),
			ReconnectDelay:    Duration(1 * time.Second),
			ReconnectDelayMax: Duration(5 * time.Second),
			LoginTimeout:      Duration(15 * time.Second),
		},
		Audio: AudioConfig{
			Backend:      DefaultBackend,
			Volume:       DefaultVolume,
			Gap:          Duration(1 * time.Second),
			PollInterval: Duration(250 * time.Millisecond),
			GapSlice:     Duration(100 * time.Millisecond),
			StopTimeout:  Duration(5 * time.Second),
			Prefix:       DefaultPrefix,
		},
		Routing: RoutingConfig{
			Channels: make(map[string]string),
		},
		Notify: NotifyConfig{
			Desktop:     false,
			MinInterval: Duration(5 * time.Second),
		},
	}
}

// ConfigPath returns the path to the config file.
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config.
func ConfigPath() string {
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configHome = filepath.Join(home, ".config")
	}
	return filepath.Join(configHome, "echolistener", "config.toml")
}

// DataPath returns the path to the data directory.
// Uses XDG_DATA_HOME if set, otherwise ~/.local/share.
func DataPath() string {
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dataHome = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataHome, "echolistener")
}

// LockPath returns the path of the lock file held by a running listener.
func LockPath() string {
	return filepath.Join(DataPath(), "listen.lock")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func EnsureDataDir() error {
	path := DataPath()
	if path == "" {
		return errors.New("unable to determine data directory")
	}
	return os.MkdirAll(path, 0700)
}

// LoadConfig loads configuration from the specified path.
// If path is empty, uses the default config path. A missing file yields the
// defaults. Server credentials are then overlaid from the environment and
// .env files (see ApplyEnv) and the result is validated.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}

	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := ApplyEnv(cfg, EnvFiles(path)...); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Save writes the configuration atomically to the specified path.
// Creates parent directories if needed.
func (c *Config) Save(path string) error {
	if path == "" {
		path = ConfigPath()
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// The file may hold a password.
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return os.Rename(tmpPath, path)
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.AppBase != "" {
		u, err := url.Parse(c.Server.AppBase)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("app_base must be an http(s) URL, got %q", c.Server.AppBase)
		}
	}
	if c.Server.Event == "" {
		return errors.New("event must not be empty")
	}
	if !strings.HasPrefix(c.Server.SocketIOPath, "/") {
		return fmt.Errorf("socketio_path must start with /, got %q", c.Server.SocketIOPath)
	}
	if c.Server.Keepalive < 0 {
		return fmt.Errorf("keepalive must not be negative, got %s", c.Server.Keepalive)
	}
	if c.Server.ReconnectDelay <= 0 {
		return fmt.Errorf("reconnect_delay must be positive, got %s", c.Server.ReconnectDelay)
	}
	if c.Server.ReconnectDelayMax < c.Server.ReconnectDelay {
		return fmt.Errorf("reconnect_delay_max (%s) must not be less than reconnect_delay (%s)",
			c.Server.ReconnectDelayMax, c.Server.ReconnectDelay)
	}
	if c.Server.LoginTimeout <= 0 {
		return fmt.Errorf("login_timeout must be positive, got %s", c.Server.LoginTimeout)
	}

	if !slices.Contains(ValidBackends(), c.Audio.Backend) {
		return fmt.Errorf("invalid backend %q, must be one of: %v", c.Audio.Backend, ValidBackends())
	}
	if c.Audio.Volume < 0 || c.Audio.Volume > 100 {
		return fmt.Errorf("volume must be between 0 and 100, got %d", c.Audio.Volume)
	}
	if c.Audio.Gap < 0 {
		return fmt.Errorf("gap must not be negative, got %s", c.Audio.Gap)
	}
	for name, d := range map[string]Duration{
		"poll_interval": c.Audio.PollInterval,
		"gap_slice":     c.Audio.GapSlice,
		"stop_timeout":  c.Audio.StopTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if strings.ContainsAny(c.Audio.Prefix, `/\`) {
		return fmt.Errorf("prefix must not contain path separators, got %q", c.Audio.Prefix)
	}

	if c.Notify.MinInterval < 0 {
		return fmt.Errorf("min_interval must not be negative, got %s", c.Notify.MinInterval)
	}

	return nil
}

// RequireServer reports the server settings that listening needs but are unset.
func (c *Config) RequireServer() error {
	var missing []string
	if c.Server.AppBase == "" {
		missing = append(missing, "app_base")
	}
	if c.Server.Channel == "" {
		missing = append(missing, "channel")
	}
	if c.Server.Username == "" {
		missing = append(missing, "username")
	}
	if c.Server.Password == "" {
		missing = append(missing, "password")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing server settings: %s", strings.Join(missing, ", "))
	}
	return nil
}

// DeviceFor returns the output device for events on channel, falling back
// to the default audio device.
func (c *Config) DeviceFor(channel string) string {
	if dev, ok := c.Routing.Channels[channel]; ok && dev != "" {
		return dev
	}
	return c.Audio.Device
}

// Redacted returns a copy safe to print, with the password masked.
func (c *Config) Redacted() *Config {
	out := *c
	if out.Server.Password != "" {
		out.Server.Password = "********"
	}
	return &out
}
