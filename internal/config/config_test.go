package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv keeps the developer's ECHO_* variables out of the tests.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{EnvAppBase, EnvChannel, EnvUsername, EnvPassword, EnvCAFile} {
		t.Setenv(k, "")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "/socket.io", cfg.Server.SocketIOPath)
	assert.Equal(t, "PlayAudioEvent", cfg.Server.Event)
	assert.Equal(t, 20*time.Second, cfg.Server.Keepalive.Duration())
	assert.Equal(t, time.Second, cfg.Server.ReconnectDelay.Duration())
	assert.Equal(t, 5*time.Second, cfg.Server.ReconnectDelayMax.Duration())
	assert.Equal(t, 15*time.Second, cfg.Server.LoginTimeout.Duration())
	assert.Equal(t, "device", cfg.Audio.Backend)
	assert.Equal(t, 100, cfg.Audio.Volume)
	assert.Equal(t, time.Second, cfg.Audio.Gap.Duration())
	assert.Equal(t, 250*time.Millisecond, cfg.Audio.PollInterval.Duration())
	assert.Equal(t, 100*time.Millisecond, cfg.Audio.GapSlice.Duration())
	assert.Equal(t, 5*time.Second, cfg.Audio.StopTimeout.Duration())
	assert.Equal(t, "audq_", cfg.Audio.Prefix)
	assert.NotNil(t, cfg.Routing.Channels)
	assert.False(t, cfg.Notify.Desktop)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfig_DefaultsWhenNoFile(t *testing.T) {
	clearEnv(t)
	cfg, err := LoadConfig("/nonexistent/path/config.toml")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Audio, cfg.Audio)
}

func TestLoadConfig_ParsesTOML(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	content := `
[server]
app_base = "https://tta-ad"
channel = "private-audio.Lobby"
username = "456456"
password = "secret"
ca_file = "/etc/echolistener/app.crt"
keepalive = "30s"
reconnect_delay = "500"
reconnect_delay_max = "10s"

[audio]
backend = "external"
device = "pulse"
volume = 60
gap = "1500ms"
players = ["mpv --no-video", "aplay"]

[routing.channels]
"private-audio.Lobby" = "USB Audio"
"private-audio.Hall" = "3"

[notify]
desktop = true
min_interval = "10s"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "https://tta-ad", cfg.Server.AppBase)
	assert.Equal(t, "private-audio.Lobby", cfg.Server.Channel)
	assert.Equal(t, "456456", cfg.Server.Username)
	assert.Equal(t, "secret", cfg.Server.Password)
	assert.Equal(t, "/etc/echolistener/app.crt", cfg.Server.CAFile)
	assert.Equal(t, 30*time.Second, cfg.Server.Keepalive.Duration())
	assert.Equal(t, 500*time.Millisecond, cfg.Server.ReconnectDelay.Duration())
	assert.Equal(t, 10*time.Second, cfg.Server.ReconnectDelayMax.Duration())
	assert.Equal(t, "external", cfg.Audio.Backend)
	assert.Equal(t, 60, cfg.Audio.Volume)
	assert.Equal(t, 1500*time.Millisecond, cfg.Audio.Gap.Duration())
	assert.Equal(t, []string{"mpv --no-video", "aplay"}, cfg.Audio.Players)
	assert.Equal(t, "USB Audio", cfg.Routing.Channels["private-audio.Lobby"])
	assert.True(t, cfg.Notify.Desktop)
	assert.Equal(t, 10*time.Second, cfg.Notify.MinInterval.Duration())

	// untouched fields keep defaults
	assert.Equal(t, "PlayAudioEvent", cfg.Server.Event)
	assert.Equal(t, 250*time.Millisecond, cfg.Audio.PollInterval.Duration())
}

func TestLoadConfig_InvalidTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`this is not valid toml [`), 0644))

	_, err := LoadConfig(path)
	assert.ErrorContains(t, err, "failed to parse config file")
}

func TestLoadConfig_InvalidDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[audio]\ngap = \"soon\"\n"), 0644))

	_, err := LoadConfig(path)
	assert.ErrorContains(t, err, "invalid duration")
}

func TestLoadConfig_InvalidValues(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[audio]\nvolume = 150\n"), 0644))

	_, err := LoadConfig(path)
	assert.ErrorContains(t, err, "volume must be between 0 and 100")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad app_base", func(c *Config) { c.Server.AppBase = "tta-ad" }, "app_base"},
		{"empty event", func(c *Config) { c.Server.Event = "" }, "event"},
		{"relative path", func(c *Config) { c.Server.SocketIOPath = "socket.io" }, "socketio_path"},
		{"zero reconnect", func(c *Config) { c.Server.ReconnectDelay = 0 }, "reconnect_delay"},
		{"max below delay", func(c *Config) { c.Server.ReconnectDelayMax = Duration(time.Millisecond) }, "reconnect_delay_max"},
		{"unknown backend", func(c *Config) { c.Audio.Backend = "alsa" }, "invalid backend"},
		{"negative gap", func(c *Config) { c.Audio.Gap = Duration(-time.Second) }, "gap"},
		{"zero poll", func(c *Config) { c.Audio.PollInterval = 0 }, "poll_interval"},
		{"prefix with slash", func(c *Config) { c.Audio.Prefix = "../x" }, "prefix"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}

	cfg := DefaultConfig()
	cfg.Audio.Gap = 0
	assert.NoError(t, cfg.Validate(), "zero gap is allowed")
}

func TestConfig_Save(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "subdir", "config.toml")

	cfg := DefaultConfig()
	cfg.Server.AppBase = "https://tta-ad"
	cfg.Audio.Gap = Duration(2 * time.Second)
	cfg.Routing.Channels["private-audio.Lobby"] = "pulse"

	require.NoError(t, cfg.Save(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "https://tta-ad", loaded.Server.AppBase)
	assert.Equal(t, 2*time.Second, loaded.Audio.Gap.Duration())
	assert.Equal(t, "pulse", loaded.Routing.Channels["private-audio.Lobby"])
}

func TestRequireServer(t *testing.T) {
	cfg := DefaultConfig()
	assert.EqualError(t, cfg.RequireServer(), "missing server settings: app_base, channel, username, password")

	cfg.Server.AppBase = "https://tta-ad"
	cfg.Server.Channel = "private-audio.Lobby"
	cfg.Server.Username = "u"
	cfg.Server.Password = "p"
	assert.NoError(t, cfg.RequireServer())
}

func TestDeviceFor(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Audio.Device = "pulse"
	cfg.Routing.Channels["private-audio.Hall"] = "USB Audio"

	assert.Equal(t, "USB Audio", cfg.DeviceFor("private-audio.Hall"))
	assert.Equal(t, "pulse", cfg.DeviceFor("private-audio.Lobby"))
}

func TestRedacted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.Password = "secret"

	red := cfg.Redacted()
	assert.Equal(t, "********", red.Server.Password)
	assert.Equal(t, "secret", cfg.Server.Password)
}

func TestDuration_UnmarshalText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("250")))
	assert.Equal(t, 250*time.Millisecond, d.Duration())

	require.NoError(t, d.UnmarshalText([]byte("1m30s")))
	assert.Equal(t, 90*time.Second, d.Duration())

	assert.Error(t, d.UnmarshalText([]byte("later")))

	text, err := Duration(1500 * time.Millisecond).MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1.5s", string(text))
}

func TestConfigPath(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/custom/config")
	assert.Equal(t, "/custom/config/echolistener/config.toml", ConfigPath())
}

func TestDataPath(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/custom/data")
	assert.Equal(t, "/custom/data/echolistener", DataPath())
	assert.Equal(t, "/custom/data/echolistener/listen.lock", LockPath())
}

func TestEnsureDataDir(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_DATA_HOME", dir)

	require.NoError(t, EnsureDataDir())

	info, err := os.Stat(filepath.Join(dir, "echolistener"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}
