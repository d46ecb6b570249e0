package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// Environment variables overlaid onto the server section.
const (
	EnvAppBase  = "ECHO_APP_BASE"
	EnvChannel  = "ECHO_CHANNEL"
	EnvUsername = "ECHO_USERNAME"
	EnvPassword = "ECHO_PASSWORD"
	EnvCAFile   = "ECHO_CA_FILE"
)

// EnvFiles returns the .env files consulted for a config file at path: one
// in the working directory and one next to the config file.
func EnvFiles(path string) []string {
	files := []string{".env"}
	if path != "" {
		if local := filepath.Join(filepath.Dir(path), ".env"); local != ".env" {
			files = append(files, local)
		}
	}
	return files
}

// ApplyEnv overlays ECHO_* variables onto cfg. A non-empty process
// environment value wins over .env files, and earlier files win over later
// ones. Missing files are skipped.
func ApplyEnv(cfg *Config, files ...string) error {
	values := make(map[string]string)
	for _, f := range files {
		env, err := godotenv.Read(f)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to read env file %s: %w", f, err)
		}
		for k, v := range env {
			if _, ok := values[k]; !ok {
				values[k] = v
			}
		}
	}

	lookup := func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			return v, true
		}
		v, ok := values[key]
		return v, ok
	}

	for key, dst := range map[string]*string{
		EnvAppBase:  &cfg.Server.AppBase,
		EnvChannel:  &cfg.Server.Channel,
		EnvUsername: &cfg.Server.Username,
		EnvPassword: &cfg.Server.Password,
		EnvCAFile:   &cfg.Server.CAFile,
	} {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	return nil
}
