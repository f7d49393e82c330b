package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.messenger/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`

	// ServerURL is the websocket endpoint for live pushes.
	ServerURL string `toml:"server_url"`
	// APIBaseURL is the HTTP endpoint for history, conversations and sends.
	APIBaseURL string `toml:"api_base_url"`

	AuthToken string `toml:"auth_token"`
	UserID    string `toml:"user_id"`

	SoundEnabled bool `toml:"sound_enabled"`

	// Reconnect backoff bounds in milliseconds. Zero means the defaults.
	ReconnectMinWaitMs int `toml:"reconnect_min_wait_ms"`
	ReconnectMaxWaitMs int `toml:"reconnect_max_wait_ms"`
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
