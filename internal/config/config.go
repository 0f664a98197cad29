package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Default endpoints used when config.toml does not override them.
const (
	DefaultAPIURL    = "https://api.courier.app/api/v1"
	DefaultSocketURL = "wss://api.courier.app/socket"
)

// Config represents the global ~/.courier/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`
	APIURL         string `toml:"api_url"`
	SocketURL      string `toml:"socket_url"`
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// LoadOrDefault reads config from path, falling back to built-in defaults
// when the file does not exist.
func LoadOrDefault(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		cfg = &Config{}
		cfg.applyDefaults()
	}
	return cfg
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

func (c *Config) applyDefaults() {
	if c.APIURL == "" {
		c.APIURL = DefaultAPIURL
	}
	if c.SocketURL == "" {
		c.SocketURL = DefaultSocketURL
	}
}
