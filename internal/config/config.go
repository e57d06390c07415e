// Package config owns the TOML client configuration.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

type MetadataConfig struct {
	Name        string   `toml:"name"`
	Description string   `toml:"description"`
	URL         string   `toml:"url"`
	Icons       []string `toml:"icons"`
}

type ClientConfig struct {
	Name        string         `toml:"name"`
	RelayURL    string         `toml:"relay_url"`
	ProjectID   string         `toml:"project_id"`
	VerifyURL   string         `toml:"verify_url"`
	StoragePath string         `toml:"storage_path"`
	LogLevel    string         `toml:"log_level"`
	Metadata    MetadataConfig `toml:"metadata"`
}

const DefaultRelayURL = "wss://relay.walletconnect.com"

func LoadClientConfig(path string) (ClientConfig, error) {
	var cfg ClientConfig
	if err := loadToml(path, &cfg); err != nil {
		return ClientConfig{}, err
	}
	applyDefaults(&cfg)
	if err := ValidateClientConfig(cfg); err != nil {
		return ClientConfig{}, err
	}
	return cfg, nil
}

func applyDefaults(cfg *ClientConfig) {
	if cfg.Name == "" {
		cfg.Name = "walletwire"
	}
	if cfg.RelayURL == "" {
		cfg.RelayURL = DefaultRelayURL
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Metadata.Name == "" {
		cfg.Metadata.Name = cfg.Name
	}
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateClientConfig(cfg ClientConfig) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return fmt.Errorf("client config missing name")
	}
	relay := strings.TrimSpace(cfg.RelayURL)
	if relay == "" {
		return fmt.Errorf("client config missing relay_url")
	}
	if !strings.HasPrefix(relay, "ws://") && !strings.HasPrefix(relay, "wss://") {
		return fmt.Errorf("relay_url must be a websocket url, got %q", cfg.RelayURL)
	}
	if strings.TrimSpace(cfg.ProjectID) == "" {
		return fmt.Errorf("client config missing project_id")
	}
	switch cfg.LogLevel {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log_level %q", cfg.LogLevel)
	}
	return nil
}
