package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"flotilla/pkg/logging"
)

const configFileName = "config.yaml"

// Load assembles the platform configuration from the given directory.
// Precedence, lowest first: built-in defaults, config.yaml, environment
// variables (GATEWAY_*, MCP_SUBNET).
func Load(configPath string) (PlatformConfig, error) {
	cfg := Default()

	configFilePath := filepath.Join(configPath, configFileName)
	data, err := os.ReadFile(configFilePath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		logging.Info("Config", "No config.yaml found at %s, using defaults", configFilePath)
	case err != nil:
		return PlatformConfig{}, fmt.Errorf("reading config from %s: %w", configFilePath, err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return PlatformConfig{}, fmt.Errorf("parsing config from %s: %w", configFilePath, err)
		}
		logging.Info("Config", "Loaded configuration from %s", configFilePath)
	}

	if err := applyEnv(&cfg); err != nil {
		return PlatformConfig{}, err
	}

	if err := Validate(cfg); err != nil {
		return PlatformConfig{}, err
	}

	return cfg, nil
}

// applyEnv overlays environment variables onto cfg. Parsing is delegated to
// the env struct tags on the config types.
func applyEnv(cfg *PlatformConfig) error {
	if err := env.Parse(&cfg.Gateway); err != nil {
		return fmt.Errorf("parsing gateway environment: %w", err)
	}
	if err := env.Parse(&cfg.Gateway.Auth); err != nil {
		return fmt.Errorf("parsing auth environment: %w", err)
	}
	if err := env.Parse(&cfg.Network); err != nil {
		return fmt.Errorf("parsing network environment: %w", err)
	}
	return nil
}

// Validate rejects configurations the core cannot honor.
func Validate(cfg PlatformConfig) error {
	if cfg.Gateway.Port <= 0 || cfg.Gateway.Port > 65535 {
		return fmt.Errorf("gateway port %d out of range", cfg.Gateway.Port)
	}
	if cfg.Gateway.DatabaseURL != "" {
		return fmt.Errorf("relational registry persistence (GATEWAY_DATABASE_URL) is not supported; use GATEWAY_REGISTRY_FILE")
	}
	switch cfg.Backend {
	case "docker", "kubernetes", "mock":
	default:
		return fmt.Errorf("unknown backend %q (expected docker, kubernetes or mock)", cfg.Backend)
	}
	switch cfg.Gateway.Auth.Mode {
	case "", "jwt", "apikey":
	default:
		return fmt.Errorf("unknown auth mode %q (expected jwt, apikey or empty)", cfg.Gateway.Auth.Mode)
	}
	return nil
}
