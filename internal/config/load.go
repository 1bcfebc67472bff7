package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Load reads and parses a TOML config file, validates it, and returns
// the resulting Config. Unknown keys are fatal errors with "did you
// mean?" suggestions.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise
// returns a Config populated with all default values. The returned
// defaults are not validated: registry_path is unset and must come
// from an override before the daemon can start.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Resolve loads configuration and applies the override chain:
// defaults -> config file -> environment variables. It returns a fully
// resolved and validated Config ready for use.
func Resolve(env EnvOverrides, cliConfigPath, cliRegistryPath string) (*Config, error) {
	cfgPath := DefaultConfigPath()
	if env.ConfigPath != "" {
		cfgPath = env.ConfigPath
	}

	if cliConfigPath != "" {
		cfgPath = cliConfigPath
	}

	cfg, err := LoadOrDefault(cfgPath)
	if err != nil {
		return nil, err
	}

	if env.RegistryPath != "" {
		cfg.RegistryPath = env.RegistryPath
	}

	if cliRegistryPath != "" {
		cfg.RegistryPath = cliRegistryPath
	}

	if env.DataDir != "" {
		cfg.DataDir = env.DataDir
	}

	if cfg.User == "" {
		cfg.User = env.User
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// EnvFromProcess reads the environment override set from the process
// environment.
func EnvFromProcess() EnvOverrides {
	return EnvOverrides{
		ConfigPath:   os.Getenv("DELTASYNC_CONFIG"),
		RegistryPath: os.Getenv("DELTASYNC_REGISTRY"),
		DataDir:      os.Getenv("DELTASYNC_DATA_DIR"),
		User:         os.Getenv("USER"),
	}
}
