package config

import (
	"errors"
	"fmt"
	"net"
)

// validLogLevels are the accepted log_level values.
var validLogLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "error": true,
}

// validLogFormats are the accepted log_format values. "auto" picks
// text on a terminal and JSON otherwise.
var validLogFormats = map[string]bool{
	"auto": true, "text": true, "json": true,
}

// Validate checks a Config for correctness, accumulating every problem
// so the user can fix them all in one pass.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.RegistryPath == "" {
		errs = append(errs, errors.New("registry_path is required (set it in the config file, DELTASYNC_REGISTRY, or --registry)"))
	}

	if cfg.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}

	if !validLogLevels[cfg.Logging.LogLevel] {
		errs = append(errs, fmt.Errorf("invalid log_level %q (valid: debug, info, warn, error)", cfg.Logging.LogLevel))
	}

	if !validLogFormats[cfg.Logging.LogFormat] {
		errs = append(errs, fmt.Errorf("invalid log_format %q (valid: auto, text, json)", cfg.Logging.LogFormat))
	}

	if cfg.Logging.LogMaxSizeMB < 0 {
		errs = append(errs, fmt.Errorf("log_max_size_mb must not be negative, got %d", cfg.Logging.LogMaxSizeMB))
	}

	if cfg.Logging.LogMaxFiles < 0 {
		errs = append(errs, fmt.Errorf("log_max_files must not be negative, got %d", cfg.Logging.LogMaxFiles))
	}

	if cfg.Logging.LogMaxAge < 0 {
		errs = append(errs, fmt.Errorf("log_max_age_days must not be negative, got %d", cfg.Logging.LogMaxAge))
	}

	if cfg.EventStream.Enabled {
		if _, _, err := net.SplitHostPort(cfg.EventStream.Addr); err != nil {
			errs = append(errs, fmt.Errorf("invalid event_stream.addr %q: %w", cfg.EventStream.Addr, err))
		}
	}

	return errors.Join(errs...)
}
