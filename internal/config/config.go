// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for deltasync. It supports a
// three-layer override chain (defaults -> config file -> environment)
// with strict unknown-key detection.
package config

// Config is the top-level configuration structure parsed from a TOML
// file. It locates the registry document and the recovery plan, sets
// the identity evaluated against access control rules, and controls
// logging and the optional event stream.
type Config struct {
	// RegistryPath points at the YAML sync policy document. Required.
	RegistryPath string `toml:"registry_path"`

	// RecoveryPlanPath points at an optional YAML recovery plan. Empty
	// selects the built-in plan.
	RecoveryPlanPath string `toml:"recovery_plan_path"`

	// DataDir holds the snapshot file and the metrics database.
	DataDir string `toml:"data_dir"`

	// User and Groups form the identity checked against the registry's
	// access control rules. User defaults to $USER.
	User   string   `toml:"user"`
	Groups []string `toml:"groups"`

	Logging     LoggingConfig     `toml:"logging"`
	EventStream EventStreamConfig `toml:"event_stream"`
}

// LoggingConfig controls log output behavior: level, format, and
// rotation of the optional log file.
type LoggingConfig struct {
	LogLevel     string `toml:"log_level"`
	LogFile      string `toml:"log_file"`
	LogFormat    string `toml:"log_format"`
	LogMaxSizeMB int    `toml:"log_max_size_mb"`
	LogMaxFiles  int    `toml:"log_max_files"`
	LogMaxAge    int    `toml:"log_max_age_days"`
}

// EventStreamConfig controls the WebSocket event stream endpoint.
type EventStreamConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
}

// EnvOverrides holds values read from environment variables. They sit
// between the config file and CLI flags in the override chain.
type EnvOverrides struct {
	ConfigPath   string // DELTASYNC_CONFIG
	RegistryPath string // DELTASYNC_REGISTRY
	DataDir      string // DELTASYNC_DATA_DIR
	User         string // USER
}
