package config

// Default values for configuration options. These are layer 0 of the
// override chain and work without any config file, except for
// registry_path which has no safe default and must be provided.
const (
	defaultLogLevel     = "info"
	defaultLogFormat    = "auto"
	defaultLogMaxSizeMB = 50
	defaultLogMaxFiles  = 3
	defaultLogMaxAge    = 28
	defaultStreamAddr   = "127.0.0.1:8787"
)

// DefaultConfig returns a Config populated with all default values.
// This is the starting point for TOML decoding, so unset fields retain
// defaults.
func DefaultConfig() *Config {
	return &Config{
		DataDir: DefaultDataDir(),
		Logging: LoggingConfig{
			LogLevel:     defaultLogLevel,
			LogFormat:    defaultLogFormat,
			LogMaxSizeMB: defaultLogMaxSizeMB,
			LogMaxFiles:  defaultLogMaxFiles,
			LogMaxAge:    defaultLogMaxAge,
		},
		EventStream: EventStreamConfig{
			Addr: defaultStreamAddr,
		},
	}
}
