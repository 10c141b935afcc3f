package config

import "time"

// Default values for configuration options. These are "layer 0" of the
// override chain.
const (
	defaultStrategy        = StrategyPassword
	defaultParamEncoding   = "path"
	defaultSessionTTLStr   = "5m"
	defaultSessionTTL      = 5 * time.Minute
	defaultCache           = CacheMemory
	defaultRedisPrefix     = "mieapi:session:"
	defaultTimeoutStr      = "30s"
	defaultTimeout         = 30 * time.Second
	defaultLogLevel        = "info"
	defaultLogFormat       = "auto"
	defaultListen          = "127.0.0.1:8787"
	defaultShutdownStr     = "10s"
	defaultShutdownTimeout = 10 * time.Second
)

// DefaultConfig returns a Config populated with all default values.
// This is used both as the starting point for TOML decoding (so unset
// fields retain defaults) and as the fallback when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		Connection: ConnectionConfig{
			Strategy:      defaultStrategy,
			ParamEncoding: defaultParamEncoding,
		},
		Session: SessionConfig{
			TTL:         defaultSessionTTLStr,
			Cache:       defaultCache,
			RedisPrefix: defaultRedisPrefix,
		},
		Network: NetworkConfig{
			Timeout: defaultTimeoutStr,
		},
		Logging: LoggingConfig{
			LogLevel:  defaultLogLevel,
			LogFormat: defaultLogFormat,
		},
		Gateway: GatewayConfig{
			Listen:          defaultListen,
			ShutdownTimeout: defaultShutdownStr,
		},
		Endpoints: make(map[string]string),
	}
}
