// Package config implements TOML configuration loading, validation, and
// path resolution for mieapi. It supports a four-layer override chain
// (defaults -> config file -> environment -> CLI flags).
package config

import "time"

// Authentication strategies accepted in [connection] strategy.
const (
	StrategyPassword     = "password"
	StrategyConnectToken = "connect_token"
)

// Session cache backends accepted in [session] cache.
const (
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

// Config is the top-level configuration structure parsed from a TOML file.
type Config struct {
	Connection ConnectionConfig  `toml:"connection"`
	Session    SessionConfig     `toml:"session"`
	Network    NetworkConfig     `toml:"network"`
	Logging    LoggingConfig     `toml:"logging"`
	Gateway    GatewayConfig     `toml:"gateway"`
	Endpoints  map[string]string `toml:"endpoints"`
}

// ConnectionConfig names the backend and the credentials used to open
// sessions against it. Which credential fields are required depends on
// Strategy; see ValidateConnection.
type ConnectionConfig struct {
	BaseURL       string `toml:"base_url" validate:"omitempty,url"`
	Strategy      string `toml:"strategy" validate:"oneof=password connect_token"`
	Username      string `toml:"username"`
	Password      string `toml:"password"`
	UserID        string `toml:"user_id"`
	ConnectToken  string `toml:"connect_token"`
	IPAddress     string `toml:"ip_address" validate:"omitempty,ip"`
	RefreshLayout string `toml:"refresh_layout"`
	PathPrefix    string `toml:"path_prefix"`
	ParamEncoding string `toml:"param_encoding" validate:"omitempty,oneof=path query"`
}

// SessionConfig controls session lifetime and where session records live.
// A redis cache lets several processes share one backend session.
type SessionConfig struct {
	TTL           string `toml:"ttl"`
	Cache         string `toml:"cache" validate:"oneof=memory redis"`
	RedisAddr     string `toml:"redis_addr" validate:"required_if=Cache redis"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db" validate:"gte=0"`
	RedisPrefix   string `toml:"redis_prefix"`
}

// NetworkConfig controls HTTP client behavior.
type NetworkConfig struct {
	Timeout   string `toml:"timeout"`
	UserAgent string `toml:"user_agent"`
}

// LoggingConfig controls log output: level and format.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level" validate:"oneof=debug info warn error"`
	LogFormat string `toml:"log_format" validate:"oneof=auto text json"`
}

// GatewayConfig controls the local HTTP gateway started by `mieapi serve`.
type GatewayConfig struct {
	Listen          string `toml:"listen" validate:"hostname_port"`
	ShutdownTimeout string `toml:"shutdown_timeout"`
}

// CLIOverrides holds values from CLI flags that override config file and
// environment settings. Pointer fields distinguish "not specified" (nil)
// from "explicitly set to the zero value".
type CLIOverrides struct {
	ConfigPath string  // --config flag (empty = use default)
	LogLevel   *string // derived from --verbose / --quiet
	Listen     *string // serve --listen
}

// SessionTTL returns the parsed session lifetime. Validate guarantees the
// string parses; the default is returned for anything else.
func (c *Config) SessionTTL() time.Duration {
	return parseDurationOr(c.Session.TTL, defaultSessionTTL)
}

// Timeout returns the parsed HTTP client timeout.
func (c *Config) Timeout() time.Duration {
	return parseDurationOr(c.Network.Timeout, defaultTimeout)
}

// ShutdownTimeout returns the parsed gateway drain timeout.
func (c *Config) ShutdownTimeout() time.Duration {
	return parseDurationOr(c.Gateway.ShutdownTimeout, defaultShutdownTimeout)
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}

	return d
}
