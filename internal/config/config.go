package config

import (
	"fmt"
	"net"
	"os"
	"reflect"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the TeleLive event server.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Auth       AuthConfig       `yaml:"auth"`
	Storage    StorageConfig    `yaml:"storage"`
	Call       CallConfig       `yaml:"call"`
	Security   SecurityConfig   `yaml:"security"`
	Logging    LoggingConfig    `yaml:"logging"`
	Health     HealthConfig     `yaml:"health"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

// ServerConfig contains the WebSocket listener settings.
type ServerConfig struct {
	ListenAddress  string        `yaml:"listen_address"`
	Path           string        `yaml:"path"`
	MaxMessageSize int64         `yaml:"max_message_size"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	PongTimeout    time.Duration `yaml:"pong_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	DrainTimeout   time.Duration `yaml:"drain_timeout"`
	TLS            TLSConfig     `yaml:"tls"`
}

// TLSConfig contains optional TLS settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// AuthConfig contains handshake authentication settings.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Path   string `yaml:"path"`
	Memory bool   `yaml:"memory"`
}

// CallConfig contains call signaling settings. RingTimeout of zero
// leaves unanswered calls ringing until explicitly answered or ended.
type CallConfig struct {
	RingTimeout time.Duration `yaml:"ring_timeout"`
}

// SecurityConfig contains connection caps and rate limiting.
type SecurityConfig struct {
	MaxConnections        int             `yaml:"max_connections"`
	MaxConnectionsPerUser int             `yaml:"max_connections_per_user"`
	RateLimit             RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig contains rate limiting settings.
type RateLimitConfig struct {
	Enabled              bool `yaml:"enabled"`
	ConnectionsPerMinute int  `yaml:"connections_per_minute"`
	MessagesPerSecond    int  `yaml:"messages_per_second"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
	RingSize   int    `yaml:"ring_size"`
}

// HealthConfig contains health check endpoint settings.
type HealthConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Endpoint      string `yaml:"endpoint"`
	ListenAddress string `yaml:"listen_address"`
	Detailed      bool   `yaml:"detailed"`
}

// MonitoringConfig contains metrics settings.
type MonitoringConfig struct {
	MetricsEnabled  bool   `yaml:"metrics_enabled"`
	MetricsEndpoint string `yaml:"metrics_endpoint"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddress:  "127.0.0.1:8080",
			Path:           "/ws",
			MaxMessageSize: 262144, // 256KB
			PingInterval:   30 * time.Second,
			PongTimeout:    10 * time.Second,
			WriteTimeout:   30 * time.Second,
			DrainTimeout:   30 * time.Second,
		},
		Storage: StorageConfig{
			Path: "telelive.db",
		},
		Call: CallConfig{
			RingTimeout: 0,
		},
		Security: SecurityConfig{
			MaxConnections:        5000,
			MaxConnectionsPerUser: 10,
			RateLimit: RateLimitConfig{
				Enabled:              true,
				ConnectionsPerMinute: 60,
				MessagesPerSecond:    50,
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
			Compress:   true,
			RingSize:   500,
		},
		Health: HealthConfig{
			Enabled:       true,
			Endpoint:      "/health",
			ListenAddress: "127.0.0.1:8081",
			Detailed:      true,
		},
		Monitoring: MonitoringConfig{
			MetricsEnabled:  false,
			MetricsEndpoint: "/metrics",
		},
	}
}

// Load reads a config file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("config file not found at %s", path)
			}
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w (check YAML indentation)", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.ListenAddress == "" {
		return fmt.Errorf("server.listen_address is required")
	}
	if _, _, err := net.SplitHostPort(c.Server.ListenAddress); err != nil {
		return fmt.Errorf("server.listen_address is invalid: %w", err)
	}
	if !strings.HasPrefix(c.Server.Path, "/") {
		return fmt.Errorf("server.path must start with /")
	}
	if c.Server.MaxMessageSize <= 0 {
		return fmt.Errorf("server.max_message_size must be positive")
	}
	if c.Server.MaxMessageSize > 16777216 {
		return fmt.Errorf("server.max_message_size must not exceed 16777216 (16MB)")
	}
	if c.Server.PingInterval <= 0 {
		return fmt.Errorf("server.ping_interval must be positive")
	}
	if c.Server.PongTimeout <= 0 {
		return fmt.Errorf("server.pong_timeout must be positive")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be positive")
	}
	if c.Server.DrainTimeout <= 0 {
		return fmt.Errorf("server.drain_timeout must be positive")
	}
	if c.Server.DrainTimeout > 5*time.Minute {
		return fmt.Errorf("server.drain_timeout must not exceed 5m")
	}

	if c.Server.TLS.Enabled {
		if c.Server.TLS.CertFile == "" {
			return fmt.Errorf("server.tls.cert_file is required when TLS is enabled")
		}
		if c.Server.TLS.KeyFile == "" {
			return fmt.Errorf("server.tls.key_file is required when TLS is enabled")
		}
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
	}

	if !c.Storage.Memory && c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required unless storage.memory is set")
	}

	if c.Call.RingTimeout < 0 {
		return fmt.Errorf("call.ring_timeout must not be negative")
	}

	if c.Security.MaxConnections <= 0 {
		return fmt.Errorf("security.max_connections must be positive")
	}
	if c.Security.MaxConnections > 65535 {
		return fmt.Errorf("security.max_connections must not exceed 65535")
	}
	if c.Security.MaxConnectionsPerUser <= 0 {
		return fmt.Errorf("security.max_connections_per_user must be positive")
	}
	if c.Security.MaxConnectionsPerUser > c.Security.MaxConnections {
		return fmt.Errorf("security.max_connections_per_user must not exceed security.max_connections")
	}
	if c.Security.RateLimit.Enabled {
		if c.Security.RateLimit.ConnectionsPerMinute <= 0 {
			return fmt.Errorf("security.rate_limit.connections_per_minute must be positive")
		}
		if c.Security.RateLimit.MessagesPerSecond < 0 {
			return fmt.Errorf("security.rate_limit.messages_per_second must not be negative")
		}
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format must be one of: json, text")
	}
	if c.Logging.RingSize < 0 {
		return fmt.Errorf("logging.ring_size must not be negative")
	}

	if c.Health.Enabled {
		if c.Health.ListenAddress == "" {
			return fmt.Errorf("health.listen_address is required when health is enabled")
		}
		if _, _, err := net.SplitHostPort(c.Health.ListenAddress); err != nil {
			return fmt.Errorf("health.listen_address is invalid: %w", err)
		}
		host, _, _ := net.SplitHostPort(c.Health.ListenAddress)
		ip := net.ParseIP(host)
		if ip != nil && !ip.IsLoopback() {
			return fmt.Errorf("health.listen_address should bind to a loopback address (e.g. 127.0.0.1) to avoid exposing internals")
		}
		if c.Server.ListenAddress == c.Health.ListenAddress {
			return fmt.Errorf("server.listen_address and health.listen_address must be different")
		}
	}

	return nil
}

// applyEnvOverrides applies TELELIVE_ prefixed environment variables.
// Convention: TELELIVE_ + uppercase + underscores for nesting.
func applyEnvOverrides(cfg *Config) {
	envMap := map[string]func(string){
		"TELELIVE_SERVER_LISTEN_ADDRESS": func(v string) { cfg.Server.ListenAddress = v },
		"TELELIVE_SERVER_PATH":           func(v string) { cfg.Server.Path = v },
		"TELELIVE_SERVER_MAX_MESSAGE_SIZE": func(v string) {
			cfg.Server.MaxMessageSize = parseInt64(v, cfg.Server.MaxMessageSize)
		},
		"TELELIVE_SERVER_PING_INTERVAL": func(v string) { cfg.Server.PingInterval = parseDuration(v, cfg.Server.PingInterval) },
		"TELELIVE_SERVER_PONG_TIMEOUT":  func(v string) { cfg.Server.PongTimeout = parseDuration(v, cfg.Server.PongTimeout) },
		"TELELIVE_SERVER_WRITE_TIMEOUT": func(v string) { cfg.Server.WriteTimeout = parseDuration(v, cfg.Server.WriteTimeout) },
		"TELELIVE_SERVER_DRAIN_TIMEOUT": func(v string) { cfg.Server.DrainTimeout = parseDuration(v, cfg.Server.DrainTimeout) },
		"TELELIVE_AUTH_JWT_SECRET":      func(v string) { cfg.Auth.JWTSecret = v },
		"TELELIVE_STORAGE_PATH":         func(v string) { cfg.Storage.Path = v },
		"TELELIVE_STORAGE_MEMORY":       func(v string) { cfg.Storage.Memory = parseBool(v, cfg.Storage.Memory) },
		"TELELIVE_CALL_RING_TIMEOUT":    func(v string) { cfg.Call.RingTimeout = parseDuration(v, cfg.Call.RingTimeout) },
		"TELELIVE_SECURITY_MAX_CONNECTIONS": func(v string) {
			cfg.Security.MaxConnections = parseInt(v, cfg.Security.MaxConnections)
		},
		"TELELIVE_SECURITY_MAX_CONNECTIONS_PER_USER": func(v string) {
			cfg.Security.MaxConnectionsPerUser = parseInt(v, cfg.Security.MaxConnectionsPerUser)
		},
		"TELELIVE_SECURITY_RATE_LIMIT_ENABLED": func(v string) {
			cfg.Security.RateLimit.Enabled = parseBool(v, cfg.Security.RateLimit.Enabled)
		},
		"TELELIVE_SECURITY_RATE_LIMIT_CONNECTIONS_PER_MINUTE": func(v string) {
			cfg.Security.RateLimit.ConnectionsPerMinute = parseInt(v, cfg.Security.RateLimit.ConnectionsPerMinute)
		},
		"TELELIVE_SECURITY_RATE_LIMIT_MESSAGES_PER_SECOND": func(v string) {
			cfg.Security.RateLimit.MessagesPerSecond = parseInt(v, cfg.Security.RateLimit.MessagesPerSecond)
		},
		"TELELIVE_LOGGING_LEVEL":         func(v string) { cfg.Logging.Level = v },
		"TELELIVE_LOGGING_FORMAT":        func(v string) { cfg.Logging.Format = v },
		"TELELIVE_LOGGING_FILE":          func(v string) { cfg.Logging.File = v },
		"TELELIVE_HEALTH_ENABLED":        func(v string) { cfg.Health.Enabled = parseBool(v, cfg.Health.Enabled) },
		"TELELIVE_HEALTH_LISTEN_ADDRESS": func(v string) { cfg.Health.ListenAddress = v },
		"TELELIVE_MONITORING_METRICS_ENABLED": func(v string) {
			cfg.Monitoring.MetricsEnabled = parseBool(v, cfg.Monitoring.MetricsEnabled)
		},
	}

	for env, setter := range envMap {
		if v := os.Getenv(env); v != "" {
			setter(v)
		}
	}
}

// ApplyReloadableFields copies reloadable fields from newCfg into c.
// Non-reloadable: listen addresses, TLS, storage, jwt secret.
func (c *Config) ApplyReloadableFields(newCfg *Config) {
	c.Security.RateLimit = newCfg.Security.RateLimit
	c.Security.MaxConnections = newCfg.Security.MaxConnections
	c.Security.MaxConnectionsPerUser = newCfg.Security.MaxConnectionsPerUser
	c.Server.MaxMessageSize = newCfg.Server.MaxMessageSize
	c.Call.RingTimeout = newCfg.Call.RingTimeout
	c.Logging.Level = newCfg.Logging.Level
}

// IsReloadSafe reports which changed fields require a restart.
func IsReloadSafe(old, new *Config) []string {
	var warnings []string
	if old.Server.ListenAddress != new.Server.ListenAddress {
		warnings = append(warnings, "server.listen_address requires restart")
	}
	if !reflect.DeepEqual(old.Server.TLS, new.Server.TLS) {
		warnings = append(warnings, "server.tls requires restart")
	}
	if old.Auth.JWTSecret != new.Auth.JWTSecret {
		warnings = append(warnings, "auth.jwt_secret requires restart")
	}
	if !reflect.DeepEqual(old.Storage, new.Storage) {
		warnings = append(warnings, "storage requires restart")
	}
	if old.Health.ListenAddress != new.Health.ListenAddress {
		warnings = append(warnings, "health.listen_address requires restart")
	}
	return warnings
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func parseInt64(s string, fallback int64) int64 {
	var v int64
	if _, err := fmt.Sscanf(s, "%d", &v); err != nil {
		return fallback
	}
	return v
}

func parseInt(s string, fallback int) int {
	var v int
	if _, err := fmt.Sscanf(s, "%d", &v); err != nil {
		return fallback
	}
	return v
}

func parseBool(s string, fallback bool) bool {
	switch strings.ToLower(s) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return fallback
	}
}
