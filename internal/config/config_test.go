package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Auth.JWTSecret = testSecret
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.ListenAddress != "127.0.0.1:8080" {
		t.Errorf("ListenAddress = %q", cfg.Server.ListenAddress)
	}
	if cfg.Server.Path != "/ws" {
		t.Errorf("Path = %q", cfg.Server.Path)
	}
	if cfg.Server.MaxMessageSize != 262144 {
		t.Errorf("MaxMessageSize = %d", cfg.Server.MaxMessageSize)
	}
	if cfg.Security.MaxConnections != 5000 || cfg.Security.MaxConnectionsPerUser != 10 {
		t.Errorf("connection caps = %d/%d", cfg.Security.MaxConnections, cfg.Security.MaxConnectionsPerUser)
	}
	if !cfg.Security.RateLimit.Enabled {
		t.Error("rate limiting should be on by default")
	}
	if cfg.Call.RingTimeout != 0 {
		t.Errorf("RingTimeout = %v, want 0 (ring until answered)", cfg.Call.RingTimeout)
	}
	if !cfg.Health.Enabled || cfg.Health.ListenAddress != "127.0.0.1:8081" {
		t.Errorf("health defaults = %+v", cfg.Health)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid defaults with secret",
			mutate: func(c *Config) {},
		},
		{
			name:    "missing jwt secret",
			mutate:  func(c *Config) { c.Auth.JWTSecret = "" },
			wantErr: "jwt_secret is required",
		},
		{
			name:    "short jwt secret",
			mutate:  func(c *Config) { c.Auth.JWTSecret = "tooshort" },
			wantErr: "at least 32 characters",
		},
		{
			name:    "bad listen address",
			mutate:  func(c *Config) { c.Server.ListenAddress = "no-port" },
			wantErr: "listen_address is invalid",
		},
		{
			name:    "path without leading slash",
			mutate:  func(c *Config) { c.Server.Path = "ws" },
			wantErr: "must start with /",
		},
		{
			name:    "oversized message limit",
			mutate:  func(c *Config) { c.Server.MaxMessageSize = 32 * 1024 * 1024 },
			wantErr: "must not exceed 16777216",
		},
		{
			name:    "tls enabled without cert",
			mutate:  func(c *Config) { c.Server.TLS.Enabled = true },
			wantErr: "cert_file is required",
		},
		{
			name: "no storage path and not memory",
			mutate: func(c *Config) {
				c.Storage.Path = ""
				c.Storage.Memory = false
			},
			wantErr: "storage.path is required",
		},
		{
			name: "memory storage needs no path",
			mutate: func(c *Config) {
				c.Storage.Path = ""
				c.Storage.Memory = true
			},
		},
		{
			name:    "negative ring timeout",
			mutate:  func(c *Config) { c.Call.RingTimeout = -time.Second },
			wantErr: "must not be negative",
		},
		{
			name:    "per-user cap above global cap",
			mutate:  func(c *Config) { c.Security.MaxConnectionsPerUser = c.Security.MaxConnections + 1 },
			wantErr: "must not exceed security.max_connections",
		},
		{
			name:    "unknown log level",
			mutate:  func(c *Config) { c.Logging.Level = "verbose" },
			wantErr: "logging.level must be one of",
		},
		{
			name:    "non-loopback health address",
			mutate:  func(c *Config) { c.Health.ListenAddress = "0.0.0.0:8081" },
			wantErr: "loopback",
		},
		{
			name:    "health address collides with server",
			mutate:  func(c *Config) { c.Health.ListenAddress = c.Server.ListenAddress },
			wantErr: "must be different",
		},
		{
			name:    "drain timeout too long",
			mutate:  func(c *Config) { c.Server.DrainTimeout = 10 * time.Minute },
			wantErr: "must not exceed 5m",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() = nil, want error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  listen_address: "127.0.0.1:9090"
  path: "/live"
auth:
  jwt_secret: "` + testSecret + `"
storage:
  memory: true
call:
  ring_timeout: 45s
logging:
  level: debug
  format: text
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.ListenAddress != "127.0.0.1:9090" {
		t.Errorf("ListenAddress = %q", cfg.Server.ListenAddress)
	}
	if cfg.Server.Path != "/live" {
		t.Errorf("Path = %q", cfg.Server.Path)
	}
	if cfg.Call.RingTimeout != 45*time.Second {
		t.Errorf("RingTimeout = %v", cfg.Call.RingTimeout)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Errorf("logging = %q/%q", cfg.Logging.Level, cfg.Logging.Format)
	}
	// Untouched fields keep their defaults.
	if cfg.Server.PingInterval != 30*time.Second {
		t.Errorf("PingInterval = %v, want default 30s", cfg.Server.PingInterval)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Load() should fail for a missing file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("server:\n\tlisten_address: tabs"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load() should reject malformed YAML")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TELELIVE_AUTH_JWT_SECRET", testSecret)
	t.Setenv("TELELIVE_SERVER_LISTEN_ADDRESS", "127.0.0.1:7070")
	t.Setenv("TELELIVE_STORAGE_MEMORY", "true")
	t.Setenv("TELELIVE_CALL_RING_TIMEOUT", "1m")
	t.Setenv("TELELIVE_SECURITY_MAX_CONNECTIONS_PER_USER", "3")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.ListenAddress != "127.0.0.1:7070" {
		t.Errorf("ListenAddress = %q", cfg.Server.ListenAddress)
	}
	if !cfg.Storage.Memory {
		t.Error("Storage.Memory override ignored")
	}
	if cfg.Call.RingTimeout != time.Minute {
		t.Errorf("RingTimeout = %v", cfg.Call.RingTimeout)
	}
	if cfg.Security.MaxConnectionsPerUser != 3 {
		t.Errorf("MaxConnectionsPerUser = %d", cfg.Security.MaxConnectionsPerUser)
	}
}

func TestEnvOverridesBadValuesKeepDefaults(t *testing.T) {
	t.Setenv("TELELIVE_AUTH_JWT_SECRET", testSecret)
	t.Setenv("TELELIVE_SERVER_PING_INTERVAL", "not-a-duration")
	t.Setenv("TELELIVE_SECURITY_MAX_CONNECTIONS", "many")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.PingInterval != 30*time.Second {
		t.Errorf("PingInterval = %v, want default", cfg.Server.PingInterval)
	}
	if cfg.Security.MaxConnections != 5000 {
		t.Errorf("MaxConnections = %d, want default", cfg.Security.MaxConnections)
	}
}

func TestApplyReloadableFields(t *testing.T) {
	old := validConfig()
	updated := validConfig()
	updated.Security.MaxConnections = 100
	updated.Security.RateLimit.MessagesPerSecond = 5
	updated.Call.RingTimeout = 20 * time.Second
	updated.Logging.Level = "debug"
	updated.Server.ListenAddress = "127.0.0.1:1234" // not reloadable
	updated.Auth.JWTSecret = strings.Repeat("x", 32) // not reloadable

	old.ApplyReloadableFields(updated)

	if old.Security.MaxConnections != 100 {
		t.Errorf("MaxConnections = %d, want 100", old.Security.MaxConnections)
	}
	if old.Security.RateLimit.MessagesPerSecond != 5 {
		t.Errorf("MessagesPerSecond = %d, want 5", old.Security.RateLimit.MessagesPerSecond)
	}
	if old.Call.RingTimeout != 20*time.Second {
		t.Errorf("RingTimeout = %v, want 20s", old.Call.RingTimeout)
	}
	if old.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want debug", old.Logging.Level)
	}
	if old.Server.ListenAddress != "127.0.0.1:8080" {
		t.Error("listen address must not change on reload")
	}
	if old.Auth.JWTSecret != testSecret {
		t.Error("jwt secret must not change on reload")
	}
}

func TestIsReloadSafe(t *testing.T) {
	old := validConfig()

	same := validConfig()
	same.Security.MaxConnections = 42
	if warnings := IsReloadSafe(old, same); len(warnings) != 0 {
		t.Errorf("reloadable change produced warnings: %v", warnings)
	}

	changed := validConfig()
	changed.Server.ListenAddress = "127.0.0.1:9999"
	changed.Storage.Path = "other.db"
	warnings := IsReloadSafe(old, changed)
	if len(warnings) != 2 {
		t.Fatalf("warnings = %v, want listen_address and storage", warnings)
	}
}
