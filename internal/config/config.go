package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for notesync.
type Config struct {
	Sync       SyncConfig       `yaml:"sync"`
	Relay      RelayConfig      `yaml:"relay"`
	Security   SecurityConfig   `yaml:"security"`
	Logging    LoggingConfig    `yaml:"logging"`
	Health     HealthConfig     `yaml:"health"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

// SyncConfig contains the client-side channel settings.
type SyncConfig struct {
	ServerURL      string        `yaml:"server_url"`
	AuthToken      string        `yaml:"auth_token"`
	DebounceWindow time.Duration `yaml:"debounce_window"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	MaxRetries     int           `yaml:"max_retries"`
	SeedDelay      time.Duration `yaml:"seed_delay"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	MaxMessageSize int64         `yaml:"max_message_size"`
	Probe          ProbeConfig   `yaml:"probe"`
}

// ProbeConfig controls the out-of-band reachability check.
type ProbeConfig struct {
	Path    string        `yaml:"path"`
	Timeout time.Duration `yaml:"timeout"`
}

// RelayConfig contains the room relay server settings.
type RelayConfig struct {
	ListenAddress  string        `yaml:"listen_address"`
	DrainTimeout   time.Duration `yaml:"drain_timeout"`
	MaxMessageSize int64         `yaml:"max_message_size"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	PongTimeout    time.Duration `yaml:"pong_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	Redis          RedisConfig   `yaml:"redis"`
	TLS            TLSConfig     `yaml:"tls"`
}

// RedisConfig enables cross-instance fanout and shared room content.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// TLSConfig contains optional TLS settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// SecurityConfig contains relay access control settings.
type SecurityConfig struct {
	AuthToken           string          `yaml:"auth_token"`
	RateLimit           RateLimitConfig `yaml:"rate_limit"`
	MaxConnections      int             `yaml:"max_connections"`
	MaxConnectionsPerIP int             `yaml:"max_connections_per_ip"`
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
		Sync: SyncConfig{
			ServerURL:      "http://127.0.0.1:8090",
			DebounceWindow: 500 * time.Millisecond,
			ReconnectDelay: 2 * time.Second,
			MaxRetries:     5,
			SeedDelay:      150 * time.Millisecond,
			DialTimeout:    10 * time.Second,
			WriteTimeout:   5 * time.Second,
			MaxMessageSize: 1048576, // 1MB
			Probe: ProbeConfig{
				Path:    "/health",
				Timeout: 5 * time.Second,
			},
		},
		Relay: RelayConfig{
			ListenAddress:  "127.0.0.1:8090",
			DrainTimeout:   30 * time.Second,
			MaxMessageSize: 1048576,
			PingInterval:   30 * time.Second,
			PongTimeout:    10 * time.Second,
			WriteTimeout:   10 * time.Second,
			Redis: RedisConfig{
				Address: "localhost:6379",
				Prefix:  "notesync",
			},
		},
		Security: SecurityConfig{
			MaxConnections:      1000,
			MaxConnectionsPerIP: 20,
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
		},
		Health: HealthConfig{
			Enabled:       true,
			Endpoint:      "/health",
			ListenAddress: "127.0.0.1:8091",
			Detailed:      true,
		},
		Monitoring: MonitoringConfig{
			MetricsEnabled:  false,
			MetricsEndpoint: "/metrics",
		},
	}
}

// Load reads a config file and applies environment variable overrides.
// An empty path yields the defaults plus overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("config file not found at %s", path)
			}
			if os.IsPermission(err) {
				return nil, fmt.Errorf("permission denied reading %s", path)
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
	// Sync validation
	if c.Sync.ServerURL == "" {
		return fmt.Errorf("sync.server_url is required")
	}
	if u, err := url.Parse(c.Sync.ServerURL); err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("sync.server_url must use http:// or https:// scheme")
	}
	if c.Sync.DebounceWindow <= 0 {
		return fmt.Errorf("sync.debounce_window must be positive")
	}
	if c.Sync.ReconnectDelay <= 0 {
		return fmt.Errorf("sync.reconnect_delay must be positive")
	}
	if c.Sync.MaxRetries < 0 {
		return fmt.Errorf("sync.max_retries must not be negative")
	}
	if c.Sync.MaxRetries > 100 {
		return fmt.Errorf("sync.max_retries must not exceed 100")
	}
	if c.Sync.SeedDelay < 0 {
		return fmt.Errorf("sync.seed_delay must not be negative")
	}
	if c.Sync.DialTimeout <= 0 {
		return fmt.Errorf("sync.dial_timeout must be positive")
	}
	if c.Sync.WriteTimeout <= 0 {
		return fmt.Errorf("sync.write_timeout must be positive")
	}
	if c.Sync.MaxMessageSize <= 0 {
		return fmt.Errorf("sync.max_message_size must be positive")
	}
	if c.Sync.Probe.Timeout <= 0 {
		return fmt.Errorf("sync.probe.timeout must be positive")
	}
	if !strings.HasPrefix(c.Sync.Probe.Path, "/") {
		return fmt.Errorf("sync.probe.path must start with /")
	}

	// Upper bounds
	if c.Sync.DebounceWindow > time.Minute {
		return fmt.Errorf("sync.debounce_window must not exceed 1m")
	}
	if c.Sync.ReconnectDelay > 5*time.Minute {
		return fmt.Errorf("sync.reconnect_delay must not exceed 5m")
	}
	if c.Sync.MaxMessageSize > 67108864 {
		return fmt.Errorf("sync.max_message_size must not exceed 67108864 (64MB)")
	}

	// Relay validation
	if c.Relay.ListenAddress == "" {
		return fmt.Errorf("relay.listen_address is required")
	}
	if _, _, err := net.SplitHostPort(c.Relay.ListenAddress); err != nil {
		return fmt.Errorf("relay.listen_address is invalid: %w", err)
	}
	if c.Relay.MaxMessageSize <= 0 {
		return fmt.Errorf("relay.max_message_size must be positive")
	}
	if c.Relay.MaxMessageSize > 67108864 {
		return fmt.Errorf("relay.max_message_size must not exceed 67108864 (64MB)")
	}
	if c.Relay.DrainTimeout <= 0 {
		return fmt.Errorf("relay.drain_timeout must be positive")
	}
	if c.Relay.DrainTimeout > 5*time.Minute {
		return fmt.Errorf("relay.drain_timeout must not exceed 5m")
	}
	if c.Relay.WriteTimeout <= 0 {
		return fmt.Errorf("relay.write_timeout must be positive")
	}
	if c.Relay.PingInterval < 0 {
		return fmt.Errorf("relay.ping_interval must not be negative")
	}
	if c.Relay.PingInterval > 0 && c.Relay.PongTimeout <= 0 {
		return fmt.Errorf("relay.pong_timeout must be positive when ping_interval is set")
	}
	if c.Relay.Redis.Enabled {
		if c.Relay.Redis.Address == "" {
			return fmt.Errorf("relay.redis.address is required when redis is enabled")
		}
		if c.Relay.Redis.Prefix == "" {
			return fmt.Errorf("relay.redis.prefix is required when redis is enabled")
		}
	}

	// TLS validation
	if c.Relay.TLS.Enabled {
		if c.Relay.TLS.CertFile == "" {
			return fmt.Errorf("relay.tls.cert_file is required when TLS is enabled")
		}
		if c.Relay.TLS.KeyFile == "" {
			return fmt.Errorf("relay.tls.key_file is required when TLS is enabled")
		}
	}

	// Security validation
	if c.Security.MaxConnections <= 0 {
		return fmt.Errorf("security.max_connections must be positive")
	}
	if c.Security.MaxConnections > 65535 {
		return fmt.Errorf("security.max_connections must not exceed 65535")
	}
	if c.Security.MaxConnectionsPerIP <= 0 {
		return fmt.Errorf("security.max_connections_per_ip must be positive")
	}
	if c.Security.MaxConnectionsPerIP > c.Security.MaxConnections {
		return fmt.Errorf("security.max_connections_per_ip must not exceed security.max_connections")
	}
	if c.Security.RateLimit.Enabled {
		if c.Security.RateLimit.ConnectionsPerMinute <= 0 {
			return fmt.Errorf("security.rate_limit.connections_per_minute must be positive")
		}
		if c.Security.RateLimit.MessagesPerSecond < 0 {
			return fmt.Errorf("security.rate_limit.messages_per_second must not be negative")
		}
	}

	// Logging validation
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "json", "text":
		// valid
	default:
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	// Health validation
	if c.Health.Enabled {
		if c.Health.ListenAddress == "" {
			return fmt.Errorf("health.listen_address is required when health is enabled")
		}
		if _, _, err := net.SplitHostPort(c.Health.ListenAddress); err != nil {
			return fmt.Errorf("health.listen_address is invalid: %w", err)
		}
		if c.Relay.ListenAddress == c.Health.ListenAddress {
			return fmt.Errorf("relay.listen_address and health.listen_address must be different")
		}
		if !strings.HasPrefix(c.Health.Endpoint, "/") {
			return fmt.Errorf("health.endpoint must start with /")
		}
	}

	return nil
}

// applyEnvOverrides applies NOTESYNC_ prefixed environment variables.
// Convention: NOTESYNC_ + uppercase + underscores for nesting.
func applyEnvOverrides(cfg *Config) {
	envMap := map[string]func(string){
		"NOTESYNC_SYNC_SERVER_URL":       func(v string) { cfg.Sync.ServerURL = v },
		"NOTESYNC_SYNC_AUTH_TOKEN":       func(v string) { cfg.Sync.AuthToken = v },
		"NOTESYNC_SYNC_DEBOUNCE_WINDOW":  func(v string) { cfg.Sync.DebounceWindow = parseDuration(v, cfg.Sync.DebounceWindow) },
		"NOTESYNC_SYNC_RECONNECT_DELAY":  func(v string) { cfg.Sync.ReconnectDelay = parseDuration(v, cfg.Sync.ReconnectDelay) },
		"NOTESYNC_SYNC_MAX_RETRIES":      func(v string) { cfg.Sync.MaxRetries = parseInt(v, cfg.Sync.MaxRetries) },
		"NOTESYNC_SYNC_SEED_DELAY":       func(v string) { cfg.Sync.SeedDelay = parseDuration(v, cfg.Sync.SeedDelay) },
		"NOTESYNC_SYNC_DIAL_TIMEOUT":     func(v string) { cfg.Sync.DialTimeout = parseDuration(v, cfg.Sync.DialTimeout) },
		"NOTESYNC_SYNC_WRITE_TIMEOUT":    func(v string) { cfg.Sync.WriteTimeout = parseDuration(v, cfg.Sync.WriteTimeout) },
		"NOTESYNC_SYNC_MAX_MESSAGE_SIZE": func(v string) { cfg.Sync.MaxMessageSize = parseInt64(v, cfg.Sync.MaxMessageSize) },
		"NOTESYNC_SYNC_PROBE_PATH":       func(v string) { cfg.Sync.Probe.Path = v },
		"NOTESYNC_SYNC_PROBE_TIMEOUT":    func(v string) { cfg.Sync.Probe.Timeout = parseDuration(v, cfg.Sync.Probe.Timeout) },

		"NOTESYNC_RELAY_LISTEN_ADDRESS":   func(v string) { cfg.Relay.ListenAddress = v },
		"NOTESYNC_RELAY_DRAIN_TIMEOUT":    func(v string) { cfg.Relay.DrainTimeout = parseDuration(v, cfg.Relay.DrainTimeout) },
		"NOTESYNC_RELAY_MAX_MESSAGE_SIZE": func(v string) { cfg.Relay.MaxMessageSize = parseInt64(v, cfg.Relay.MaxMessageSize) },
		"NOTESYNC_RELAY_PING_INTERVAL":    func(v string) { cfg.Relay.PingInterval = parseDuration(v, cfg.Relay.PingInterval) },
		"NOTESYNC_RELAY_PONG_TIMEOUT":     func(v string) { cfg.Relay.PongTimeout = parseDuration(v, cfg.Relay.PongTimeout) },
		"NOTESYNC_RELAY_WRITE_TIMEOUT":    func(v string) { cfg.Relay.WriteTimeout = parseDuration(v, cfg.Relay.WriteTimeout) },
		"NOTESYNC_RELAY_REDIS_ENABLED":    func(v string) { cfg.Relay.Redis.Enabled = parseBool(v, cfg.Relay.Redis.Enabled) },
		"NOTESYNC_RELAY_REDIS_ADDRESS":    func(v string) { cfg.Relay.Redis.Address = v },
		"NOTESYNC_RELAY_REDIS_PASSWORD":   func(v string) { cfg.Relay.Redis.Password = v },

		"NOTESYNC_SECURITY_AUTH_TOKEN":             func(v string) { cfg.Security.AuthToken = v },
		"NOTESYNC_SECURITY_MAX_CONNECTIONS":        func(v string) { cfg.Security.MaxConnections = parseInt(v, cfg.Security.MaxConnections) },
		"NOTESYNC_SECURITY_MAX_CONNECTIONS_PER_IP": func(v string) { cfg.Security.MaxConnectionsPerIP = parseInt(v, cfg.Security.MaxConnectionsPerIP) },
		"NOTESYNC_SECURITY_RATE_LIMIT_ENABLED":     func(v string) { cfg.Security.RateLimit.Enabled = parseBool(v, cfg.Security.RateLimit.Enabled) },
		"NOTESYNC_SECURITY_RATE_LIMIT_CONNECTIONS_PER_MINUTE": func(v string) {
			cfg.Security.RateLimit.ConnectionsPerMinute = parseInt(v, cfg.Security.RateLimit.ConnectionsPerMinute)
		},

		"NOTESYNC_LOGGING_LEVEL":          func(v string) { cfg.Logging.Level = v },
		"NOTESYNC_LOGGING_FORMAT":         func(v string) { cfg.Logging.Format = v },
		"NOTESYNC_LOGGING_FILE":           func(v string) { cfg.Logging.File = v },
		"NOTESYNC_HEALTH_ENABLED":         func(v string) { cfg.Health.Enabled = parseBool(v, cfg.Health.Enabled) },
		"NOTESYNC_HEALTH_LISTEN_ADDRESS":  func(v string) { cfg.Health.ListenAddress = v },
		"NOTESYNC_MONITORING_METRICS_ENABLED": func(v string) {
			cfg.Monitoring.MetricsEnabled = parseBool(v, cfg.Monitoring.MetricsEnabled)
		},
	}

	for env, setter := range envMap {
		if v := os.Getenv(env); v != "" {
			setter(v)
		}
	}
}

// ApplyReloadableFields returns a copy of c with reloadable fields from newCfg.
// Non-reloadable: relay.listen_address, relay.tls, relay.redis, health.listen_address
func (c *Config) ApplyReloadableFields(newCfg *Config) *Config {
	updated := *c
	updated.Security.RateLimit = newCfg.Security.RateLimit
	updated.Security.AuthToken = newCfg.Security.AuthToken
	updated.Security.MaxConnections = newCfg.Security.MaxConnections
	updated.Security.MaxConnectionsPerIP = newCfg.Security.MaxConnectionsPerIP
	updated.Logging.Level = newCfg.Logging.Level
	updated.Relay.MaxMessageSize = newCfg.Relay.MaxMessageSize
	updated.Relay.WriteTimeout = newCfg.Relay.WriteTimeout
	return &updated
}

// IsReloadSafe checks if only reloadable fields changed between configs.
func IsReloadSafe(old, new *Config) []string {
	var warnings []string
	if old.Relay.ListenAddress != new.Relay.ListenAddress {
		warnings = append(warnings, "relay.listen_address requires restart")
	}
	if old.Relay.TLS != new.Relay.TLS {
		warnings = append(warnings, "relay.tls requires restart")
	}
	if old.Relay.Redis != new.Relay.Redis {
		warnings = append(warnings, "relay.redis requires restart")
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
	s = strings.ToLower(s)
	switch s {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return fallback
	}
}
