package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	TLS        TLSConfig        `mapstructure:"tls"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Devices    DevicesConfig    `mapstructure:"devices"`
	Sessions   SessionsConfig   `mapstructure:"sessions"`
	ScreenTime ScreenTimeConfig `mapstructure:"screentime"`
	Broadcast  BroadcastConfig  `mapstructure:"broadcast"`
	Policy     PolicyConfig     `mapstructure:"policy"`
}

// ServerConfig defines server ports and addresses
type ServerConfig struct {
	Name           string   `mapstructure:"name"` // Public hostname, used for ACME certificates
	BindAddress    string   `mapstructure:"bind_address"`
	HTTPPort       int      `mapstructure:"http_port"`
	MetricsPort    int      `mapstructure:"metrics_port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"` // WebSocket origins, empty = any
	RateLimit      int      `mapstructure:"rate_limit"`      // Requests per minute per caller, 0 = unlimited
}

// TLSConfig defines certificate settings for the API listener
type TLSConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	CertPath        string `mapstructure:"cert_path"`
	KeyPath         string `mapstructure:"key_path"`
	UseLetsEncrypt  bool   `mapstructure:"use_letsencrypt"`
	LegoEmail       string `mapstructure:"lego_email"`
	LegoDNSProvider string `mapstructure:"lego_dns_provider"`
	LegoCADirURL    string `mapstructure:"lego_ca_dir_url"`
}

// StorageConfig defines storage backend settings
type StorageConfig struct {
	Type  string      `mapstructure:"type"`
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// AuthConfig defines bearer token verification
type AuthConfig struct {
	JWTSecret      string `mapstructure:"jwt_secret"`
	Issuer         string `mapstructure:"issuer"`
	DeviceTokenTTL string `mapstructure:"device_token_ttl"`
	ParentTokenTTL string `mapstructure:"parent_token_ttl"`
}

// DevicesConfig defines device registry limits
type DevicesConfig struct {
	MaxActive   int    `mapstructure:"max_active"`
	IdleTimeout string `mapstructure:"idle_timeout"` // Deactivate devices idle for longer
	PruneAfter  string `mapstructure:"prune_after"`  // Delete inactive devices idle for longer
}

// SessionsConfig defines playback session coordination timings
type SessionsConfig struct {
	HeartbeatInterval  string `mapstructure:"heartbeat_interval"`
	HeartbeatTimeout   string `mapstructure:"heartbeat_timeout"`
	HeartbeatTolerance string `mapstructure:"heartbeat_tolerance"`
	SweepInterval      string `mapstructure:"sweep_interval"`
	RequestTimeout     string `mapstructure:"request_timeout"`
	IndexCacheSize     int    `mapstructure:"index_cache_size"`
}

// ScreenTimeConfig defines defaults applied to children without stored rules
type ScreenTimeConfig struct {
	DefaultDailyLimitMinutes int    `mapstructure:"default_daily_limit_minutes"`
	DefaultTimezone          string `mapstructure:"default_timezone"`
	RulesCacheSize           int    `mapstructure:"rules_cache_size"`
	RulesCacheTTL            string `mapstructure:"rules_cache_ttl"`
}

// BroadcastConfig defines real-time fan-out settings
type BroadcastConfig struct {
	SendBuffer   int         `mapstructure:"send_buffer"`
	RedisPubSub  bool        `mapstructure:"redis_pubsub"` // Fan out across instances
	PingInterval string      `mapstructure:"ping_interval"`
	Kafka        KafkaConfig `mapstructure:"kafka"`
}

// KafkaConfig defines the optional event sink
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// PolicyConfig defines the supplementary OPA access policy
type PolicyConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	OPAPolicyDir string `mapstructure:"opa_policy_dir"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	v.SetConfigFile(configPath)
	v.SetEnvPrefix("KTIME")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !isMissingFile(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and environment variables
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// SetDefaults sets default configuration values
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.name", "ktime.home.local")
	v.SetDefault("server.bind_address", "0.0.0.0")
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.rate_limit", 600)

	// TLS defaults
	v.SetDefault("tls.enabled", false)
	v.SetDefault("tls.cert_path", "/etc/ktime/tls/server.crt")
	v.SetDefault("tls.key_path", "/etc/ktime/tls/server.key")
	v.SetDefault("tls.use_letsencrypt", false)
	v.SetDefault("tls.lego_ca_dir_url", "https://acme-v02.api.letsencrypt.org/directory")

	// Storage defaults
	v.SetDefault("storage.type", "redis")
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 5)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Auth defaults
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "ktime")
	v.SetDefault("auth.device_token_ttl", "8760h")
	v.SetDefault("auth.parent_token_ttl", "24h")

	// Device registry defaults
	v.SetDefault("devices.max_active", 5)
	v.SetDefault("devices.idle_timeout", "720h")
	v.SetDefault("devices.prune_after", "2160h")

	// Session defaults
	v.SetDefault("sessions.heartbeat_interval", "30s")
	v.SetDefault("sessions.heartbeat_timeout", "75s")
	v.SetDefault("sessions.heartbeat_tolerance", "5s")
	v.SetDefault("sessions.sweep_interval", "15s")
	v.SetDefault("sessions.request_timeout", "5s")
	v.SetDefault("sessions.index_cache_size", 10000)

	// Screen time defaults
	v.SetDefault("screentime.default_daily_limit_minutes", 120)
	v.SetDefault("screentime.default_timezone", "UTC")
	v.SetDefault("screentime.rules_cache_size", 1024)
	v.SetDefault("screentime.rules_cache_ttl", "5s")

	// Broadcast defaults
	v.SetDefault("broadcast.send_buffer", 32)
	v.SetDefault("broadcast.redis_pubsub", false)
	v.SetDefault("broadcast.ping_interval", "25s")
	v.SetDefault("broadcast.kafka.brokers", []string{})
	v.SetDefault("broadcast.kafka.topic", "ktime-events")

	// Policy defaults
	v.SetDefault("policy.enabled", false)
	v.SetDefault("policy.opa_policy_dir", "/etc/ktime/policies")
}

// validate validates the configuration
func validate(cfg *Config) error {
	if cfg.Server.HTTPPort <= 0 || cfg.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", cfg.Server.HTTPPort)
	}
	if cfg.Server.MetricsPort <= 0 || cfg.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.Server.MetricsPort)
	}

	if cfg.Server.RateLimit < 0 {
		return fmt.Errorf("server.rate_limit must not be negative, got %d", cfg.Server.RateLimit)
	}

	if cfg.Storage.Type == "" {
		cfg.Storage.Type = "redis"
	}
	if cfg.Storage.Type != "redis" {
		return fmt.Errorf("unsupported storage type: %s (only 'redis' is supported)", cfg.Storage.Type)
	}

	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging.level: %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "json" && cfg.Logging.Format != "text" {
		return fmt.Errorf("invalid logging.format: %q (expected json or text)", cfg.Logging.Format)
	}

	if cfg.Devices.MaxActive <= 0 {
		return fmt.Errorf("devices.max_active must be positive, got %d", cfg.Devices.MaxActive)
	}

	if cfg.ScreenTime.DefaultDailyLimitMinutes < 0 || cfg.ScreenTime.DefaultDailyLimitMinutes > 24*60 {
		return fmt.Errorf("invalid default daily limit: %d minutes", cfg.ScreenTime.DefaultDailyLimitMinutes)
	}

	if _, err := time.LoadLocation(cfg.ScreenTime.DefaultTimezone); err != nil {
		return fmt.Errorf("invalid default timezone %q: %w", cfg.ScreenTime.DefaultTimezone, err)
	}

	interval := ParseDuration(cfg.Sessions.HeartbeatInterval, 30*time.Second)
	timeout := ParseDuration(cfg.Sessions.HeartbeatTimeout, 75*time.Second)
	if timeout <= interval {
		return fmt.Errorf("sessions.heartbeat_timeout (%s) must exceed heartbeat_interval (%s)", timeout, interval)
	}

	if cfg.TLS.UseLetsEncrypt {
		if !cfg.TLS.Enabled {
			return fmt.Errorf("tls.use_letsencrypt requires tls.enabled")
		}
		if cfg.TLS.LegoEmail == "" || cfg.TLS.LegoDNSProvider == "" {
			return fmt.Errorf("tls.use_letsencrypt requires lego_email and lego_dns_provider")
		}
	}

	if len(cfg.Broadcast.Kafka.Brokers) > 0 && cfg.Broadcast.Kafka.Topic == "" {
		return fmt.Errorf("broadcast.kafka.topic is required when brokers are set")
	}

	return nil
}

// ParseDuration parses a duration string with a fallback
func ParseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func isMissingFile(err error) bool {
	return strings.Contains(err.Error(), "no such file or directory")
}
