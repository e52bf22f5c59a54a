package main

import (
	"fmt"
	"os"
	"reflect"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/goodtune/ktime/internal/config"
	"github.com/goodtune/ktime/internal/policy/opa"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	validateDump bool
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long:  `Validate the KTime configuration file for syntax and semantic errors, and compile access policies when they are enabled.`,
	RunE:  runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validateDump, "dump", false, "Dump full configuration with defaults highlighted")
	rootCmd.AddCommand(validateCmd)
}

// optionalKeys are valid keys that carry no default
var optionalKeys = []string{
	"tls.lego_email",
	"tls.lego_dns_provider",
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration validation failed: %v\n", err)
		return err
	}

	// Check for unknown keys (always, not just with --dump)
	unknownKeys, err := findUnknownKeys(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "⚠️  Warning: Could not check for unknown keys: %v\n", err)
	}

	if cfg.Policy.Enabled {
		if _, err := opa.NewEngine(cfg.Policy.OPAPolicyDir, zerolog.Nop()); err != nil {
			fmt.Fprintf(os.Stderr, "❌ Access policy compilation failed: %v\n", err)
			return err
		}
	}

	_, _ = fmt.Fprintf(os.Stdout, "✅ Configuration is valid: %s\n", configPath)

	if cfg.Auth.JWTSecret == "" {
		yellow := color.New(color.FgYellow, color.Bold)
		_, _ = yellow.Fprintln(os.Stdout, "⚠️  auth.jwt_secret is empty; the server will not start unless KTIME_AUTH_JWT_SECRET is set")
	}

	if len(unknownKeys) > 0 {
		red := color.New(color.FgRed, color.Bold)
		fmt.Fprintln(os.Stdout)
		red.Fprintf(os.Stdout, "⚠️  WARNING: Found %d unknown configuration key(s):\n", len(unknownKeys))
		for _, key := range unknownKeys {
			red.Fprintf(os.Stdout, "   - %s\n", key)
		}
		fmt.Fprintln(os.Stdout, "\nThese keys will be ignored and may indicate typos or deprecated settings.")
	}

	if validateDump {
		_, _ = fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 80))
		_, _ = fmt.Fprintln(os.Stdout, "FULL CONFIGURATION (values different from defaults are highlighted)")
		_, _ = fmt.Fprintln(os.Stdout, strings.Repeat("=", 80))

		dumpConfig(cfg, getDefaultConfig(), unknownKeys)
	}

	return nil
}

// getDefaultConfig creates a configuration with default values
func getDefaultConfig() *config.Config {
	v := viper.New()
	config.SetDefaults(v)

	var cfg config.Config
	_ = v.Unmarshal(&cfg)

	return &cfg
}

// findUnknownKeys loads the config file and checks for unknown keys
func findUnknownKeys(configPath string) ([]string, error) {
	v := viper.New()
	v.SetConfigFile(configPath)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	validKeys := getValidKeys()

	unknown := []string{}
	for _, key := range v.AllKeys() {
		if !validKeys[key] {
			unknown = append(unknown, key)
		}
	}
	sort.Strings(unknown)

	return unknown, nil
}

// getValidKeys returns the set of keys the configuration understands
func getValidKeys() map[string]bool {
	v := viper.New()
	config.SetDefaults(v)

	keys := make(map[string]bool)
	for _, key := range v.AllKeys() {
		keys[key] = true
	}
	for _, key := range optionalKeys {
		keys[key] = true
	}
	return keys
}

// dumpConfig dumps configuration with color highlighting for non-default values
func dumpConfig(cfg, defaultCfg *config.Config, unknownKeys []string) {
	yellow := color.New(color.FgYellow, color.Bold)
	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan, color.Bold)

	_, _ = cyan.Println("\n[server]")
	dumpField("  name", cfg.Server.Name, defaultCfg.Server.Name, yellow, green)
	dumpField("  bind_address", cfg.Server.BindAddress, defaultCfg.Server.BindAddress, yellow, green)
	dumpField("  http_port", cfg.Server.HTTPPort, defaultCfg.Server.HTTPPort, yellow, green)
	dumpField("  metrics_port", cfg.Server.MetricsPort, defaultCfg.Server.MetricsPort, yellow, green)
	dumpField("  allowed_origins", cfg.Server.AllowedOrigins, defaultCfg.Server.AllowedOrigins, yellow, green)
	dumpField("  rate_limit", cfg.Server.RateLimit, defaultCfg.Server.RateLimit, yellow, green)

	_, _ = cyan.Println("\n[tls]")
	dumpField("  enabled", cfg.TLS.Enabled, defaultCfg.TLS.Enabled, yellow, green)
	dumpField("  cert_path", cfg.TLS.CertPath, defaultCfg.TLS.CertPath, yellow, green)
	dumpField("  key_path", cfg.TLS.KeyPath, defaultCfg.TLS.KeyPath, yellow, green)
	dumpField("  use_letsencrypt", cfg.TLS.UseLetsEncrypt, defaultCfg.TLS.UseLetsEncrypt, yellow, green)
	dumpField("  lego_email", cfg.TLS.LegoEmail, defaultCfg.TLS.LegoEmail, yellow, green)
	dumpField("  lego_dns_provider", cfg.TLS.LegoDNSProvider, defaultCfg.TLS.LegoDNSProvider, yellow, green)
	dumpField("  lego_ca_dir_url", cfg.TLS.LegoCADirURL, defaultCfg.TLS.LegoCADirURL, yellow, green)

	_, _ = cyan.Println("\n[storage]")
	dumpField("  type", cfg.Storage.Type, defaultCfg.Storage.Type, yellow, green)
	_, _ = cyan.Println("  [storage.redis]")
	dumpField("    host", cfg.Storage.Redis.Host, defaultCfg.Storage.Redis.Host, yellow, green)
	dumpField("    port", cfg.Storage.Redis.Port, defaultCfg.Storage.Redis.Port, yellow, green)
	dumpField("    password", redactSecret(cfg.Storage.Redis.Password), redactSecret(defaultCfg.Storage.Redis.Password), yellow, green)
	dumpField("    db", cfg.Storage.Redis.DB, defaultCfg.Storage.Redis.DB, yellow, green)
	dumpField("    pool_size", cfg.Storage.Redis.PoolSize, defaultCfg.Storage.Redis.PoolSize, yellow, green)
	dumpField("    min_idle_conns", cfg.Storage.Redis.MinIdleConns, defaultCfg.Storage.Redis.MinIdleConns, yellow, green)
	dumpField("    dial_timeout", cfg.Storage.Redis.DialTimeout, defaultCfg.Storage.Redis.DialTimeout, yellow, green)
	dumpField("    read_timeout", cfg.Storage.Redis.ReadTimeout, defaultCfg.Storage.Redis.ReadTimeout, yellow, green)
	dumpField("    write_timeout", cfg.Storage.Redis.WriteTimeout, defaultCfg.Storage.Redis.WriteTimeout, yellow, green)

	_, _ = cyan.Println("\n[logging]")
	dumpField("  level", cfg.Logging.Level, defaultCfg.Logging.Level, yellow, green)
	dumpField("  format", cfg.Logging.Format, defaultCfg.Logging.Format, yellow, green)

	_, _ = cyan.Println("\n[auth]")
	dumpField("  jwt_secret", redactSecret(cfg.Auth.JWTSecret), redactSecret(defaultCfg.Auth.JWTSecret), yellow, green)
	dumpField("  issuer", cfg.Auth.Issuer, defaultCfg.Auth.Issuer, yellow, green)
	dumpField("  device_token_ttl", cfg.Auth.DeviceTokenTTL, defaultCfg.Auth.DeviceTokenTTL, yellow, green)
	dumpField("  parent_token_ttl", cfg.Auth.ParentTokenTTL, defaultCfg.Auth.ParentTokenTTL, yellow, green)

	_, _ = cyan.Println("\n[devices]")
	dumpField("  max_active", cfg.Devices.MaxActive, defaultCfg.Devices.MaxActive, yellow, green)
	dumpField("  idle_timeout", cfg.Devices.IdleTimeout, defaultCfg.Devices.IdleTimeout, yellow, green)
	dumpField("  prune_after", cfg.Devices.PruneAfter, defaultCfg.Devices.PruneAfter, yellow, green)

	_, _ = cyan.Println("\n[sessions]")
	dumpField("  heartbeat_interval", cfg.Sessions.HeartbeatInterval, defaultCfg.Sessions.HeartbeatInterval, yellow, green)
	dumpField("  heartbeat_timeout", cfg.Sessions.HeartbeatTimeout, defaultCfg.Sessions.HeartbeatTimeout, yellow, green)
	dumpField("  heartbeat_tolerance", cfg.Sessions.HeartbeatTolerance, defaultCfg.Sessions.HeartbeatTolerance, yellow, green)
	dumpField("  sweep_interval", cfg.Sessions.SweepInterval, defaultCfg.Sessions.SweepInterval, yellow, green)
	dumpField("  request_timeout", cfg.Sessions.RequestTimeout, defaultCfg.Sessions.RequestTimeout, yellow, green)
	dumpField("  index_cache_size", cfg.Sessions.IndexCacheSize, defaultCfg.Sessions.IndexCacheSize, yellow, green)

	_, _ = cyan.Println("\n[screentime]")
	dumpField("  default_daily_limit_minutes", cfg.ScreenTime.DefaultDailyLimitMinutes, defaultCfg.ScreenTime.DefaultDailyLimitMinutes, yellow, green)
	dumpField("  default_timezone", cfg.ScreenTime.DefaultTimezone, defaultCfg.ScreenTime.DefaultTimezone, yellow, green)
	dumpField("  rules_cache_size", cfg.ScreenTime.RulesCacheSize, defaultCfg.ScreenTime.RulesCacheSize, yellow, green)
	dumpField("  rules_cache_ttl", cfg.ScreenTime.RulesCacheTTL, defaultCfg.ScreenTime.RulesCacheTTL, yellow, green)

	_, _ = cyan.Println("\n[broadcast]")
	dumpField("  send_buffer", cfg.Broadcast.SendBuffer, defaultCfg.Broadcast.SendBuffer, yellow, green)
	dumpField("  redis_pubsub", cfg.Broadcast.RedisPubSub, defaultCfg.Broadcast.RedisPubSub, yellow, green)
	dumpField("  ping_interval", cfg.Broadcast.PingInterval, defaultCfg.Broadcast.PingInterval, yellow, green)
	_, _ = cyan.Println("  [broadcast.kafka]")
	dumpField("    brokers", cfg.Broadcast.Kafka.Brokers, defaultCfg.Broadcast.Kafka.Brokers, yellow, green)
	dumpField("    topic", cfg.Broadcast.Kafka.Topic, defaultCfg.Broadcast.Kafka.Topic, yellow, green)

	_, _ = cyan.Println("\n[policy]")
	dumpField("  enabled", cfg.Policy.Enabled, defaultCfg.Policy.Enabled, yellow, green)
	dumpField("  opa_policy_dir", cfg.Policy.OPAPolicyDir, defaultCfg.Policy.OPAPolicyDir, yellow, green)

	if len(unknownKeys) > 0 {
		red := color.New(color.FgRed, color.Bold)

		_, _ = cyan.Println("\n[UNKNOWN KEYS - These will be ignored!]")
		for _, key := range unknownKeys {
			_, _ = red.Printf("  %s = (unknown key - check for typos)\n", key)
		}
	}

	_, _ = fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 80))
}

// dumpField prints a field with color if it differs from default
func dumpField(name string, value, defaultValue interface{}, modifiedColor, defaultColor *color.Color) {
	isDefault := reflect.DeepEqual(value, defaultValue)

	valueStr := fmt.Sprintf("%v", value)

	if isDefault {
		_, _ = defaultColor.Printf("%s = %s\n", name, valueStr)
	} else {
		_, _ = modifiedColor.Printf("%s = %s  (modified from default: %v)\n", name, valueStr, defaultValue)
	}
}

// redactSecret redacts a secret if not empty
func redactSecret(secret string) string {
	if secret == "" {
		return ""
	}
	return "***REDACTED***"
}
