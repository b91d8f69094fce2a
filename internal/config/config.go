package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/brandlens/orchestrator/internal/db"
	"github.com/brandlens/orchestrator/internal/engines"
	"github.com/brandlens/orchestrator/internal/ratecontrol"
	"github.com/brandlens/orchestrator/internal/tracing"
)

// DefaultConfigPath is used when PROBE_CONFIG_PATH is unset
const DefaultConfigPath = "/app/config/probe.yaml"

// HTTPConfig configures the API listener
type HTTPConfig struct {
	Port       int           `mapstructure:"port"`
	StartRPS   float64       `mapstructure:"start_rps"`
	StartBurst int           `mapstructure:"start_burst"`
	Heartbeat  time.Duration `mapstructure:"heartbeat"`
}

// DispatchConfig holds the batch execution knobs
type DispatchConfig struct {
	SessionTimeout    time.Duration `mapstructure:"session_timeout"`
	RecoveryDelay     time.Duration `mapstructure:"recovery_delay"`
	AssumedLatency    time.Duration `mapstructure:"assumed_latency"`
	SnapshotRetention time.Duration `mapstructure:"snapshot_retention"`
}

// RedisConfig configures the run lock store
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	LockTTL  time.Duration `mapstructure:"lock_ttl"`
}

// AnalysisConfig configures the post-response analysis service
type AnalysisConfig struct {
	Endpoint        string        `mapstructure:"endpoint"`
	Timeout         time.Duration `mapstructure:"timeout"`
	SourceTypesPath string        `mapstructure:"source_types_path"`
}

// NotifyConfig configures terminal outcome alerts. Empty values disable a channel.
type NotifyConfig struct {
	WebhookURL     string `mapstructure:"webhook_url"`
	TelegramToken  string `mapstructure:"telegram_token"`
	TelegramChatID int64  `mapstructure:"telegram_chat_id"`
}

// HealthConfig configures the probe listener and the background check cadence
type HealthConfig struct {
	Port          int           `mapstructure:"port"`
	CheckInterval time.Duration `mapstructure:"check_interval"`
}

// LoggingConfig selects the zap encoder and level
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// CredentialsConfig holds the key used to open stored provider credentials
type CredentialsConfig struct {
	MasterKey string `mapstructure:"master_key"`
}

// Config is the full service configuration
type Config struct {
	HTTP        HTTPConfig                      `mapstructure:"http"`
	Dispatch    DispatchConfig                  `mapstructure:"dispatch"`
	Providers   map[string]ratecontrol.Override `mapstructure:"providers"`
	Engines     map[string]engines.Endpoint     `mapstructure:"engines"`
	Postgres    db.Config                       `mapstructure:"postgres"`
	Redis       RedisConfig                     `mapstructure:"redis"`
	Analysis    AnalysisConfig                  `mapstructure:"analysis"`
	Notify      NotifyConfig                    `mapstructure:"notify"`
	Tracing     tracing.Config                  `mapstructure:"tracing"`
	Health      HealthConfig                    `mapstructure:"health"`
	Logging     LoggingConfig                   `mapstructure:"logging"`
	Credentials CredentialsConfig               `mapstructure:"credentials"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.port", 8081)
	v.SetDefault("http.start_rps", 2.0)
	v.SetDefault("http.start_burst", 5)
	v.SetDefault("http.heartbeat", 15*time.Second)

	v.SetDefault("dispatch.session_timeout", 30*time.Minute)
	v.SetDefault("dispatch.recovery_delay", 2*time.Second)
	v.SetDefault("dispatch.assumed_latency", 8*time.Second)
	v.SetDefault("dispatch.snapshot_retention", 60*time.Second)

	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "probe")
	v.SetDefault("postgres.password", "")
	v.SetDefault("postgres.database", "probe")
	v.SetDefault("postgres.max_connections", 25)
	v.SetDefault("postgres.idle_connections", 5)
	v.SetDefault("postgres.max_lifetime", 5*time.Minute)
	v.SetDefault("postgres.sslmode", "disable")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.lock_ttl", 35*time.Minute)

	v.SetDefault("analysis.endpoint", "")
	v.SetDefault("analysis.timeout", 20*time.Second)
	v.SetDefault("analysis.source_types_path", "")

	v.SetDefault("notify.webhook_url", "")
	v.SetDefault("notify.telegram_token", "")
	v.SetDefault("notify.telegram_chat_id", 0)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "probe-orchestrator")
	v.SetDefault("tracing.otlp_endpoint", "localhost:4317")

	v.SetDefault("health.port", 8082)
	v.SetDefault("health.check_interval", 30*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("credentials.master_key", "")
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("PROBE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// readConfigFile loads path into v. A missing file is not an error: defaults and env apply.
func readConfigFile(v *viper.Viper, path string) (bool, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat config: %w", err)
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return false, fmt.Errorf("read config: %w", err)
	}
	return true, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ConfigPath returns the file the service reads, from PROBE_CONFIG_PATH or the default
func ConfigPath() string {
	if p := os.Getenv("PROBE_CONFIG_PATH"); p != "" {
		return p
	}
	return DefaultConfigPath
}

// Load reads configuration once without watching for changes
func Load() (*Config, error) {
	v := newViper()
	if _, err := readConfigFile(v, ConfigPath()); err != nil {
		return nil, err
	}
	return decode(v)
}

// Validate rejects values the dispatcher cannot work with
func (c *Config) Validate() error {
	if c.Dispatch.SessionTimeout <= 0 {
		return fmt.Errorf("dispatch.session_timeout must be positive")
	}
	if c.Dispatch.RecoveryDelay < 0 || c.Dispatch.AssumedLatency < 0 {
		return fmt.Errorf("dispatch delays must not be negative")
	}
	if c.Dispatch.SnapshotRetention <= 0 {
		return fmt.Errorf("dispatch.snapshot_retention must be positive")
	}
	for name, o := range c.Providers {
		if o.InterCallDelayMs < 0 || o.RPM < 0 || o.MaxRetries < 0 {
			return fmt.Errorf("providers.%s: negative rate settings", name)
		}
	}
	return nil
}
