package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Planner  PlannerConfig  `mapstructure:"planner"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Senders  SendersConfig  `mapstructure:"senders"`
	Links    LinksConfig    `mapstructure:"links"`
	Profile  ProfileConfig  `mapstructure:"profile"`
	Ops      OpsConfig      `mapstructure:"ops"`
}

// DatabaseConfig holds PostgreSQL connection and pool tuning.
type DatabaseConfig struct {
	URL               string        `mapstructure:"url"`
	PoolMin           int32         `mapstructure:"pool_min"`
	PoolMax           int32         `mapstructure:"pool_max"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	MaxConnLifetime   time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime   time.Duration `mapstructure:"max_conn_idle_time"`
	HealthCheckPeriod time.Duration `mapstructure:"health_check_period"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level     string `mapstructure:"level"`
	Output    string `mapstructure:"output"` // stdout (default), file
	FilePath  string `mapstructure:"file_path"`
	MaxSizeMB int    `mapstructure:"max_size_mb"`
	MaxFiles  int    `mapstructure:"max_files"`
}

// PlannerConfig holds campaign planner configuration.
type PlannerConfig struct {
	BatchSize int `mapstructure:"batch_size"`
	// LockKey is the advisory lock identity for the planner; only one
	// planner instance per deployment runs at a time.
	LockKey int64 `mapstructure:"lock_key"`
}

// WorkerConfig holds dispatch worker configuration.
type WorkerConfig struct {
	LockKey int64 `mapstructure:"lock_key"`
	// DefaultRatePerMin applies when a campaign has no send-rate limit.
	DefaultRatePerMin int `mapstructure:"default_rate_per_min"`
}

// SendersConfig holds channel delivery provider configuration.
type SendersConfig struct {
	Email EmailSenderConfig `mapstructure:"email"`
	SMS   SMSSenderConfig   `mapstructure:"sms"`
	Push  PushSenderConfig  `mapstructure:"push"`
}

// EmailSenderConfig configures the email relay provider.
type EmailSenderConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	APIKey   string `mapstructure:"api_key"`
	From     string `mapstructure:"from"`
	// Allowlist restricts recipients to the listed addresses or
	// "@domain" suffixes. Empty means no restriction.
	Allowlist []string `mapstructure:"allowlist"`
}

// SMSSenderConfig configures the SMS gateway provider.
type SMSSenderConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	APIKey   string `mapstructure:"api_key"`
	SenderID string `mapstructure:"sender_id"`
}

// PushSenderConfig configures the push notification provider.
type PushSenderConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	APIKey   string `mapstructure:"api_key"`
}

// LinksConfig configures unsubscribe and referral URL building.
type LinksConfig struct {
	UnsubscribeBaseURL string `mapstructure:"unsubscribe_base_url"`
	UnsubscribeSecret  string `mapstructure:"unsubscribe_secret"`
	ReferralEndpoint   string `mapstructure:"referral_endpoint"`
}

// ProfileConfig configures the external customer-profile lookup.
type ProfileConfig struct {
	Endpoint string        `mapstructure:"endpoint"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// OpsConfig configures the operational HTTP endpoints.
type OpsConfig struct {
	// Addr serves /healthz and /metrics while the process runs.
	// Empty disables the listener.
	Addr string `mapstructure:"addr"`
}

// Load reads configuration from the given config directory path.
// It looks for a file named "config.yaml" in that directory.
// Environment variables with prefix CRM_DISPATCH_ override file values.
// For example, CRM_DISPATCH_DATABASE_URL overrides database.url.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)

	v.SetEnvPrefix("CRM_DISPATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("database.pool_min", 2)
	v.SetDefault("database.pool_max", 10)
	v.SetDefault("database.connect_timeout", 10*time.Second)
	v.SetDefault("database.max_conn_lifetime", 30*time.Minute)
	v.SetDefault("database.max_conn_idle_time", 5*time.Minute)
	v.SetDefault("database.health_check_period", 30*time.Second)
	v.SetDefault("logging.level", "info")
	v.SetDefault("planner.batch_size", 500)
	v.SetDefault("planner.lock_key", 7201)
	v.SetDefault("worker.lock_key", 7202)
	v.SetDefault("worker.default_rate_per_min", 600)
	v.SetDefault("profile.timeout", 5*time.Second)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		// Missing file is fine; defaults and environment cover it.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}
