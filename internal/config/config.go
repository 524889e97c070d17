// Package config loads sender configuration from an optional YAML file with
// environment-variable overrides. Missing credentials are the only fatal
// startup condition; everything else has a working default.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the sender.
type Config struct {
	DatabaseURL string        `yaml:"database_url"`
	RedisURL    string        `yaml:"redis_url"`
	ContactFile string        `yaml:"contact_file"`
	Resend      ResendConfig  `yaml:"resend"`
	Sending     SendingConfig `yaml:"sending"`
	Hours       HoursConfig   `yaml:"hours"`
	Server      ServerConfig  `yaml:"server"`
}

// ResendConfig holds the Resend provider credentials and sender identity.
type ResendConfig struct {
	APIKey    string `yaml:"api_key"`
	FromEmail string `yaml:"from_email"`
	FromName  string `yaml:"from_name"`
}

// SendingConfig holds throughput and eligibility tuning.
type SendingConfig struct {
	DailyLimit           int    `yaml:"daily_limit"`
	BatchSize            int    `yaml:"batch_size"`
	LookbackDays         int    `yaml:"lookback_days"`
	BatchCooldownSeconds int    `yaml:"batch_cooldown_seconds"`
	SendStaggerMillis    int    `yaml:"send_stagger_ms"`
	PassIntervalMinutes  int    `yaml:"pass_interval_minutes"`
	UnsubscribeBaseURL   string `yaml:"unsubscribe_base_url"`
}

// Lookback returns the per-campaign recency window.
func (c SendingConfig) Lookback() time.Duration {
	return time.Duration(c.LookbackDays) * 24 * time.Hour
}

// Cooldown returns the pause between dispatched batches.
func (c SendingConfig) Cooldown() time.Duration {
	return time.Duration(c.BatchCooldownSeconds) * time.Second
}

// Stagger returns the pause between send launches within a batch.
func (c SendingConfig) Stagger() time.Duration {
	return time.Duration(c.SendStaggerMillis) * time.Millisecond
}

// PassInterval returns the time between passes inside business hours.
func (c SendingConfig) PassInterval() time.Duration {
	return time.Duration(c.PassIntervalMinutes) * time.Minute
}

// HoursConfig holds the business-hours window.
type HoursConfig struct {
	Timezone  string   `yaml:"timezone"`
	StartHour int      `yaml:"start_hour"`
	EndHour   int      `yaml:"end_hour"`
	Weekdays  []string `yaml:"weekdays"`
}

// ServerConfig holds the optional status endpoint address.
type ServerConfig struct {
	StatusAddr string `yaml:"status_addr"`
}

// Load reads the YAML file at path (skipped when path is empty or the file
// does not exist), applies environment overrides and defaults, and
// validates required credentials. A .env file is consulted first so local
// secrets need not live in the shell environment.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	applyDefaults(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.RedisURL = v
	}
	if v := os.Getenv("RESEND_API_KEY"); v != "" {
		cfg.Resend.APIKey = v
	}
	if v := os.Getenv("RESEND_FROM_EMAIL"); v != "" {
		cfg.Resend.FromEmail = v
	}
	if v := os.Getenv("RESEND_FROM_NAME"); v != "" {
		cfg.Resend.FromName = v
	}
	if v := os.Getenv("CONTACT_FILE"); v != "" {
		cfg.ContactFile = v
	}
	if v := os.Getenv("DAILY_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sending.DailyLimit = n
		}
	}
	if v := os.Getenv("STATUS_ADDR"); v != "" {
		cfg.Server.StatusAddr = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Sending.DailyLimit == 0 {
		cfg.Sending.DailyLimit = 100
	}
	if cfg.Sending.BatchSize == 0 {
		cfg.Sending.BatchSize = 15
	}
	if cfg.Sending.LookbackDays == 0 {
		cfg.Sending.LookbackDays = 7
	}
	if cfg.Sending.BatchCooldownSeconds == 0 {
		cfg.Sending.BatchCooldownSeconds = 3
	}
	if cfg.Sending.SendStaggerMillis == 0 {
		cfg.Sending.SendStaggerMillis = 150
	}
	if cfg.Sending.PassIntervalMinutes == 0 {
		cfg.Sending.PassIntervalMinutes = 120
	}
	if cfg.Sending.UnsubscribeBaseURL == "" {
		cfg.Sending.UnsubscribeBaseURL = "https://treeoflifeagencies.com"
	}
	if cfg.Hours.Timezone == "" {
		cfg.Hours.Timezone = "America/New_York"
	}
	if cfg.Hours.StartHour == 0 && cfg.Hours.EndHour == 0 {
		cfg.Hours.StartHour = 9
		cfg.Hours.EndHour = 18
	}
	if len(cfg.Hours.Weekdays) == 0 {
		cfg.Hours.Weekdays = []string{"Monday", "Tuesday", "Wednesday", "Thursday", "Friday"}
	}
}

// validate enforces the fatal startup conditions. The database is required
// even in contact-file mode: the delivery log, suppression list, and
// sequence state all live there.
func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("configuration: DATABASE_URL is required")
	}
	if c.Resend.APIKey == "" {
		return fmt.Errorf("configuration: RESEND_API_KEY is required")
	}
	if c.Resend.FromEmail == "" {
		return fmt.Errorf("configuration: resend from_email is required")
	}
	return nil
}
