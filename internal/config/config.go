// Package config provides Viper-based hierarchical configuration management.
// Values resolve from defaults, then an optional config.yaml, then FINBOT_*
// environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config is the complete application configuration.
type Config struct {
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`

	Database struct {
		Path           string `mapstructure:"path"`
		CategoriesFile string `mapstructure:"categories_file"`
	} `mapstructure:"database"`

	Admin struct {
		// AccountID is the single external account id authorized to invoke
		// memory/diagnostic commands.
		AccountID string `mapstructure:"account_id"`
	} `mapstructure:"admin"`

	Pending struct {
		PurchaseTimeout     time.Duration `mapstructure:"purchase_timeout"`
		InstallmentTimeout  time.Duration `mapstructure:"installment_timeout"`
		InvoiceTimeout      time.Duration `mapstructure:"invoice_timeout"`
		ResetTimeout        time.Duration `mapstructure:"reset_timeout"`
		CardCreationTimeout time.Duration `mapstructure:"card_creation_timeout"`
		DedupWindow         time.Duration `mapstructure:"dedup_window"`
		SweepInterval       time.Duration `mapstructure:"sweep_interval"`
	} `mapstructure:"pending"`

	Thresholds struct {
		LowBalance     float64 `mapstructure:"low_balance"`
		LowCardLimit   float64 `mapstructure:"low_card_limit"`
		CardUsageAlert float64 `mapstructure:"card_usage_alert"`
	} `mapstructure:"thresholds"`

	Reminder struct {
		Interval       time.Duration `mapstructure:"interval"`
		FirstPollDelay time.Duration `mapstructure:"first_poll_delay"`
		DueSoonDays    int           `mapstructure:"due_soon_days"`
	} `mapstructure:"reminder"`

	AI struct {
		Enabled bool   `mapstructure:"enabled"`
		Model   string `mapstructure:"model"`
		APIKey  string `mapstructure:"api_key"`
	} `mapstructure:"ai"`
}

// Load initializes Viper and returns the resolved configuration.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("$HOME/.finbot")
	v.AddConfigPath(".")

	v.SetEnvPrefix("FINBOT")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file %s: %w", v.ConfigFileUsed(), err)
		}
		// No config file is fine, defaults and env vars apply.
	}

	// The AI key always comes from the environment, never from the file.
	if err := v.BindEnv("ai.api_key", "GEMINI_API_KEY"); err != nil {
		return nil, fmt.Errorf("failed to bind GEMINI_API_KEY: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("database.path", "database/finbot.db")
	v.SetDefault("database.categories_file", "categories.yaml")

	v.SetDefault("admin.account_id", "")

	v.SetDefault("pending.purchase_timeout", 120*time.Second)
	v.SetDefault("pending.installment_timeout", 120*time.Second)
	v.SetDefault("pending.invoice_timeout", 120*time.Second)
	v.SetDefault("pending.reset_timeout", 120*time.Second)
	v.SetDefault("pending.card_creation_timeout", 180*time.Second)
	v.SetDefault("pending.dedup_window", 30*time.Second)
	v.SetDefault("pending.sweep_interval", 15*time.Second)

	v.SetDefault("thresholds.low_balance", 0.30)
	v.SetDefault("thresholds.low_card_limit", 0.20)
	v.SetDefault("thresholds.card_usage_alert", 0.30)

	v.SetDefault("reminder.interval", time.Hour)
	v.SetDefault("reminder.first_poll_delay", time.Minute)
	v.SetDefault("reminder.due_soon_days", 5)

	v.SetDefault("ai.enabled", false)
	v.SetDefault("ai.model", "gemini-2.0-flash")
}

func validate(cfg *Config) error {
	if _, err := logrus.ParseLevel(cfg.Log.Level); err != nil {
		return fmt.Errorf("invalid log level: %s", cfg.Log.Level)
	}

	if cfg.Log.Format != "text" && cfg.Log.Format != "json" {
		return fmt.Errorf("invalid log format: %s (must be 'text' or 'json')", cfg.Log.Format)
	}

	if cfg.Database.Path == "" {
		return fmt.Errorf("database.path must not be empty")
	}

	for name, d := range map[string]time.Duration{
		"pending.purchase_timeout":      cfg.Pending.PurchaseTimeout,
		"pending.installment_timeout":   cfg.Pending.InstallmentTimeout,
		"pending.invoice_timeout":       cfg.Pending.InvoiceTimeout,
		"pending.reset_timeout":         cfg.Pending.ResetTimeout,
		"pending.card_creation_timeout": cfg.Pending.CardCreationTimeout,
		"pending.dedup_window":          cfg.Pending.DedupWindow,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	for name, f := range map[string]float64{
		"thresholds.low_balance":      cfg.Thresholds.LowBalance,
		"thresholds.low_card_limit":   cfg.Thresholds.LowCardLimit,
		"thresholds.card_usage_alert": cfg.Thresholds.CardUsageAlert,
	} {
		if f < 0 || f > 1 {
			return fmt.Errorf("%s must be between 0.0 and 1.0, got: %f", name, f)
		}
	}

	if cfg.Reminder.DueSoonDays < 1 {
		return fmt.Errorf("reminder.due_soon_days must be at least 1")
	}

	if cfg.AI.Enabled && cfg.AI.APIKey == "" {
		return fmt.Errorf("GEMINI_API_KEY required when AI classification is enabled")
	}

	return nil
}
