package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"radar-chart-bot/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Source    SourceConfig    `mapstructure:"source"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Manual    ManualConfig    `mapstructure:"manual"`
	Chart     ChartConfig     `mapstructure:"chart"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity. An empty DSN selects
// the in-memory store.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// SchedulerConfig governs the delivery loop.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	MaxSendsPerTick int           `mapstructure:"max_sends_per_tick"`
	LockTTL         time.Duration `mapstructure:"lock_ttl"`
	SendGap         time.Duration `mapstructure:"send_gap"`
	NotifyCooldown  time.Duration `mapstructure:"notify_cooldown"`
	DefaultInterval int           `mapstructure:"default_interval_minutes"`
	// AdvisoryLockKey guards ticks across replicas; 0 disables it.
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
}

// SourceConfig covers the ranking endpoint and its retry policy.
type SourceConfig struct {
	PublicBaseURL   string        `mapstructure:"public_base_url"`
	TokenBaseURL    string        `mapstructure:"token_base_url"`
	Path            string        `mapstructure:"path"`
	PublicSupported bool          `mapstructure:"public_supported"`
	Timeout         time.Duration `mapstructure:"timeout"`
	MaxRetries      int           `mapstructure:"max_retries"`
	BaseDelay       time.Duration `mapstructure:"base_delay"`
	Multiplier      float64       `mapstructure:"multiplier"`
	MaxRetryAfter   time.Duration `mapstructure:"max_retry_after"`
	UserAgent       string        `mapstructure:"user_agent"`
	Limit           int           `mapstructure:"limit"`
	Location        string        `mapstructure:"location"`
	// Mode, Token and Preset seed the settings used when neither the user
	// nor the global scope stores a value.
	Mode   string `mapstructure:"mode"`
	Token  string `mapstructure:"token"`
	Preset string `mapstructure:"preset"`
}

// TelegramConfig describes the bot connection.
type TelegramConfig struct {
	BotToken       string        `mapstructure:"bot_token"`
	APIBase        string        `mapstructure:"api_base"`
	PollTimeout    time.Duration `mapstructure:"poll_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	AdminIDs       []int64       `mapstructure:"admin_ids"`
}

// ManualConfig limits user-triggered sends.
type ManualConfig struct {
	Cooldown time.Duration `mapstructure:"cooldown"`
}

// ChartConfig tunes rendering.
type ChartConfig struct {
	Title   string        `mapstructure:"title"`
	Height  int           `mapstructure:"height"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// MetricsConfig exposes prometheus metrics when Listen is set.
type MetricsConfig struct {
	Listen string `mapstructure:"listen"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RADARBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "radarbot")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("scheduler.interval", "60s")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.max_sends_per_tick", 20)
	v.SetDefault("scheduler.lock_ttl", "10m")
	v.SetDefault("scheduler.send_gap", "200ms")
	v.SetDefault("scheduler.notify_cooldown", "6h")
	v.SetDefault("scheduler.default_interval_minutes", 60)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x72616461))

	v.SetDefault("source.public_base_url", "https://radar.cloudflare.com/api/v1")
	v.SetDefault("source.token_base_url", "https://api.cloudflare.com/client/v4/radar")
	v.SetDefault("source.path", "/http/top/locations")
	v.SetDefault("source.public_supported", true)
	v.SetDefault("source.timeout", "15s")
	v.SetDefault("source.max_retries", 2)
	v.SetDefault("source.base_delay", "1s")
	v.SetDefault("source.multiplier", 2.0)
	v.SetDefault("source.max_retry_after", "30s")
	v.SetDefault("source.limit", 10)
	v.SetDefault("source.mode", "auto")
	v.SetDefault("source.preset", "7d")

	v.SetDefault("telegram.api_base", "https://api.telegram.org")
	v.SetDefault("telegram.poll_timeout", "10s")
	v.SetDefault("telegram.request_timeout", "30s")

	v.SetDefault("manual.cooldown", "1m")

	v.SetDefault("chart.title", "Top locations by HTTP traffic")
	v.SetDefault("chart.height", 720)
	v.SetDefault("chart.timeout", "20s")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
		dc.WeaklyTypedInput = true
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Scheduler.MaxSendsPerTick <= 0 {
		return fmt.Errorf("scheduler.max_sends_per_tick must be greater than zero")
	}
	if c.Scheduler.LockTTL <= 0 {
		return fmt.Errorf("scheduler.lock_ttl must be greater than zero")
	}
	if c.Scheduler.SendGap < 0 {
		return fmt.Errorf("scheduler.send_gap cannot be negative")
	}
	if c.Scheduler.DefaultInterval < 3 || c.Scheduler.DefaultInterval > 1440 {
		return fmt.Errorf("scheduler.default_interval_minutes must be within [3, 1440]")
	}
	if c.Source.Limit < 1 || c.Source.Limit > 50 {
		return fmt.Errorf("source.limit must be within [1, 50]")
	}
	if c.Source.MaxRetries < 0 {
		return fmt.Errorf("source.max_retries cannot be negative")
	}
	if c.Source.Multiplier < 1 {
		return fmt.Errorf("source.multiplier must be at least 1")
	}
	if strings.TrimSpace(c.Source.PublicBaseURL) == "" && strings.TrimSpace(c.Source.TokenBaseURL) == "" {
		return fmt.Errorf("at least one of source.public_base_url or source.token_base_url is required")
	}
	if c.Manual.Cooldown < 0 {
		return fmt.Errorf("manual.cooldown cannot be negative")
	}
	return nil
}

// IsAdmin reports whether userID may manage global settings from chat.
func (c *Config) IsAdmin(userID int64) bool {
	for _, id := range c.Telegram.AdminIDs {
		if id == userID {
			return true
		}
	}
	return false
}
