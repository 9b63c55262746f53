package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"panicwatch/internal/detection"
	"panicwatch/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App        AppConfig         `mapstructure:"app"`
	Logging    logging.Config    `mapstructure:"logging"`
	Database   DatabaseConfig    `mapstructure:"database"`
	Scheduler  SchedulerConfig   `mapstructure:"scheduler"`
	Tracker    TrackerConfig     `mapstructure:"tracker"`
	Thresholds map[string]string `mapstructure:"thresholds"`
	Alerting   AlertingConfig    `mapstructure:"alerting"`
	Server     ServerConfig      `mapstructure:"server"`
	Export     ExportConfig      `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
	PingOnStart     bool          `mapstructure:"ping_on_start"`
}

// SchedulerConfig governs the polling trigger.
type SchedulerConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// TrackerConfig captures fitness-tracker API connectivity.
type TrackerConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	AccessToken    string        `mapstructure:"access_token"`
	SubscriptionID string        `mapstructure:"subscription_id"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxRetries     int           `mapstructure:"max_retries"`
	MaxRangeDays   int           `mapstructure:"max_range_days"`
	Timezone       string        `mapstructure:"timezone"`
}

// AlertingConfig defines alert routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Channels []string       `mapstructure:"channels"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes the Telegram alert channel.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ServerConfig configures the webhook and query HTTP surface.
type ServerConfig struct {
	Addr             string        `mapstructure:"addr"`
	VerificationCode string        `mapstructure:"verification_code"`
	CycleTimeout     time.Duration `mapstructure:"cycle_timeout"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout  time.Duration `mapstructure:"shutdown_timeout"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxEvents int `mapstructure:"max_events"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PANICWATCH")
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
	v.SetDefault("app.name", "panicwatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.interval", "24h")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x70616e63))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("tracker.base_url", "https://api.fitbit.com")
	v.SetDefault("tracker.request_timeout", "15s")
	v.SetDefault("tracker.user_agent", "panicwatch/1.0")
	v.SetDefault("tracker.initial_backoff", "2s")
	v.SetDefault("tracker.max_retries", 5)
	v.SetDefault("tracker.max_range_days", 30)
	v.SetDefault("tracker.timezone", "UTC")
	v.SetDefault("tracker.subscription_id", "1")

	// each key registered individually so env overrides resolve
	for key, value := range detection.DefaultThresholds() {
		v.SetDefault("thresholds."+key, value)
	}

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("server.addr", ":5000")
	v.SetDefault("server.cycle_timeout", "10m")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("export.max_events", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "")
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("database.ping_on_start", true)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.WeaklyTypedInput = true
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
// Thresholds are not checked here: invalid ones disable their detectors instead.
func (c *Config) Validate() error {
	if c.Export.MaxEvents <= 0 {
		return fmt.Errorf("export.max_events must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Tracker.MaxRetries <= 0 {
		return fmt.Errorf("tracker.max_retries must be greater than zero")
	}
	if c.Tracker.InitialBackoff <= 0 {
		return fmt.Errorf("tracker.initial_backoff must be greater than zero")
	}
	if c.Tracker.MaxRangeDays <= 0 {
		return fmt.Errorf("tracker.max_range_days must be greater than zero")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.Server.CycleTimeout <= 0 {
		return fmt.Errorf("server.cycle_timeout must be greater than zero")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token must be set")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id must be set")
		}
	}
	return nil
}

// Location resolves tracker.timezone.
func (c *Config) Location() (*time.Location, error) {
	name := c.Tracker.Timezone
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("tracker.timezone %q: %w", name, err)
	}
	return loc, nil
}

// ParsedThresholds parses the configured thresholds.
func (c *Config) ParsedThresholds() detection.Thresholds {
	return detection.ParseThresholds(c.Thresholds)
}

// ResolveMaxEvents returns either the CLI override or config default.
func (c *Config) ResolveMaxEvents(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxEvents
}
