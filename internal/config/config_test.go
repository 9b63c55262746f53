package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"panicwatch/internal/detection"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "app:\n  name: panicwatch\n"))
	require.NoError(t, err)

	assert.Equal(t, 24*time.Hour, cfg.Scheduler.Interval)
	assert.Equal(t, 2*time.Second, cfg.Tracker.InitialBackoff)
	assert.Equal(t, 5, cfg.Tracker.MaxRetries)
	assert.Equal(t, 30, cfg.Tracker.MaxRangeDays)
	assert.Equal(t, ":5000", cfg.Server.Addr)
	assert.Equal(t, 10*time.Minute, cfg.Server.CycleTimeout)
	assert.Equal(t, 100000, cfg.Export.MaxEvents)
	assert.Equal(t, []string{"telegram"}, cfg.Alerting.Channels)
	assert.Equal(t, detection.DefaultThresholds(), cfg.Thresholds)
	assert.Empty(t, cfg.ParsedThresholds().Invalid())
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	t.Setenv("PANICWATCH_THRESHOLDS_RMSSD", "42")
	t.Setenv("PANICWATCH_TRACKER_TIMEZONE", "Europe/Berlin")

	cfg, err := Load(writeConfig(t, `
scheduler:
  interval: 6h
thresholds:
  hr_sustained_duration: 3
alerting:
  channels: telegram,email
`))
	require.NoError(t, err)

	assert.Equal(t, 6*time.Hour, cfg.Scheduler.Interval)
	assert.Equal(t, "42", cfg.Thresholds[detection.KeyRMSSD])

	parsed := cfg.ParsedThresholds()
	assert.Equal(t, 42.0, parsed.RMSSD)
	assert.Equal(t, 3*time.Minute, parsed.SustainedDuration)
	assert.Equal(t, []string{"telegram", "email"}, cfg.Alerting.Channels)

	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, "Europe/Berlin", loc.String())
}

func TestLoadKeepsInvalidThresholds(t *testing.T) {
	cfg, err := Load(writeConfig(t, "thresholds:\n  hr_spike_increase: lots\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{detection.KeySpikeIncrease}, cfg.ParsedThresholds().Invalid())
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Scheduler: SchedulerConfig{Interval: time.Hour},
			Tracker:   TrackerConfig{InitialBackoff: time.Second, MaxRetries: 5, MaxRangeDays: 30, Timezone: "UTC"},
			Server:    ServerConfig{CycleTimeout: time.Minute},
			Export:    ExportConfig{MaxEvents: 10},
		}
	}

	cfg := valid()
	require.NoError(t, cfg.Validate())

	cases := map[string]func(*Config){
		"max events":     func(c *Config) { c.Export.MaxEvents = 0 },
		"interval":       func(c *Config) { c.Scheduler.Interval = 0 },
		"retries":        func(c *Config) { c.Tracker.MaxRetries = 0 },
		"backoff":        func(c *Config) { c.Tracker.InitialBackoff = 0 },
		"range":          func(c *Config) { c.Tracker.MaxRangeDays = 0 },
		"timezone":       func(c *Config) { c.Tracker.Timezone = "Mars/Olympus" },
		"cycle timeout":  func(c *Config) { c.Server.CycleTimeout = 0 },
		"telegram token": func(c *Config) { c.Alerting.Telegram = TelegramConfig{Enabled: true, ChatID: "1"} },
		"telegram chat":  func(c *Config) { c.Alerting.Telegram = TelegramConfig{Enabled: true, BotToken: "t"} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := valid()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestResolveMaxEvents(t *testing.T) {
	cfg := Config{Export: ExportConfig{MaxEvents: 50}}
	assert.Equal(t, 50, cfg.ResolveMaxEvents(0))
	assert.Equal(t, 7, cfg.ResolveMaxEvents(7))
}
