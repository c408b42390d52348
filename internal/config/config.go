package config

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"agromet-quillota/internal/models"
)

// Config is the single logical configuration tree, loaded from a YAML file
// at startup and swapped atomically on reload.
type Config struct {
	Database DatabaseConfig `yaml:"database" validate:"required"`
	Server   ServerConfig   `yaml:"server"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Paths    PathsConfig    `yaml:"paths"`
	Logging  LoggingConfig  `yaml:"logging"`

	Stations   []models.Station                 `yaml:"stations" validate:"required,min=1,dive"`
	Recipients []models.Recipient               `yaml:"recipients" validate:"dive"`
	Channels   map[models.Channel]ChannelConfig `yaml:"channels"`
	Thresholds map[string]float64               `yaml:"thresholds"`

	CadenceSeconds                      int `yaml:"cadence_seconds"`
	MaxConcurrentFetches                int `yaml:"max_concurrent_fetches"`
	CoolDownMinutes                     int `yaml:"cool_down_minutes"`
	SnapshotWindowHours                 int `yaml:"snapshot_window_hours"`
	MaxNotificationsPerRecipientPerHour int `yaml:"max_notifications_per_recipient_per_hour"`

	Retention RetentionConfig `yaml:"retention_days"`
}

// DatabaseConfig mirrors pkg/database.Config.
type DatabaseConfig struct {
	Host            string        `yaml:"host" validate:"required"`
	Port            int           `yaml:"port" validate:"required,gt=0"`
	User            string        `yaml:"user" validate:"required"`
	PasswordEnv     string        `yaml:"password_env"`
	Database        string        `yaml:"database" validate:"required"`
	SSLMode         string        `yaml:"ssl_mode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// Password resolves the database password from the configured environment
// variable. Credentials never live in the config file itself.
func (d DatabaseConfig) Password() string {
	if d.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(d.PasswordEnv)
}

// ServerConfig configures the read-only status HTTP server.
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// UpstreamConfig points at the Open-Meteo-shaped weather API.
type UpstreamConfig struct {
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	UserAgent      string `yaml:"user_agent"`
}

// Timeout returns the per-request HTTP timeout.
func (u UpstreamConfig) Timeout() time.Duration {
	if u.TimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(u.TimeoutSeconds) * time.Second
}

// PathsConfig locates the file-based outputs consumed by dashboards.
type PathsConfig struct {
	SnapshotDir  string `yaml:"snapshot_dir"`
	CycleLogFile string `yaml:"cycle_log_file"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// ChannelConfig enables a notification channel and names the environment
// variables holding its credentials.
type ChannelConfig struct {
	Enabled        bool              `yaml:"enabled"`
	CredentialEnvs map[string]string `yaml:"credential_envs"`
}

// Credentials resolves the channel credentials from the environment.
func (c ChannelConfig) Credentials() map[string]string {
	out := make(map[string]string, len(c.CredentialEnvs))
	for key, envName := range c.CredentialEnvs {
		out[key] = os.Getenv(envName)
	}
	return out
}

// RetentionConfig holds per-entity retention in days.
type RetentionConfig struct {
	Readings  int `yaml:"readings"`
	Forecasts int `yaml:"forecasts"`
	Alerts    int `yaml:"alerts"`
}

const (
	minCadenceSeconds = 300

	defaultCadenceSeconds        = 3600
	defaultMaxConcurrentFetches  = 4
	defaultCoolDownMinutes       = 60
	defaultSnapshotWindowHours   = 6
	defaultMaxPerRecipientHour   = 10
	defaultReadingRetentionDays  = 365
	defaultForecastRetentionDays = 14
	defaultAlertRetentionDays    = 30
)

// Load reads, defaults and validates the configuration file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.CadenceSeconds == 0 {
		c.CadenceSeconds = defaultCadenceSeconds
	}
	if c.MaxConcurrentFetches <= 0 {
		c.MaxConcurrentFetches = defaultMaxConcurrentFetches
	}
	if c.CoolDownMinutes <= 0 {
		c.CoolDownMinutes = defaultCoolDownMinutes
	}
	if c.SnapshotWindowHours <= 0 {
		c.SnapshotWindowHours = defaultSnapshotWindowHours
	}
	if c.MaxNotificationsPerRecipientPerHour <= 0 {
		c.MaxNotificationsPerRecipientPerHour = defaultMaxPerRecipientHour
	}
	if c.Retention.Readings <= 0 {
		c.Retention.Readings = defaultReadingRetentionDays
	}
	if c.Retention.Forecasts <= 0 {
		c.Retention.Forecasts = defaultForecastRetentionDays
	}
	if c.Retention.Alerts <= 0 {
		c.Retention.Alerts = defaultAlertRetentionDays
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Database.MaxOpenConns <= 0 {
		c.Database.MaxOpenConns = 10
	}
	if c.Database.MaxIdleConns <= 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Database.ConnMaxLifetime <= 0 {
		c.Database.ConnMaxLifetime = 30 * time.Minute
	}
	if c.Database.ConnMaxIdleTime <= 0 {
		c.Database.ConnMaxIdleTime = 5 * time.Minute
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout <= 0 {
		c.Server.ReadTimeout = 10 * time.Second
	}
	if c.Server.WriteTimeout <= 0 {
		c.Server.WriteTimeout = 10 * time.Second
	}
	if c.Server.IdleTimeout <= 0 {
		c.Server.IdleTimeout = 60 * time.Second
	}
	if c.Upstream.BaseURL == "" {
		c.Upstream.BaseURL = "https://api.open-meteo.com/v1/forecast"
	}
	if c.Upstream.UserAgent == "" {
		c.Upstream.UserAgent = "agromet-quillota/1.0"
	}
	if c.Paths.SnapshotDir == "" {
		c.Paths.SnapshotDir = "./data"
	}
	if c.Paths.CycleLogFile == "" {
		c.Paths.CycleLogFile = "./data/cycles.log"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks structural validity plus the cross-field rules the struct
// tags cannot express. Returns a human-readable error on failure.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.CadenceSeconds < minCadenceSeconds {
		return fmt.Errorf("invalid configuration: cadence_seconds must be at least %d, got %d",
			minCadenceSeconds, c.CadenceSeconds)
	}

	seen := make(map[string]bool, len(c.Stations))
	for _, st := range c.Stations {
		if seen[st.ID] {
			return fmt.Errorf("invalid configuration: duplicate station id %q", st.ID)
		}
		seen[st.ID] = true
	}

	for _, rcp := range c.Recipients {
		if !rcp.MinSeverity.Valid() {
			return fmt.Errorf("invalid configuration: recipient %q has unknown min_severity %q",
				rcp.ID, rcp.MinSeverity)
		}
		for _, ch := range rcp.ChannelsEnabled {
			switch ch {
			case models.ChannelSMS, models.ChannelWhatsApp, models.ChannelEmail:
			default:
				return fmt.Errorf("invalid configuration: recipient %q enables unknown channel %q",
					rcp.ID, ch)
			}
		}
	}

	return nil
}

// Cadence returns the cycle interval.
func (c *Config) Cadence() time.Duration {
	return time.Duration(c.CadenceSeconds) * time.Second
}

// CoolDown returns the alert cool-down window.
func (c *Config) CoolDown() time.Duration {
	return time.Duration(c.CoolDownMinutes) * time.Minute
}

// SnapshotWindow returns the open-alert window for the snapshot.
func (c *Config) SnapshotWindow() time.Duration {
	return time.Duration(c.SnapshotWindowHours) * time.Hour
}

// Threshold returns a per-rule threshold override, or the given default.
func (c *Config) Threshold(key string, def float64) float64 {
	if v, ok := c.Thresholds[key]; ok {
		return v
	}
	return def
}

// ChannelEnabled reports whether a channel is globally enabled.
func (c *Config) ChannelEnabled(ch models.Channel) bool {
	cc, ok := c.Channels[ch]
	return ok && cc.Enabled
}

// Provider hands out the current Config and supports atomic replacement on
// reload. Readers never block.
type Provider struct {
	current atomic.Pointer[Config]
	path    string
}

// NewProvider wraps an already-loaded Config.
func NewProvider(path string, cfg *Config) *Provider {
	p := &Provider{path: path}
	p.current.Store(cfg)
	return p
}

// Current returns the active configuration.
func (p *Provider) Current() *Config {
	return p.current.Load()
}

// Reload re-reads the config file. A failed load or validation leaves the
// running config intact and returns the error.
func (p *Provider) Reload() error {
	cfg, err := Load(p.path)
	if err != nil {
		return err
	}
	p.current.Store(cfg)
	return nil
}
