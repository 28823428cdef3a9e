// Package config provides YAML-based configuration loading for Cafeyard.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the top-level Cafeyard configuration, loaded from cafeyard.yaml.
type Config struct {
	Owner     string           `yaml:"owner"`
	Timezone  string           `yaml:"timezone"`
	Database  DatabaseConfig   `yaml:"database"`
	Session   SessionConfig    `yaml:"session"`
	Bridge    ServiceConfig    `yaml:"bridge"`
	Content   ServiceConfig    `yaml:"content"`
	Queue     QueueConfig      `yaml:"queue"`
	Batch     BatchConfig      `yaml:"batch"`
	Dashboard DashboardConfig  `yaml:"dashboard"`
	Alerts    AlertsConfig     `yaml:"alerts"`
	Schedules []ScheduleConfig `yaml:"schedules"`
	Accounts  []AccountConfig  `yaml:"accounts"`
	Cafes     []CafeConfig     `yaml:"cafes"`
	Log       LogConfig        `yaml:"log"`
}

// DatabaseConfig selects and addresses the backing store.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // "mysql" or "sqlite"
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Path     string `yaml:"path"` // sqlite file
}

// SessionConfig holds the keys used to sign and encrypt persisted sessions.
type SessionConfig struct {
	HashKey  string `yaml:"hash_key"`
	BlockKey string `yaml:"block_key"`
}

// ServiceConfig addresses an HTTP collaborator (platform bridge or content service).
type ServiceConfig struct {
	BaseURL      string        `yaml:"base_url"`
	TokenURL     string        `yaml:"token_url"`
	ClientID     string        `yaml:"client_id"`
	ClientSecret string        `yaml:"client_secret"`
	Scopes       []string      `yaml:"scopes"`
	RatePerSec   float64       `yaml:"rate_per_sec"`
	Burst        int           `yaml:"burst"`
	Timeout      time.Duration `yaml:"timeout"`
}

// Range is an inclusive millisecond interval.
type Range struct {
	Min int64 `yaml:"min"`
	Max int64 `yaml:"max"`
}

// QueueConfig seeds QueueSettings and tunes the worker loop.
type QueueConfig struct {
	BetweenPosts      Range         `yaml:"between_posts"`
	BetweenComments   Range         `yaml:"between_comments"`
	AfterPost         Range         `yaml:"after_post"`
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryBackoff      time.Duration `yaml:"retry_backoff"`
	JobTimeout        time.Duration `yaml:"job_timeout"`
	EnforceDailyLimit *bool         `yaml:"enforce_daily_limit"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	StaleThreshold    time.Duration `yaml:"stale_threshold"`
	RosterRefresh     time.Duration `yaml:"roster_refresh"`
}

// BatchConfig holds orchestrator defaults.
type BatchConfig struct {
	CommentersPerPost int     `yaml:"commenters_per_post"` // 0 = every other account
	ReplyRatio        float64 `yaml:"reply_ratio"`
}

// DashboardConfig holds the operational API settings.
type DashboardConfig struct {
	Port int `yaml:"port"`
}

// AlertsConfig configures operator notifications.
type AlertsConfig struct {
	Discord DiscordConfig `yaml:"discord"`
	Slack   SlackConfig   `yaml:"slack"`
}

// DiscordConfig configures the Discord notifier.
type DiscordConfig struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// SlackConfig configures the Slack notifier.
type SlackConfig struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// ScheduleConfig triggers a batch on a cron expression.
type ScheduleConfig struct {
	Name   string   `yaml:"name"`
	Cron   string   `yaml:"cron"`
	Cafe   string   `yaml:"cafe"`
	Topics []string `yaml:"topics"`
}

// AccountConfig seeds an Account row.
type AccountConfig struct {
	ID             string `yaml:"id"`
	Credential     string `yaml:"credential"`
	Nickname       string `yaml:"nickname"`
	Main           bool   `yaml:"main"`
	DailyPostLimit int    `yaml:"daily_post_limit"`
	ActiveFrom     *int   `yaml:"active_from"`
	ActiveUntil    *int   `yaml:"active_until"`
	RestDays       []int  `yaml:"rest_days"`
}

// CafeConfig seeds a Cafe row.
type CafeConfig struct {
	ID          string            `yaml:"id"`
	Name        string            `yaml:"name"`
	Categories  []string          `yaml:"categories"`
	MenuMapping map[string]string `yaml:"menu_mapping"`
	Default     bool              `yaml:"default"`
}

// LogConfig configures the logrus logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
}

// Load reads a YAML config file from path and returns a validated Config.
// A .env file next to the working directory is loaded first when present, and
// ${VAR} references in the YAML are expanded from the environment.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse([]byte(os.ExpandEnv(string(data))))
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Location resolves the configured timezone, falling back to the local zone.
func (c *Config) Location() *time.Location {
	if c.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "mysql"
	}
	if c.Database.Driver == "mysql" {
		if c.Database.Host == "" {
			c.Database.Host = "127.0.0.1"
		}
		if c.Database.Port == 0 {
			c.Database.Port = 3306
		}
		if c.Database.User == "" {
			c.Database.User = "root"
		}
		if c.Database.Name == "" && c.Owner != "" {
			c.Database.Name = "cafeyard_" + c.Owner
		}
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		c.Database.Path = "cafeyard.db"
	}

	q := &c.Queue
	if q.BetweenPosts == (Range{}) {
		q.BetweenPosts = Range{Min: 5 * 60 * 1000, Max: 15 * 60 * 1000}
	}
	if q.BetweenComments == (Range{}) {
		q.BetweenComments = Range{Min: 60 * 1000, Max: 3 * 60 * 1000}
	}
	if q.AfterPost == (Range{}) {
		q.AfterPost = Range{Min: 2 * 60 * 1000, Max: 5 * 60 * 1000}
	}
	if q.RetryAttempts == 0 {
		q.RetryAttempts = 3
	}
	if q.RetryBackoff == 0 {
		q.RetryBackoff = time.Minute
	}
	if q.JobTimeout == 0 {
		q.JobTimeout = 3 * time.Minute
	}
	if q.EnforceDailyLimit == nil {
		enforce := true
		q.EnforceDailyLimit = &enforce
	}
	if q.PollInterval == 0 {
		q.PollInterval = 5 * time.Second
	}
	if q.HeartbeatInterval == 0 {
		q.HeartbeatInterval = 10 * time.Second
	}
	if q.StaleThreshold == 0 {
		q.StaleThreshold = 90 * time.Second
	}
	if q.RosterRefresh == 0 {
		q.RosterRefresh = time.Minute
	}

	for _, svc := range []*ServiceConfig{&c.Bridge, &c.Content} {
		if svc.RatePerSec == 0 {
			svc.RatePerSec = 1
		}
		if svc.Burst == 0 {
			svc.Burst = 1
		}
		if svc.Timeout == 0 {
			svc.Timeout = 2 * time.Minute
		}
	}

	if c.Dashboard.Port == 0 {
		c.Dashboard.Port = 8080
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.Owner == "" {
		errs = append(errs, "owner is required")
	}
	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			errs = append(errs, fmt.Sprintf("timezone %q is invalid", c.Timezone))
		}
	}
	switch c.Database.Driver {
	case "mysql", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q must be mysql or sqlite", c.Database.Driver))
	}

	for name, r := range map[string]Range{
		"between_posts":    c.Queue.BetweenPosts,
		"between_comments": c.Queue.BetweenComments,
		"after_post":       c.Queue.AfterPost,
	} {
		if r.Min < 0 || r.Max < r.Min {
			errs = append(errs, fmt.Sprintf("queue.%s must satisfy 0 <= min <= max", name))
		}
	}
	if c.Queue.RetryAttempts < 1 {
		errs = append(errs, "queue.retry_attempts must be at least 1")
	}
	if c.Batch.ReplyRatio < 0 || c.Batch.ReplyRatio > 1 {
		errs = append(errs, "batch.reply_ratio must be between 0 and 1")
	}
	if c.Batch.CommentersPerPost < 0 {
		errs = append(errs, "batch.commenters_per_post must not be negative")
	}

	seen := make(map[string]bool)
	for i, a := range c.Accounts {
		if a.ID == "" {
			errs = append(errs, fmt.Sprintf("accounts[%d].id is required", i))
			continue
		}
		if seen[a.ID] {
			errs = append(errs, fmt.Sprintf("accounts[%d].id %q is duplicated", i, a.ID))
		}
		seen[a.ID] = true
		for _, d := range a.RestDays {
			if d < 0 || d > 6 {
				errs = append(errs, fmt.Sprintf("accounts[%d].rest_days contains %d, want 0-6", i, d))
			}
		}
	}

	defaults := 0
	for i, cf := range c.Cafes {
		if cf.ID == "" {
			errs = append(errs, fmt.Sprintf("cafes[%d].id is required", i))
		}
		if cf.Default {
			defaults++
		}
	}
	if defaults > 1 {
		errs = append(errs, "at most one cafe may be marked default")
	}

	for i, s := range c.Schedules {
		if s.Cron == "" {
			errs = append(errs, fmt.Sprintf("schedules[%d].cron is required", i))
		}
		if len(s.Topics) == 0 {
			errs = append(errs, fmt.Sprintf("schedules[%d].topics must not be empty", i))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
