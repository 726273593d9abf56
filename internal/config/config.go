// Package config provides YAML-based configuration loading for dingline.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config is the top-level dingline configuration, loaded from dingline.yaml.
type Config struct {
	DingTalk  DingTalkConfig   `yaml:"dingtalk"`
	Log       LogConfig        `yaml:"log"`
	Journal   JournalConfig    `yaml:"journal"`
	Server    ServerConfig     `yaml:"server"`
	Relay     RelayConfig      `yaml:"relay"`
	Commands  CommandsConfig   `yaml:"commands"`
	Metrics   MetricsConfig    `yaml:"metrics"`
	Schedules []ScheduleConfig `yaml:"schedules"`
}

// DingTalkConfig holds the robot credential and connection tuning.
type DingTalkConfig struct {
	ClientID            string `yaml:"client_id"`
	ClientSecret        string `yaml:"client_secret"`
	HeartbeatIntervalMs int    `yaml:"heartbeat_interval_ms"`
	ReconnectIntervalMs int    `yaml:"reconnect_interval_ms"`
	MaxReconnectCount   int    `yaml:"max_reconnect_count"`
	RequestTimeoutMs    int    `yaml:"request_timeout_ms"`
	Sandbox             bool   `yaml:"sandbox"`
	APIBaseURL          string `yaml:"api_base_url"`
	OAPIBaseURL         string `yaml:"oapi_base_url"`
}

func (d DingTalkConfig) HeartbeatInterval() time.Duration {
	return time.Duration(d.HeartbeatIntervalMs) * time.Millisecond
}

func (d DingTalkConfig) ReconnectInterval() time.Duration {
	return time.Duration(d.ReconnectIntervalMs) * time.Millisecond
}

func (d DingTalkConfig) RequestTimeout() time.Duration {
	return time.Duration(d.RequestTimeoutMs) * time.Millisecond
}

// LogConfig controls the zap logger. Output is "stdout", "stderr" or a file
// path; files are rotated.
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// JournalConfig selects the message journal database. Driver is "sqlite"
// (Path) or "mysql" (MySQL).
type JournalConfig struct {
	Enabled       bool        `yaml:"enabled"`
	Driver        string      `yaml:"driver"`
	Path          string      `yaml:"path"`
	MySQL         MySQLConfig `yaml:"mysql"`
	RetentionDays int         `yaml:"retention_days"` // 0 keeps entries forever
}

// MySQLConfig holds connection settings for a MySQL journal.
type MySQLConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// ServerConfig controls the dashboard HTTP server. Token, when set, is
// required as a bearer token on every route but /healthz; binding a
// non-loopback Host requires it.
type ServerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	Token   string `yaml:"token"`
}

// RelayConfig mirrors bus events to Redis. The relay is off when RedisURL
// is empty.
type RelayConfig struct {
	RedisURL     string `yaml:"redis_url"`
	Channel      string `yaml:"channel"`
	Stream       string `yaml:"stream"`
	StreamMaxLen int64  `yaml:"stream_max_len"`
}

// CommandsConfig controls the chat command router.
type CommandsConfig struct {
	Disabled bool   `yaml:"disabled"`
	Prefix   string `yaml:"prefix"`
}

// MetricsConfig controls Prometheus metric naming.
type MetricsConfig struct {
	Namespace string `yaml:"namespace"`
}

// ScheduleConfig is a message posted on a cron schedule.
type ScheduleConfig struct {
	Name       string `yaml:"name"`
	Cron       string `yaml:"cron"`
	TargetType string `yaml:"target_type"`
	TargetID   string `yaml:"target_id"`
	Text       string `yaml:"text"`
}

// Load reads a YAML config file from path and returns a validated Config.
// A .env file next to the config is loaded into the environment first so
// that ${VAR} references in the YAML can resolve against it.
func Load(path string) (*Config, error) {
	envFile := filepath.Join(filepath.Dir(path), ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load %s: %w", envFile, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse expands ${VAR} references and unmarshals YAML bytes into a
// validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	d := &c.DingTalk
	if d.HeartbeatIntervalMs == 0 {
		d.HeartbeatIntervalMs = 3000
	}
	if d.ReconnectIntervalMs == 0 {
		d.ReconnectIntervalMs = 3000
	}
	if d.MaxReconnectCount == 0 {
		d.MaxReconnectCount = 10
	}
	if d.RequestTimeoutMs == 0 {
		d.RequestTimeoutMs = 10000
	}
	if d.APIBaseURL == "" {
		d.APIBaseURL = "https://api.dingtalk.com"
	}
	if d.OAPIBaseURL == "" {
		d.OAPIBaseURL = "https://oapi.dingtalk.com"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if c.Log.Output == "" {
		c.Log.Output = "stdout"
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = 100
	}
	if c.Log.MaxBackups == 0 {
		c.Log.MaxBackups = 3
	}
	if c.Log.MaxAgeDays == 0 {
		c.Log.MaxAgeDays = 28
	}

	if c.Journal.Driver == "" {
		c.Journal.Driver = "sqlite"
	}
	if c.Journal.Driver == "sqlite" && c.Journal.Path == "" {
		c.Journal.Path = "dingline.db"
	}
	if c.Journal.MySQL.Host == "" {
		c.Journal.MySQL.Host = "127.0.0.1"
	}
	if c.Journal.MySQL.Port == 0 {
		c.Journal.MySQL.Port = 3306
	}
	if c.Journal.MySQL.User == "" {
		c.Journal.MySQL.User = "root"
	}
	if c.Journal.MySQL.Database == "" {
		c.Journal.MySQL.Database = "dingline"
	}

	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Relay.Channel == "" {
		c.Relay.Channel = "dingline:events"
	}
	if c.Relay.Stream == "" {
		c.Relay.Stream = "dingline:journal"
	}
	if c.Relay.StreamMaxLen == 0 {
		c.Relay.StreamMaxLen = 10000
	}
	if c.Commands.Prefix == "" {
		c.Commands.Prefix = "!dl"
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "dingline"
	}
	for i := range c.Schedules {
		if c.Schedules[i].TargetType == "" {
			c.Schedules[i].TargetType = "group"
		}
	}
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.DingTalk.ClientID == "" {
		errs = append(errs, "dingtalk.client_id is required")
	}
	if c.DingTalk.ClientSecret == "" {
		errs = append(errs, "dingtalk.client_secret is required")
	}
	if c.DingTalk.HeartbeatIntervalMs < 0 {
		errs = append(errs, "dingtalk.heartbeat_interval_ms must be positive")
	}
	if c.DingTalk.ReconnectIntervalMs < 0 {
		errs = append(errs, "dingtalk.reconnect_interval_ms must be positive")
	}
	if c.DingTalk.MaxReconnectCount < 0 {
		errs = append(errs, "dingtalk.max_reconnect_count must not be negative")
	}
	if c.DingTalk.RequestTimeoutMs < 0 {
		errs = append(errs, "dingtalk.request_timeout_ms must be positive")
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	if c.Log.Format != "console" && c.Log.Format != "json" {
		errs = append(errs, fmt.Sprintf("log.format %q must be console or json", c.Log.Format))
	}

	switch c.Journal.Driver {
	case "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("journal.driver %q must be sqlite or mysql", c.Journal.Driver))
	}
	if c.Journal.RetentionDays < 0 {
		errs = append(errs, "journal.retention_days must not be negative")
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port %d is out of range", c.Server.Port))
	}
	if c.Server.Enabled && c.Server.Token == "" && !isLoopback(c.Server.Host) {
		errs = append(errs, fmt.Sprintf("server.token is required when server.host %q is not a loopback address", c.Server.Host))
	}

	for i, s := range c.Schedules {
		if s.Name == "" {
			errs = append(errs, fmt.Sprintf("schedules[%d].name is required", i))
		}
		if _, err := cron.ParseStandard(s.Cron); err != nil {
			errs = append(errs, fmt.Sprintf("schedules[%d].cron %q: %v", i, s.Cron, err))
		}
		if s.TargetType != "group" && s.TargetType != "private" {
			errs = append(errs, fmt.Sprintf("schedules[%d].target_type %q must be group or private", i, s.TargetType))
		}
		if s.TargetID == "" {
			errs = append(errs, fmt.Sprintf("schedules[%d].target_id is required", i))
		}
		if s.Text == "" {
			errs = append(errs, fmt.Sprintf("schedules[%d].text is required", i))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
