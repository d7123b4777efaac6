// Package config loads the daemon configuration from a yaml file with
// environment overrides for the secrets.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from yaml strings such as
// "30s" or "2m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full daemon configuration.
type Config struct {
	Feed    Feed    `yaml:"feed"`
	Redis   Redis   `yaml:"redis"`
	Metrics Metrics `yaml:"metrics"`
	Log     Log     `yaml:"log"`
}

// Feed configures the upstream vendor connection. The timer fields are
// optional; zero values keep the built-in schedule (connect 30s, data
// request 60s, health check 60s, frame stale 5m, pong stale 2m,
// reconnect base 5s growing 1.5x up to 10 attempts).
type Feed struct {
	URL        string `yaml:"url"`
	APIKey     string `yaml:"api_key"`
	ClientCode string `yaml:"client_code"`
	JWT        string `yaml:"jwt"`
	FeedToken  string `yaml:"feed_token"`
	TOTPSecret string `yaml:"totp_secret"`

	ConnectTimeout      Duration `yaml:"connect_timeout"`
	DataRequestInterval Duration `yaml:"data_request_interval"`
	HealthInterval      Duration `yaml:"health_interval"`
	FrameStale          Duration `yaml:"frame_stale"`
	PongStale           Duration `yaml:"pong_stale"`
	ReconnectDelay      Duration `yaml:"reconnect_delay"`
	ReconnectGrowth     float64  `yaml:"reconnect_growth"`
	MaxReconnects       int      `yaml:"max_reconnects"`
}

// Redis configures the snapshot store and pub/sub backend.
type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Metrics configures the prometheus endpoint.
type Metrics struct {
	Addr string `yaml:"addr"`
}

// Log configures logging output.
type Log struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Load reads path, applies defaults and environment overrides, then
// validates. An empty path loads defaults and environment only.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyDefaults()
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9100"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// applyEnv lets SMARTFEED_* variables override the file, so secrets stay
// out of it.
func (c *Config) applyEnv() {
	override(&c.Feed.URL, "SMARTFEED_FEED_URL")
	override(&c.Feed.APIKey, "SMARTFEED_API_KEY")
	override(&c.Feed.ClientCode, "SMARTFEED_CLIENT_CODE")
	override(&c.Feed.JWT, "SMARTFEED_JWT")
	override(&c.Feed.FeedToken, "SMARTFEED_FEED_TOKEN")
	override(&c.Feed.TOTPSecret, "SMARTFEED_TOTP_SECRET")
	override(&c.Redis.Addr, "SMARTFEED_REDIS_ADDR")
	override(&c.Redis.Password, "SMARTFEED_REDIS_PASSWORD")
	override(&c.Metrics.Addr, "SMARTFEED_METRICS_ADDR")
	override(&c.Log.Level, "SMARTFEED_LOG_LEVEL")

	if v, ok := os.LookupEnv("SMARTFEED_REDIS_DB"); ok {
		if db, err := strconv.Atoi(v); err == nil {
			c.Redis.DB = db
		}
	}
}

func override(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

// Validate checks the fields without which the daemon cannot start.
func (c *Config) Validate() error {
	if c.Feed.URL == "" {
		return fmt.Errorf("feed.url is required")
	}
	if c.Feed.APIKey == "" {
		return fmt.Errorf("feed.api_key is required")
	}
	if c.Feed.ClientCode == "" {
		return fmt.Errorf("feed.client_code is required")
	}
	if c.Feed.JWT == "" {
		return fmt.Errorf("feed.jwt is required")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	return nil
}
