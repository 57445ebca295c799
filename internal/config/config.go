// Package config loads and validates pipeline configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Broker    BrokerConfig    `mapstructure:"broker"`
	Topics    TopicsConfig    `mapstructure:"topics"`
	Groups    GroupsConfig    `mapstructure:"groups"`
	Scraper   ScraperConfig   `mapstructure:"scraper"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	Processor ProcessorConfig `mapstructure:"processor"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Indexer   IndexerConfig   `mapstructure:"indexer"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// BrokerConfig selects and tunes the message transport.
type BrokerConfig struct {
	Kind             string `mapstructure:"kind"`
	Addr             string `mapstructure:"addr"`
	Password         string `mapstructure:"password"`
	DB               int    `mapstructure:"db"`
	Partitions       int    `mapstructure:"partitions"`
	ClaimIdleSeconds int    `mapstructure:"claim_idle_seconds"`
	BlockSeconds     int    `mapstructure:"block_seconds"`
}

// TopicsConfig names the pipeline's topics.
type TopicsConfig struct {
	Tasks      string `mapstructure:"tasks"`
	Results    string `mapstructure:"results"`
	DeadLetter string `mapstructure:"dead_letter"`
}

// GroupsConfig names the consumer groups per worker kind.
type GroupsConfig struct {
	Scrapers   string `mapstructure:"scrapers"`
	Processors string `mapstructure:"processors"`
}

// ScraperConfig governs the scraper worker pool.
type ScraperConfig struct {
	Workers        int     `mapstructure:"workers"`
	UserAgent      string  `mapstructure:"user_agent"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	RatePerSecond  float64 `mapstructure:"rate_per_second"`
	RateBurst      int     `mapstructure:"rate_burst"`
	RespectRobots  bool    `mapstructure:"respect_robots"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxParallel   int  `mapstructure:"max_parallel"`
	NavTimeoutSec int  `mapstructure:"nav_timeout_seconds"`
	// MinBodyBytes is the body size under which a script-heavy page is
	// promoted to the headless fetcher.
	MinBodyBytes int `mapstructure:"min_body_bytes"`
}

// ProcessorConfig governs the processor worker pool.
type ProcessorConfig struct {
	Workers           int    `mapstructure:"workers"`
	DefaultSeasonType string `mapstructure:"default_season_type"`
}

// MonitorConfig controls progress polling for submitted jobs.
type MonitorConfig struct {
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
	PollSeconds    int `mapstructure:"poll_seconds"`
}

// StorageConfig selects and tunes the persistence backend.
type StorageConfig struct {
	Kind     string `mapstructure:"kind"`
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// IndexerConfig points batch forwarding at a search index endpoint. An empty
// endpoint disables forwarding.
type IndexerConfig struct {
	Endpoint       string `mapstructure:"endpoint"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("STATPIPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("broker.kind", "memory")
	v.SetDefault("broker.addr", "localhost:6379")
	v.SetDefault("broker.db", 0)
	v.SetDefault("broker.partitions", 4)
	v.SetDefault("broker.claim_idle_seconds", 30)
	v.SetDefault("broker.block_seconds", 5)
	v.SetDefault("topics.tasks", "scraping-tasks")
	v.SetDefault("topics.results", "scraping-results")
	v.SetDefault("topics.dead_letter", "dead-letter-queue")
	v.SetDefault("groups.scrapers", "scraper-workers")
	v.SetDefault("groups.processors", "processor-workers")
	v.SetDefault("scraper.workers", 2)
	v.SetDefault("scraper.user_agent", "Mozilla/5.0 (compatible; NBA-Stats-Scraper/1.0)")
	v.SetDefault("scraper.timeout_seconds", 30)
	v.SetDefault("scraper.rate_per_second", 2.0)
	v.SetDefault("scraper.rate_burst", 4)
	v.SetDefault("scraper.respect_robots", true)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 25)
	v.SetDefault("headless.min_body_bytes", 2048)
	v.SetDefault("processor.workers", 2)
	v.SetDefault("processor.default_season_type", "Regular Season")
	v.SetDefault("monitor.timeout_seconds", 300)
	v.SetDefault("monitor.poll_seconds", 5)
	v.SetDefault("storage.kind", "memory")
	v.SetDefault("indexer.timeout_seconds", 10)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	switch c.Broker.Kind {
	case "memory":
	case "redis":
		if c.Broker.Addr == "" {
			return fmt.Errorf("broker.addr must be set when broker.kind is redis")
		}
	default:
		return fmt.Errorf("broker.kind must be memory or redis, got %q", c.Broker.Kind)
	}
	if c.Broker.Partitions <= 0 {
		return fmt.Errorf("broker.partitions must be > 0")
	}
	if c.Topics.Tasks == "" || c.Topics.Results == "" || c.Topics.DeadLetter == "" {
		return fmt.Errorf("topics.tasks, topics.results, and topics.dead_letter must be set")
	}
	if c.Groups.Scrapers == "" || c.Groups.Processors == "" {
		return fmt.Errorf("groups.scrapers and groups.processors must be set")
	}
	if c.Scraper.Workers <= 0 {
		return fmt.Errorf("scraper.workers must be > 0")
	}
	if c.Scraper.Workers > c.Broker.Partitions {
		return fmt.Errorf("scraper.workers must not exceed broker.partitions (%d > %d)",
			c.Scraper.Workers, c.Broker.Partitions)
	}
	if c.Scraper.TimeoutSeconds <= 0 {
		return fmt.Errorf("scraper.timeout_seconds must be > 0")
	}
	if c.Scraper.RatePerSecond <= 0 {
		return fmt.Errorf("scraper.rate_per_second must be > 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Processor.Workers <= 0 {
		return fmt.Errorf("processor.workers must be > 0")
	}
	if c.Processor.Workers > c.Broker.Partitions {
		return fmt.Errorf("processor.workers must not exceed broker.partitions (%d > %d)",
			c.Processor.Workers, c.Broker.Partitions)
	}
	if c.Monitor.TimeoutSeconds <= 0 {
		return fmt.Errorf("monitor.timeout_seconds must be > 0")
	}
	if c.Monitor.PollSeconds <= 0 {
		return fmt.Errorf("monitor.poll_seconds must be > 0")
	}
	switch c.Storage.Kind {
	case "memory":
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn must be set when storage.kind is postgres")
		}
	default:
		return fmt.Errorf("storage.kind must be memory or postgres, got %q", c.Storage.Kind)
	}
	return nil
}

// FetchTimeout bounds a single fetch attempt.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Scraper.TimeoutSeconds) * time.Second
}

// MonitorTimeout bounds a whole progress watch.
func (c Config) MonitorTimeout() time.Duration {
	return time.Duration(c.Monitor.TimeoutSeconds) * time.Second
}

// PollInterval is the wait between progress polls.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Monitor.PollSeconds) * time.Second
}

// ClaimIdle is how long a delivery may sit unacknowledged before another
// consumer may claim it.
func (c Config) ClaimIdle() time.Duration {
	return time.Duration(c.Broker.ClaimIdleSeconds) * time.Second
}

// BrokerBlock bounds each blocking broker read.
func (c Config) BrokerBlock() time.Duration {
	return time.Duration(c.Broker.BlockSeconds) * time.Second
}

// IndexerTimeout bounds a single index batch request.
func (c Config) IndexerTimeout() time.Duration {
	return time.Duration(c.Indexer.TimeoutSeconds) * time.Second
}
