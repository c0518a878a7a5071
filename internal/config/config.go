// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	collysource "github.com/opendatanet/harvester/internal/source/colly"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig          `mapstructure:"server"`
	Logging LoggingConfig         `mapstructure:"logging"`
	DB      DBConfig              `mapstructure:"db"`
	Queue   QueueConfig           `mapstructure:"queue"`
	Storage StorageConfig         `mapstructure:"storage"`
	Harvest HarvestConfig         `mapstructure:"harvest"`
	Sites   map[string]SiteConfig `mapstructure:"sites"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int `mapstructure:"port"`
	TimeoutSeconds  int `mapstructure:"timeout_seconds"`
	ShutdownSeconds int `mapstructure:"shutdown_seconds"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// DBConfig controls access to the relational database. An empty DSN selects
// the in-memory stores.
type DBConfig struct {
	DSN                string `mapstructure:"dsn"`
	MaxConns           int    `mapstructure:"max_conns"`
	MinConns           int    `mapstructure:"min_conns"`
	ConnLifetimeMinute int    `mapstructure:"conn_lifetime_minutes"`
}

// QueueConfig selects the work queue backend. Provider is "memory" or
// "pubsub"; the Pub/Sub fields are required only for the latter.
type QueueConfig struct {
	Provider       string `mapstructure:"provider"`
	Depth          int    `mapstructure:"depth"`
	ProjectID      string `mapstructure:"project_id"`
	TopicID        string `mapstructure:"topic_id"`
	SubscriptionID string `mapstructure:"subscription_id"`
}

// StorageConfig selects the blob backend for test-mode dumps. Provider is
// "memory", "local" or "gcs".
type StorageConfig struct {
	Provider  string `mapstructure:"provider"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
}

// HarvestConfig governs worker fan-out, batching and progress cadence.
type HarvestConfig struct {
	Workers              int    `mapstructure:"workers"`
	BatchSize            int    `mapstructure:"batch_size"`
	FlushIntervalSeconds int    `mapstructure:"flush_interval_seconds"`
	MaxRetries           int    `mapstructure:"max_retries"`
	BackoffInitialMs     int    `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs         int    `mapstructure:"backoff_max_ms"`
	StatsEveryRecords    int    `mapstructure:"stats_every_records"`
	StatsIntervalSeconds int    `mapstructure:"stats_interval_seconds"`
	SourceBufferSize     int    `mapstructure:"source_buffer_size"`
	SourceStopSeconds    int    `mapstructure:"source_stop_seconds"`
	UserAgent            string `mapstructure:"user_agent"`
}

// SiteConfig describes one crawlable catalog site.
type SiteConfig struct {
	SourceName     string        `mapstructure:"source_name"`
	StartURL       string        `mapstructure:"start_url"`
	AllowedDomains []string      `mapstructure:"allowed_domains"`
	EstimatedPages int           `mapstructure:"estimated_pages"`
	RespectRobots  bool          `mapstructure:"respect_robots"`
	DelayMs        int           `mapstructure:"delay_ms"`
	TimeoutSeconds int           `mapstructure:"timeout_seconds"`
	Selectors      SiteSelectors `mapstructure:"selectors"`
}

// SiteSelectors maps listing markup onto discovered records.
type SiteSelectors struct {
	Record      string `mapstructure:"record"`
	Link        string `mapstructure:"link"`
	Title       string `mapstructure:"title"`
	Description string `mapstructure:"description"`
	Tags        string `mapstructure:"tags"`
	NextPage    string `mapstructure:"next_page"`
	TotalPages  string `mapstructure:"total_pages"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVESTER")
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
	v.SetDefault("server.timeout_seconds", 30)
	v.SetDefault("server.shutdown_seconds", 15)
	v.SetDefault("logging.development", true)
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.conn_lifetime_minutes", 30)
	v.SetDefault("queue.provider", "memory")
	v.SetDefault("queue.depth", 64)
	v.SetDefault("storage.provider", "memory")
	v.SetDefault("harvest.workers", 2)
	v.SetDefault("harvest.batch_size", 10)
	v.SetDefault("harvest.flush_interval_seconds", 5)
	v.SetDefault("harvest.max_retries", 3)
	v.SetDefault("harvest.backoff_initial_ms", 250)
	v.SetDefault("harvest.backoff_max_ms", 5000)
	v.SetDefault("harvest.stats_every_records", 25)
	v.SetDefault("harvest.stats_interval_seconds", 5)
	v.SetDefault("harvest.source_buffer_size", 64)
	v.SetDefault("harvest.source_stop_seconds", 5)
	v.SetDefault("harvest.user_agent", "opendatanet-harvester/0.1")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Harvest.Workers <= 0 {
		return fmt.Errorf("harvest.workers must be > 0")
	}
	if c.Harvest.BatchSize <= 0 {
		return fmt.Errorf("harvest.batch_size must be > 0")
	}
	if c.Harvest.MaxRetries < 0 {
		return fmt.Errorf("harvest.max_retries must be >= 0")
	}
	switch c.Queue.Provider {
	case "memory":
	case "pubsub":
		if c.Queue.ProjectID == "" || c.Queue.TopicID == "" || c.Queue.SubscriptionID == "" {
			return fmt.Errorf("queue.project_id, queue.topic_id and queue.subscription_id are required for the pubsub provider")
		}
	default:
		return fmt.Errorf("queue.provider must be memory or pubsub, got %q", c.Queue.Provider)
	}
	switch c.Storage.Provider {
	case "memory":
	case "local":
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir is required for the local provider")
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket is required for the gcs provider")
		}
	default:
		return fmt.Errorf("storage.provider must be memory, local or gcs, got %q", c.Storage.Provider)
	}
	for id, site := range c.Sites {
		if site.StartURL == "" {
			return fmt.Errorf("sites.%s.start_url is required", id)
		}
		if site.Selectors.Record == "" || site.Selectors.Link == "" {
			return fmt.Errorf("sites.%s.selectors.record and .link are required", id)
		}
	}
	return nil
}

// FlushInterval returns the batch flush cadence as a duration.
func (c HarvestConfig) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalSeconds) * time.Second
}

// StatsInterval returns the progress commit cadence as a duration.
func (c HarvestConfig) StatsInterval() time.Duration {
	return time.Duration(c.StatsIntervalSeconds) * time.Second
}

// SourceSites converts the sites section into the crawler source registry,
// applying the shared user agent.
func (c Config) SourceSites() map[string]collysource.SiteConfig {
	sites := make(map[string]collysource.SiteConfig, len(c.Sites))
	for id, site := range c.Sites {
		sites[id] = collysource.SiteConfig{
			SourceName:     site.SourceName,
			StartURL:       site.StartURL,
			AllowedDomains: site.AllowedDomains,
			EstimatedPages: site.EstimatedPages,
			UserAgent:      c.Harvest.UserAgent,
			RespectRobots:  site.RespectRobots,
			Delay:          time.Duration(site.DelayMs) * time.Millisecond,
			Timeout:        time.Duration(site.TimeoutSeconds) * time.Second,
			Selectors: collysource.Selectors{
				Record:      site.Selectors.Record,
				Link:        site.Selectors.Link,
				Title:       site.Selectors.Title,
				Description: site.Selectors.Description,
				Tags:        site.Selectors.Tags,
				NextPage:    site.Selectors.NextPage,
				TotalPages:  site.Selectors.TotalPages,
			},
		}
	}
	return sites
}

// PageEstimates extracts the per-site page estimates for progress seeding.
func (c Config) PageEstimates() map[string]int {
	estimates := make(map[string]int, len(c.Sites))
	for id, site := range c.Sites {
		estimates[id] = site.EstimatedPages
	}
	return estimates
}
