// Package config loads and validates warehouse configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/listing-warehouse/internal/quality"
	"github.com/JakeFAU/listing-warehouse/internal/storage/gcs"
	"github.com/JakeFAU/listing-warehouse/internal/storage/local"
	"github.com/JakeFAU/listing-warehouse/internal/storage/minio"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Site      SiteConfig      `mapstructure:"site"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	Storage   StorageConfig   `mapstructure:"storage"`
	DB        DBConfig        `mapstructure:"db"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Gold      GoldConfig      `mapstructure:"gold"`
	Views     ViewsConfig     `mapstructure:"views"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Quality   quality.Config  `mapstructure:"quality"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// SiteConfig identifies the crawled site.
type SiteConfig struct {
	BaseURL  string `mapstructure:"base_url"`
	TimeZone string `mapstructure:"time_zone"`
}

// QueueConfig tunes retry and lease behavior of the crawl queue.
type QueueConfig struct {
	MaxAttempts       int           `mapstructure:"max_attempts"`
	ParseFailureLimit int           `mapstructure:"parse_failure_limit"`
	BackoffBase       time.Duration `mapstructure:"backoff_base"`
	BackoffMax        time.Duration `mapstructure:"backoff_max"`
	ClaimTTL          time.Duration `mapstructure:"claim_ttl"`
	BatchSize         int           `mapstructure:"batch_size"`
	RevisitAfter      time.Duration `mapstructure:"revisit_after"`
}

// FetchConfig governs the fetch workers and politeness.
type FetchConfig struct {
	Concurrency       int           `mapstructure:"concurrency"`
	Timeout           time.Duration `mapstructure:"timeout"`
	DelayMin          time.Duration `mapstructure:"delay_min"`
	DelayMax          time.Duration `mapstructure:"delay_max"`
	BlockedCooldown   time.Duration `mapstructure:"blocked_cooldown"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	RatePerSecond     float64       `mapstructure:"rate_per_second"`
	Burst             int           `mapstructure:"burst"`
	UserAgent         string        `mapstructure:"user_agent"`
	AcceptLanguage    string        `mapstructure:"accept_language"`
	RespectRobots     bool          `mapstructure:"respect_robots"`
	RequiredSelectors []string      `mapstructure:"required_selectors"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	MaxParallel  int           `mapstructure:"max_parallel"`
	NavTimeout   time.Duration `mapstructure:"nav_timeout"`
	WaitSelector string        `mapstructure:"wait_selector"`
	SettleDelay  time.Duration `mapstructure:"settle_delay"`
}

// StorageConfig selects and configures the raw page blob store.
type StorageConfig struct {
	Backend string       `mapstructure:"backend"`
	Prefix  string       `mapstructure:"prefix"`
	Local   local.Config `mapstructure:"local"`
	GCS     gcs.Config   `mapstructure:"gcs"`
	MinIO   minio.Config `mapstructure:"minio"`
}

// DBConfig controls access to the relational database. An empty DSN selects in-memory stores.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// PubSubConfig holds metadata for archive notifications. An empty project keeps them in memory.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// GoldConfig tunes the dimensional builder.
type GoldConfig struct {
	DaysBack    int `mapstructure:"days_back"`
	DaysForward int `mapstructure:"days_forward"`
	PageSize    int `mapstructure:"page_size"`
	Concurrency int `mapstructure:"concurrency"`
}

// ViewsConfig tunes view counter enrichment.
type ViewsConfig struct {
	Enabled   bool `mapstructure:"enabled"`
	ChunkSize int  `mapstructure:"chunk_size"`
	Limit     int  `mapstructure:"limit"`
}

// DiscoveryConfig controls search page walks.
type DiscoveryConfig struct {
	SearchPath string `mapstructure:"search_path"`
	StartPage  int    `mapstructure:"start_page"`
	MaxPages   int    `mapstructure:"max_pages"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("WAREHOUSE")
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
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("auth.enabled", false)
	v.SetDefault("logging.development", true)
	v.SetDefault("site.base_url", "https://kolesa.kz")
	v.SetDefault("site.time_zone", "Asia/Almaty")
	v.SetDefault("queue.max_attempts", 5)
	v.SetDefault("queue.parse_failure_limit", 3)
	v.SetDefault("queue.backoff_base", "1m")
	v.SetDefault("queue.backoff_max", "24h")
	v.SetDefault("queue.claim_ttl", "10m")
	v.SetDefault("queue.batch_size", 20)
	v.SetDefault("queue.revisit_after", "0s")
	v.SetDefault("fetch.concurrency", 2)
	v.SetDefault("fetch.timeout", "30s")
	v.SetDefault("fetch.delay_min", "800ms")
	v.SetDefault("fetch.delay_max", "2200ms")
	v.SetDefault("fetch.blocked_cooldown", "5m")
	v.SetDefault("fetch.poll_interval", "30s")
	v.SetDefault("fetch.rate_per_second", 1.0)
	v.SetDefault("fetch.burst", 1)
	v.SetDefault("fetch.user_agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36")
	v.SetDefault("fetch.accept_language", "ru-RU,ru;q=0.9,en;q=0.8")
	v.SetDefault("fetch.respect_robots", true)
	v.SetDefault("fetch.required_selectors", []string{"h1"})
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout", "25s")
	v.SetDefault("headless.wait_selector", "h1")
	v.SetDefault("headless.settle_delay", "500ms")
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.prefix", "raw/kolesa")
	v.SetDefault("storage.local.base_dir", "data/raw")
	v.SetDefault("storage.minio.region", "us-east-1")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.max_conn_lifetime", "30m")
	v.SetDefault("pubsub.topic_name", "raw-snapshot-archived")
	v.SetDefault("gold.days_back", 365)
	v.SetDefault("gold.days_forward", 365)
	v.SetDefault("gold.page_size", 500)
	v.SetDefault("gold.concurrency", 4)
	v.SetDefault("views.enabled", true)
	v.SetDefault("views.chunk_size", 50)
	v.SetDefault("views.limit", 5000)
	v.SetDefault("discovery.search_path", "/cars/")
	v.SetDefault("discovery.start_page", 1)
	v.SetDefault("discovery.max_pages", 5)
	v.SetDefault("quality.max_price_null_ratio", 0.5)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if !strings.HasPrefix(c.Site.BaseURL, "http://") && !strings.HasPrefix(c.Site.BaseURL, "https://") {
		return fmt.Errorf("site.base_url must be an http(s) URL")
	}
	if _, err := time.LoadLocation(c.Site.TimeZone); err != nil {
		return fmt.Errorf("site.time_zone: %w", err)
	}
	if c.Queue.MaxAttempts < 2 {
		return fmt.Errorf("queue.max_attempts must be >= 2")
	}
	if c.Queue.ParseFailureLimit < 0 {
		return fmt.Errorf("queue.parse_failure_limit must be >= 0")
	}
	if c.Queue.BackoffBase <= 0 || c.Queue.BackoffMax < c.Queue.BackoffBase {
		return fmt.Errorf("queue.backoff_base must be > 0 and <= queue.backoff_max")
	}
	if c.Queue.ClaimTTL <= 0 || c.Queue.BatchSize <= 0 {
		return fmt.Errorf("queue.claim_ttl and queue.batch_size must be > 0")
	}
	if c.Queue.RevisitAfter < 0 {
		return fmt.Errorf("queue.revisit_after must be >= 0")
	}
	if c.Fetch.Concurrency <= 0 {
		return fmt.Errorf("fetch.concurrency must be > 0")
	}
	if c.Fetch.Timeout <= 0 {
		return fmt.Errorf("fetch.timeout must be > 0")
	}
	if c.Fetch.DelayMin < 0 || c.Fetch.DelayMax < c.Fetch.DelayMin {
		return fmt.Errorf("fetch.delay_min must be >= 0 and <= fetch.delay_max")
	}
	// A lease is renewed per item and must outlast a static fetch plus a headless retry.
	if c.Queue.ClaimTTL <= 2*c.Fetch.Timeout {
		return fmt.Errorf("queue.claim_ttl must exceed twice fetch.timeout")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	switch c.Storage.Backend {
	case "memory":
	case "local":
		if c.Storage.Local.BaseDir == "" {
			return fmt.Errorf("storage.local.base_dir is required for the local backend")
		}
	case "gcs":
		if c.Storage.GCS.Bucket == "" {
			return fmt.Errorf("storage.gcs.bucket is required for the gcs backend")
		}
	case "minio":
		if c.Storage.MinIO.Endpoint == "" || c.Storage.MinIO.Bucket == "" {
			return fmt.Errorf("storage.minio.endpoint and storage.minio.bucket are required for the minio backend")
		}
	default:
		return fmt.Errorf("storage.backend must be one of memory, local, gcs, minio")
	}
	if c.PubSub.ProjectID != "" && c.PubSub.TopicName == "" {
		return fmt.Errorf("pubsub.topic_name is required when pubsub.project_id is set")
	}
	if c.Gold.DaysBack < 0 || c.Gold.DaysForward < 0 {
		return fmt.Errorf("gold.days_back and gold.days_forward must be >= 0")
	}
	if c.Gold.PageSize <= 0 || c.Gold.Concurrency <= 0 {
		return fmt.Errorf("gold.page_size and gold.concurrency must be > 0")
	}
	if c.Views.ChunkSize <= 0 {
		return fmt.Errorf("views.chunk_size must be > 0")
	}
	if c.Discovery.MaxPages <= 0 {
		return fmt.Errorf("discovery.max_pages must be > 0")
	}
	return nil
}

// Location returns the site time zone. Validate guarantees it loads.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Site.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}
