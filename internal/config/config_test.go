package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
site:
  base_url: https://kolesa.kz
  time_zone: Asia/Almaty
queue:
  max_attempts: 4
  backoff_base: 30s
  backoff_max: 1h
  revisit_after: 12h
fetch:
  concurrency: 6
  delay_min: 1s
  delay_max: 3s
  required_selectors: ["h1", ".offer__price"]
headless:
  enabled: true
  max_parallel: 2
storage:
  backend: minio
  prefix: raw/test
  minio:
    endpoint: localhost:9000
    bucket: raw
    access_key: minioadmin
    secret_key: minioadmin
quality:
  min_raw_fetches: 10
  max_price_null_ratio: 0.25
logging:
  development: false
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.Queue.MaxAttempts != 4 || cfg.Queue.BackoffBase != 30*time.Second || cfg.Queue.RevisitAfter != 12*time.Hour {
		t.Fatalf("expected queue overrides to apply: %+v", cfg.Queue)
	}
	if cfg.Fetch.Concurrency != 6 || cfg.Fetch.DelayMax != 3*time.Second {
		t.Fatalf("expected fetch overrides to apply: %+v", cfg.Fetch)
	}
	if len(cfg.Fetch.RequiredSelectors) != 2 {
		t.Fatalf("expected two required selectors, got %v", cfg.Fetch.RequiredSelectors)
	}
	if cfg.Storage.Backend != "minio" || cfg.Storage.MinIO.Bucket != "raw" || cfg.Storage.MinIO.Region != "us-east-1" {
		t.Fatalf("expected minio storage settings: %+v", cfg.Storage)
	}
	if cfg.Quality.MinRawFetches != 10 || cfg.Quality.MaxPriceNullRatio != 0.25 {
		t.Fatalf("expected quality thresholds: %+v", cfg.Quality)
	}
	if cfg.Logging.Development {
		t.Fatalf("expected production logging")
	}
	if cfg.Location().String() != "Asia/Almaty" {
		t.Fatalf("expected Asia/Almaty, got %s", cfg.Location())
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Fetch.DelayMin != 800*time.Millisecond || cfg.Fetch.DelayMax != 2200*time.Millisecond {
		t.Fatalf("unexpected fetch delays: %v..%v", cfg.Fetch.DelayMin, cfg.Fetch.DelayMax)
	}
	if cfg.Queue.BackoffBase != time.Minute || cfg.Queue.BackoffMax != 24*time.Hour {
		t.Fatalf("unexpected backoff: %v..%v", cfg.Queue.BackoffBase, cfg.Queue.BackoffMax)
	}
	if cfg.Queue.RevisitAfter != 0 {
		t.Fatalf("revisit should be disabled by default")
	}
	if cfg.Gold.DaysBack != 365 || cfg.Gold.DaysForward != 365 {
		t.Fatalf("unexpected date window: %+v", cfg.Gold)
	}
	if cfg.Storage.Backend != "memory" || cfg.DB.DSN != "" {
		t.Fatalf("expected in-memory defaults")
	}
	if cfg.Quality.MaxPriceNullRatio != 0.5 {
		t.Fatalf("expected default price null ratio 0.5")
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("WAREHOUSE_FETCH_CONCURRENCY", "9")
	t.Setenv("WAREHOUSE_DB_DSN", "postgres://u:p@localhost/warehouse")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Fetch.Concurrency != 9 {
		t.Fatalf("expected env concurrency 9, got %d", cfg.Fetch.Concurrency)
	}
	if cfg.DB.DSN == "" {
		t.Fatalf("expected env dsn")
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	testCases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"auth", func(c *Config) { c.Auth.Enabled = true }, "auth.api_key"},
		{"base url", func(c *Config) { c.Site.BaseURL = "kolesa.kz" }, "site.base_url"},
		{"time zone", func(c *Config) { c.Site.TimeZone = "Mars/Olympus" }, "site.time_zone"},
		{"attempts", func(c *Config) { c.Queue.MaxAttempts = 1 }, "queue.max_attempts"},
		{"backoff", func(c *Config) { c.Queue.BackoffMax = time.Second }, "queue.backoff_base"},
		{"delays", func(c *Config) { c.Fetch.DelayMax = 0 }, "fetch.delay_min"},
		{"lease shorter than a fetch", func(c *Config) { c.Queue.ClaimTTL = time.Minute; c.Fetch.Timeout = 30 * time.Second }, "queue.claim_ttl"},
		{"headless", func(c *Config) { c.Headless.Enabled = true; c.Headless.MaxParallel = 0 }, "headless.max_parallel"},
		{"backend", func(c *Config) { c.Storage.Backend = "s3" }, "storage.backend"},
		{"gcs bucket", func(c *Config) { c.Storage.Backend = "gcs" }, "storage.gcs.bucket"},
		{"minio", func(c *Config) { c.Storage.Backend = "minio" }, "storage.minio"},
		{"pubsub", func(c *Config) { c.PubSub.ProjectID = "p"; c.PubSub.TopicName = "" }, "pubsub.topic_name"},
		{"gold", func(c *Config) { c.Gold.PageSize = 0 }, "gold.page_size"},
		{"discovery", func(c *Config) { c.Discovery.MaxPages = 0 }, "discovery.max_pages"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}
