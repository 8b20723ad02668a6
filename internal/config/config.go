package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v2"
)

// =============================================================================
// Ledger service configuration, loaded from YAML with environment-variable
// overrides layered on top. Follows the teacher's config.go shape exactly:
// one struct-of-structs, a singleton accessor, applyEnvOverrides/
// applyDefaults as separate passes.
// =============================================================================

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Storage     StorageConfig     `yaml:"storage"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	Monitor     MonitorConfig     `yaml:"monitor"`
	BatchLimit  int               `yaml:"batch_limit"`
	ProofExport ProofExportConfig `yaml:"proof_export"`
	PubSub      PubSubConfig      `yaml:"pubsub"`
	CloudTasks  CloudTasksConfig  `yaml:"cloud_tasks"`
	Webhook     WebhookConfig     `yaml:"webhook"`
}

type ServerConfig struct {
	Port             string   `yaml:"port"`
	Env              string   `yaml:"env"`
	ReadTimeoutSec   int      `yaml:"read_timeout_sec"`
	WriteTimeoutSec  int      `yaml:"write_timeout_sec"`
	IdleTimeoutSec   int      `yaml:"idle_timeout_sec"`
	ShutdownTimeout  int      `yaml:"shutdown_timeout_sec"`
	CORSAllowOrigins []string `yaml:"cors_allow_origins"`
}

// StorageConfig selects and configures a storage dialect (spec.md §4.5,
// SPEC_FULL.md's storage dialect table).
type StorageConfig struct {
	Dialect  string         `yaml:"dialect"` // memory|postgres|spanner
	Postgres PostgresConfig `yaml:"postgres"`
	Spanner  SpannerConfig  `yaml:"spanner"`
	Cache    CacheConfig    `yaml:"cache"`
	Blob     BlobConfig     `yaml:"blob"`
}

type PostgresConfig struct {
	DSN            string `yaml:"dsn"`
	ConnectTimeout int    `yaml:"connect_timeout_sec"`
}

type SpannerConfig struct {
	ProjectID  string `yaml:"project_id"`
	InstanceID string `yaml:"instance_id"`
	DatabaseID string `yaml:"database_id"`
}

// CacheConfig fronts any other dialect with a Redis-backed cache of each
// ledger's last entry hash (internal/storage/cached.go).
type CacheConfig struct {
	Backend    string `yaml:"backend"` // none|redis
	Addr       string `yaml:"addr"`
	TimeoutMs  int    `yaml:"timeout_ms"`
	TTLSeconds int    `yaml:"ttl_seconds"`
}

// BlobConfig moves cold ledger segments to object storage
// (internal/storage/blob.go).
type BlobConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Bucket         string `yaml:"bucket"`
	HotWatermark   uint64 `yaml:"hot_watermark"`
	SupabaseURL    string `yaml:"supabase_url"`
	SupabaseAPIKey string `yaml:"supabase_api_key"`
}

type IdempotencyConfig struct {
	TTLSeconds int `yaml:"ttl_seconds"`
}

type MonitorConfig struct {
	ScanIntervalSec int  `yaml:"scan_interval_sec"`
	RealTime        bool `yaml:"real_time"`
}

type ProofExportConfig struct {
	BaseURL string `yaml:"base_url"`
}

type PubSubConfig struct {
	Enabled   bool   `yaml:"enabled"`
	ProjectID string `yaml:"project_id"`
	TopicID   string `yaml:"topic_id"`
}

type CloudTasksConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ProjectID  string `yaml:"project_id"`
	LocationID string `yaml:"location_id"`
	QueueID    string `yaml:"queue_id"`
}

type WebhookConfig struct {
	WorkerCount int `yaml:"worker_count"`
}

// =============================================================================
// Singleton pattern with environment overrides
// =============================================================================

var (
	instance *Config
	once     sync.Once
)

// Get returns the singleton config instance, loading it from CONFIG_PATH (or
// ./config.yaml) on first use.
func Get() *Config {
	once.Do(func() {
		cfg, err := LoadConfig(getEnv("CONFIG_PATH", "config.yaml"))
		if err != nil {
			slog.Warn("config: failed to load config file, using defaults", "error", err)
		}
		if cfg == nil {
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()
		instance = cfg
	})
	return instance
}

// LoadConfig loads config from a YAML file.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnvOverrides() {
	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Server.Env = getEnv("LEDGER_ENV", c.Server.Env)
	if origins := getEnv("CORS_ALLOW_ORIGINS", ""); origins != "" {
		c.Server.CORSAllowOrigins = splitCSV(origins)
	}
	if v := getEnvInt("SERVER_READ_TIMEOUT_SEC", 0); v > 0 {
		c.Server.ReadTimeoutSec = v
	}
	if v := getEnvInt("SERVER_WRITE_TIMEOUT_SEC", 0); v > 0 {
		c.Server.WriteTimeoutSec = v
	}
	if v := getEnvInt("SERVER_IDLE_TIMEOUT_SEC", 0); v > 0 {
		c.Server.IdleTimeoutSec = v
	}

	c.Storage.Dialect = getEnv("LEDGER_STORAGE_DIALECT", c.Storage.Dialect)
	c.Storage.Postgres.DSN = getEnv("LEDGER_POSTGRES_DSN", c.Storage.Postgres.DSN)
	c.Storage.Spanner.ProjectID = getEnv("SPANNER_PROJECT_ID", c.Storage.Spanner.ProjectID)
	c.Storage.Spanner.InstanceID = getEnv("SPANNER_INSTANCE_ID", c.Storage.Spanner.InstanceID)
	c.Storage.Spanner.DatabaseID = getEnv("SPANNER_DATABASE_ID", c.Storage.Spanner.DatabaseID)
	c.Storage.Cache.Backend = getEnv("LEDGER_CACHE_BACKEND", c.Storage.Cache.Backend)
	c.Storage.Cache.Addr = getEnv("REDIS_ADDR", c.Storage.Cache.Addr)
	c.Storage.Blob.Enabled = getEnvBool("LEDGER_BLOB_TIER_ENABLED", c.Storage.Blob.Enabled)
	c.Storage.Blob.Bucket = getEnv("LEDGER_BLOB_BUCKET", c.Storage.Blob.Bucket)
	c.Storage.Blob.SupabaseURL = getEnv("SUPABASE_URL", c.Storage.Blob.SupabaseURL)
	c.Storage.Blob.SupabaseAPIKey = getEnv("SUPABASE_SERVICE_KEY", c.Storage.Blob.SupabaseAPIKey)

	if v := getEnvInt("IDEMPOTENCY_TTL_SECONDS", 0); v > 0 {
		c.Idempotency.TTLSeconds = v
	}
	if v := getEnvInt("MONITOR_SCAN_INTERVAL_SEC", 0); v > 0 {
		c.Monitor.ScanIntervalSec = v
	}
	c.Monitor.RealTime = getEnvBool("MONITOR_REAL_TIME", c.Monitor.RealTime)
	if v := getEnvInt("LEDGER_BATCH_LIMIT", 0); v > 0 {
		c.BatchLimit = v
	}
	c.ProofExport.BaseURL = getEnv("PROOF_EXPORT_BASE_URL", c.ProofExport.BaseURL)

	if projectID := getEnv("GCP_PROJECT_ID", ""); projectID != "" {
		c.PubSub.ProjectID = projectID
		c.CloudTasks.ProjectID = projectID
	}
	c.PubSub.TopicID = getEnv("PUBSUB_TOPIC_ID", c.PubSub.TopicID)
	c.PubSub.Enabled = getEnvBool("PUBSUB_ENABLED", c.PubSub.Enabled)
	c.CloudTasks.LocationID = getEnv("CLOUD_TASKS_LOCATION", c.CloudTasks.LocationID)
	c.CloudTasks.QueueID = getEnv("CLOUD_TASKS_QUEUE", c.CloudTasks.QueueID)
	c.CloudTasks.Enabled = getEnvBool("CLOUD_TASKS_ENABLED", c.CloudTasks.Enabled)
	if v := getEnvInt("WEBHOOK_WORKERS", 0); v > 0 {
		c.Webhook.WorkerCount = v
	}

	c.applyDefaults()
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.ReadTimeoutSec == 0 {
		c.Server.ReadTimeoutSec = 15
	}
	if c.Server.WriteTimeoutSec == 0 {
		c.Server.WriteTimeoutSec = 15
	}
	if c.Server.IdleTimeoutSec == 0 {
		c.Server.IdleTimeoutSec = 60
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30
	}
	if len(c.Server.CORSAllowOrigins) == 0 {
		c.Server.CORSAllowOrigins = []string{"*"}
	}
	if c.Storage.Dialect == "" {
		c.Storage.Dialect = "memory"
	}
	if c.Storage.Cache.Backend == "" {
		c.Storage.Cache.Backend = "none"
	}
	if c.Storage.Cache.TimeoutMs == 0 {
		c.Storage.Cache.TimeoutMs = 100
	}
	if c.Storage.Postgres.ConnectTimeout == 0 {
		c.Storage.Postgres.ConnectTimeout = 3
	}
	if c.Idempotency.TTLSeconds == 0 {
		c.Idempotency.TTLSeconds = 86400
	}
	if c.Monitor.ScanIntervalSec == 0 {
		c.Monitor.ScanIntervalSec = 3600
	}
	if c.BatchLimit == 0 {
		c.BatchLimit = 1000
	}
	if c.ProofExport.BaseURL == "" {
		c.ProofExport.BaseURL = "https://verify.veilchain.example/v1"
	}
	if c.PubSub.TopicID == "" {
		c.PubSub.TopicID = "ledger-alerts"
	}
	if c.CloudTasks.LocationID == "" {
		c.CloudTasks.LocationID = "us-central1"
	}
	if c.CloudTasks.QueueID == "" {
		c.CloudTasks.QueueID = "ledger-integrity-scan"
	}
	if c.Webhook.WorkerCount == 0 {
		c.Webhook.WorkerCount = 4
	}
}

// =============================================================================
// Helpers
// =============================================================================

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func splitCSV(s string) []string {
	parts := make([]string, 0)
	for _, p := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}
