// Package config loads and validates indexer configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. BOOKY_DB_DSN.
const EnvPrefix = "BOOKY"

// Snapshot backends.
const (
	SnapshotBackendLocal  = "local"
	SnapshotBackendGCS    = "gcs"
	SnapshotBackendMemory = "memory"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Fetch         FetchConfig         `mapstructure:"fetch"`
	Snapshot      SnapshotConfig      `mapstructure:"snapshot"`
	DB            DBConfig            `mapstructure:"db"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	Search        SearchConfig        `mapstructure:"search"`
	Worker        WorkerConfig        `mapstructure:"worker"`
	PubSub        PubSubConfig        `mapstructure:"pubsub"`
	Events        EventsConfig        `mapstructure:"events"`
	Telemetry     TelemetryConfig     `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig toggles zap development features and the minimum level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// FetchConfig bounds a single page fetch.
type FetchConfig struct {
	Timeout   time.Duration `mapstructure:"timeout"`
	MaxBytes  int64         `mapstructure:"max_bytes"`
	UserAgent string        `mapstructure:"user_agent"`
	// PerDomainRPS limits fetches per host; zero disables the limit.
	PerDomainRPS   float64 `mapstructure:"per_domain_rps"`
	PerDomainBurst int     `mapstructure:"per_domain_burst"`
}

// SnapshotConfig selects where raw pages are kept.
type SnapshotConfig struct {
	Backend   string `mapstructure:"backend"`
	Dir       string `mapstructure:"dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	GCSPrefix string `mapstructure:"gcs_prefix"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// RedisConfig locates the job queue. An empty Addr selects the in-memory
// queue.
type RedisConfig struct {
	Addr              string        `mapstructure:"addr"`
	Password          string        `mapstructure:"password"`
	DB                int           `mapstructure:"db"`
	Stream            string        `mapstructure:"stream"`
	Group             string        `mapstructure:"group"`
	Block             time.Duration `mapstructure:"block"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
}

// ElasticsearchConfig locates the search index.
type ElasticsearchConfig struct {
	URL        string        `mapstructure:"url"`
	Username   string        `mapstructure:"username"`
	Password   string        `mapstructure:"password"`
	Index      string        `mapstructure:"index"`
	MaxRetries int           `mapstructure:"max_retries"`
	Timeout    time.Duration `mapstructure:"timeout"`
	Refresh    string        `mapstructure:"refresh"`
}

// SearchConfig bounds pagination.
type SearchConfig struct {
	MaxLimit     int `mapstructure:"max_limit"`
	DefaultLimit int `mapstructure:"default_limit"`
}

// WorkerConfig tunes the processing pool and its retry policy.
type WorkerConfig struct {
	Concurrency       int           `mapstructure:"concurrency"`
	QueueCapacity     int           `mapstructure:"queue_capacity"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	BaseBackoff       time.Duration `mapstructure:"base_backoff"`
	MaxBackoff        time.Duration `mapstructure:"max_backoff"`
	JobTimeout        time.Duration `mapstructure:"job_timeout"`
	PreserveUserTitle bool          `mapstructure:"preserve_user_title"`
}

// PubSubConfig holds metadata for completion notifications. Publishing is
// disabled when TopicName is empty.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// EventsConfig tunes the in-process hub that batches job events before
// they reach the publisher and the metrics sink.
type EventsConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout    time.Duration `mapstructure:"sink_timeout"`
}

// TelemetryConfig names the service in traces. Spans are exported to Cloud
// Trace only when ProjectID is set.
type TelemetryConfig struct {
	ServiceName string  `mapstructure:"service_name"`
	Version     string  `mapstructure:"version"`
	ProjectID   string  `mapstructure:"project_id"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
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

// Every key gets a default so AutomaticEnv can override it.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("fetch.timeout", 10*time.Second)
	v.SetDefault("fetch.max_bytes", 5<<20)
	v.SetDefault("fetch.user_agent", "Mozilla/5.0 (compatible; BookyBot/1.0)")
	v.SetDefault("fetch.per_domain_rps", 0.0)
	v.SetDefault("fetch.per_domain_burst", 1)
	v.SetDefault("snapshot.backend", SnapshotBackendLocal)
	v.SetDefault("snapshot.dir", "./snapshots")
	v.SetDefault("snapshot.gcs_bucket", "")
	v.SetDefault("snapshot.gcs_prefix", "snapshots")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.max_conn_lifetime", time.Hour)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.stream", "booky:jobs")
	v.SetDefault("redis.group", "processors")
	v.SetDefault("redis.block", 2*time.Second)
	v.SetDefault("redis.visibility_timeout", 5*time.Minute)
	v.SetDefault("elasticsearch.url", "http://localhost:9200")
	v.SetDefault("elasticsearch.username", "")
	v.SetDefault("elasticsearch.password", "")
	v.SetDefault("elasticsearch.index", "bookmarks")
	v.SetDefault("elasticsearch.max_retries", 3)
	v.SetDefault("elasticsearch.timeout", 5*time.Second)
	v.SetDefault("elasticsearch.refresh", "")
	v.SetDefault("search.max_limit", 100)
	v.SetDefault("search.default_limit", 20)
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.queue_capacity", 256)
	v.SetDefault("worker.max_attempts", 5)
	v.SetDefault("worker.base_backoff", 2*time.Second)
	v.SetDefault("worker.max_backoff", 2*time.Minute)
	v.SetDefault("worker.job_timeout", 60*time.Second)
	v.SetDefault("worker.preserve_user_title", false)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("events.buffer_size", 1024)
	v.SetDefault("events.max_batch_events", 100)
	v.SetDefault("events.max_batch_wait", 500*time.Millisecond)
	v.SetDefault("events.sink_timeout", 10*time.Second)
	v.SetDefault("telemetry.service_name", "booky-indexer")
	v.SetDefault("telemetry.version", "dev")
	v.SetDefault("telemetry.project_id", "")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.DB.DSN == "" {
		return fmt.Errorf("db.dsn is required")
	}
	if c.Elasticsearch.URL == "" {
		return fmt.Errorf("elasticsearch.url is required")
	}
	if c.Fetch.Timeout <= 0 {
		return fmt.Errorf("fetch.timeout must be > 0")
	}
	if c.Fetch.MaxBytes <= 0 {
		return fmt.Errorf("fetch.max_bytes must be > 0")
	}
	if c.Fetch.PerDomainRPS < 0 {
		return fmt.Errorf("fetch.per_domain_rps must be >= 0")
	}
	switch c.Snapshot.Backend {
	case SnapshotBackendLocal:
		if c.Snapshot.Dir == "" {
			return fmt.Errorf("snapshot.dir is required for the local backend")
		}
	case SnapshotBackendGCS:
		if c.Snapshot.GCSBucket == "" {
			return fmt.Errorf("snapshot.gcs_bucket is required for the gcs backend")
		}
	case SnapshotBackendMemory:
	default:
		return fmt.Errorf("snapshot.backend %q is not one of local, gcs, memory", c.Snapshot.Backend)
	}
	if c.Search.MaxLimit <= 0 {
		return fmt.Errorf("search.max_limit must be > 0")
	}
	if c.Search.DefaultLimit <= 0 || c.Search.DefaultLimit > c.Search.MaxLimit {
		return fmt.Errorf("search.default_limit must be between 1 and search.max_limit")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0")
	}
	if c.Worker.MaxAttempts <= 0 {
		return fmt.Errorf("worker.max_attempts must be > 0")
	}
	if c.Worker.BaseBackoff <= 0 || c.Worker.MaxBackoff < c.Worker.BaseBackoff {
		return fmt.Errorf("worker backoff must satisfy 0 < base_backoff <= max_backoff")
	}
	if c.Worker.JobTimeout <= 0 {
		return fmt.Errorf("worker.job_timeout must be > 0")
	}
	if c.Events.BufferSize <= 0 || c.Events.MaxBatchEvents <= 0 {
		return fmt.Errorf("events.buffer_size and events.max_batch_events must be > 0")
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	return nil
}
