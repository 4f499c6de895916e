// Package config loads and validates geoscrape configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/JakeFAU/geoscrape/internal/geo"
)

// EnvPrefix prefixes every environment override, e.g. GEOSCRAPE_DISPATCH_ENDPOINT.
const EnvPrefix = "GEOSCRAPE"

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Logging  LoggingConfig  `mapstructure:"logging"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
	Geo      GeoConfig      `mapstructure:"geo"`
	Search   SearchConfig   `mapstructure:"search"`
	Reviews  ReviewsConfig  `mapstructure:"reviews"`
	DB       DBConfig       `mapstructure:"db"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Worker   WorkerConfig   `mapstructure:"worker"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// StorageConfig selects the blob store holding jobs and data assets.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	Bucket    string `mapstructure:"bucket"`
	LocalDir  string `mapstructure:"local_dir"`
	ProjectID string `mapstructure:"project_id"`
}

// QueueConfig controls job discovery.
type QueueConfig struct {
	Prefix           string `mapstructure:"prefix"`
	Suffix           string `mapstructure:"suffix"`
	DeadLetterPrefix string `mapstructure:"dead_letter_prefix"`
	Match            string `mapstructure:"match"`
	ScratchDir       string `mapstructure:"scratch_dir"`
}

// DispatchConfig controls bunch uploads to the ingestion endpoint.
type DispatchConfig struct {
	Endpoint             string `mapstructure:"endpoint"`
	Concurrency          int    `mapstructure:"concurrency"`
	MaxSize              int    `mapstructure:"max_size"`
	JitterMaxMs          int    `mapstructure:"jitter_max_ms"`
	MaxAttempts          int    `mapstructure:"max_attempts"`
	BackoffInitialMs     int    `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs         int    `mapstructure:"backoff_max_ms"`
	TimeoutSeconds       int    `mapstructure:"timeout_seconds"`
	LegacyUnboundedRetry bool   `mapstructure:"legacy_unbounded_retry"`
}

// GeoConfig parameterizes geographic scrapes.
type GeoConfig struct {
	Radius        float64                   `mapstructure:"radius"`
	ExpectedMax   float64                   `mapstructure:"expected_max"`
	StopThreshold int                       `mapstructure:"stop_threshold"`
	MaxSteps      int                       `mapstructure:"max_steps"`
	Cities        map[string]geo.Coordinate `mapstructure:"cities"`
}

// SearchConfig configures the business search API.
type SearchConfig struct {
	BaseURL        string  `mapstructure:"base_url"`
	APIKey         string  `mapstructure:"api_key"`
	RadiusMeters   int     `mapstructure:"radius_meters"`
	Limit          int     `mapstructure:"limit"`
	RPS            float64 `mapstructure:"rps"`
	Burst          int     `mapstructure:"burst"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
}

// ReviewsConfig configures review page scraping.
type ReviewsConfig struct {
	URLTemplate    string `mapstructure:"url_template"`
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	ReviewSelector string `mapstructure:"review_selector"`
	AuthorSelector string `mapstructure:"author_selector"`
	RatingSelector string `mapstructure:"rating_selector"`
	RatingAttr     string `mapstructure:"rating_attr"`
	TextSelector   string `mapstructure:"text_selector"`
	DateSelector   string `mapstructure:"date_selector"`
	OutputPrefix   string `mapstructure:"output_prefix"`
	FollowUpType   string `mapstructure:"follow_up_type"`
}

// DBConfig selects where geographic results are stored.
type DBConfig struct {
	Driver        string `mapstructure:"driver"`
	DSN           string `mapstructure:"dsn"`
	SQLitePath    string `mapstructure:"sqlite_path"`
	MaxConns      int32  `mapstructure:"max_conns"`
	BusinessTable string `mapstructure:"business_table"`
	SearchTable   string `mapstructure:"search_table"`
}

// PubSubConfig holds metadata for follow-up job notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// MetricsConfig enables the health and metrics listener.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// WorkerConfig controls worker passes.
type WorkerConfig struct {
	Types    []string `mapstructure:"types"`
	Schedule string   `mapstructure:"schedule"`
}

// SearchPaths are tried in order for a geoscrape.{yaml,toml,json} file when
// no explicit path is given.
var SearchPaths = []string{".", "/etc/geoscrape", "$HOME/.geoscrape"}

// Load builds a Config from disk and the environment, reading ./.env first
// when it exists.
func Load(path string) (Config, error) {
	return LoadWithEnvFile(path, ".env")
}

// LoadWithEnvFile is Load with an explicit dotenv file. Variables already set
// in the environment win over the file. An empty envFile skips dotenv.
func LoadWithEnvFile(path, envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("read env file: %w", err)
		}
	}

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
	} else {
		v.SetConfigName("geoscrape")
		for _, dir := range SearchPaths {
			v.AddConfigPath(dir)
		}
		var notFound viper.ConfigFileNotFoundError
		if err := v.ReadInConfig(); err != nil && !errors.As(err, &notFound) {
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
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.local_dir", "./data")
	v.SetDefault("storage.project_id", "")
	v.SetDefault("queue.prefix", "Jobs/")
	v.SetDefault("queue.suffix", "json")
	v.SetDefault("queue.dead_letter_prefix", "DeadLetter/")
	v.SetDefault("queue.match", "token")
	v.SetDefault("queue.scratch_dir", "")
	v.SetDefault("dispatch.endpoint", "http://localhost:5000/api/data/")
	v.SetDefault("dispatch.concurrency", 10)
	v.SetDefault("dispatch.max_size", 500)
	v.SetDefault("dispatch.jitter_max_ms", 10000)
	v.SetDefault("dispatch.max_attempts", 5)
	v.SetDefault("dispatch.backoff_initial_ms", 250)
	v.SetDefault("dispatch.backoff_max_ms", 5000)
	v.SetDefault("dispatch.timeout_seconds", 30)
	v.SetDefault("dispatch.legacy_unbounded_retry", false)
	v.SetDefault("geo.radius", 10.0)
	v.SetDefault("geo.expected_max", 50.0)
	v.SetDefault("geo.stop_threshold", 5)
	v.SetDefault("geo.max_steps", 0)
	v.SetDefault("search.base_url", "https://api.yelp.com/v3")
	v.SetDefault("search.api_key", "")
	v.SetDefault("search.radius_meters", 1000)
	v.SetDefault("search.limit", 50)
	v.SetDefault("search.rps", 5.0)
	v.SetDefault("search.burst", 1)
	v.SetDefault("search.timeout_seconds", 15)
	v.SetDefault("reviews.url_template", "https://www.yelp.com/biz/%s")
	v.SetDefault("reviews.user_agent", "geoscrape/1.0")
	v.SetDefault("reviews.timeout_seconds", 15)
	v.SetDefault("reviews.review_selector", ".review")
	v.SetDefault("reviews.author_selector", ".author")
	v.SetDefault("reviews.rating_selector", ".rating")
	v.SetDefault("reviews.rating_attr", "data-rating")
	v.SetDefault("reviews.text_selector", ".text")
	v.SetDefault("reviews.date_selector", ".date")
	v.SetDefault("reviews.output_prefix", "Derived/")
	v.SetDefault("reviews.follow_up_type", "POST")
	v.SetDefault("db.driver", "sqlite")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.sqlite_path", "geoscrape.db")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.business_table", "businesses")
	v.SetDefault("db.search_table", "searches")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("metrics.addr", "")
	v.SetDefault("worker.types", []string{"post", "geo", "reviews"})
	v.SetDefault("worker.schedule", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	switch c.Storage.Backend {
	case "local":
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir is required for the local backend")
		}
	case "gcs":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket is required for the gcs backend")
		}
	case "memory":
	default:
		return fmt.Errorf("storage.backend must be one of local, gcs, memory (got %q)", c.Storage.Backend)
	}
	switch strings.ToLower(c.Queue.Match) {
	case "token", "contains":
	default:
		return fmt.Errorf("queue.match must be token or contains (got %q)", c.Queue.Match)
	}
	if c.Queue.Prefix == c.Queue.DeadLetterPrefix {
		return fmt.Errorf("queue.dead_letter_prefix must differ from queue.prefix")
	}
	if c.Dispatch.Concurrency <= 0 {
		return fmt.Errorf("dispatch.concurrency must be > 0")
	}
	if c.Dispatch.MaxSize <= 0 {
		return fmt.Errorf("dispatch.max_size must be > 0")
	}
	if c.Dispatch.TimeoutSeconds <= 0 {
		return fmt.Errorf("dispatch.timeout_seconds must be > 0")
	}
	if !c.Dispatch.LegacyUnboundedRetry && c.Dispatch.MaxAttempts <= 0 {
		return fmt.Errorf("dispatch.max_attempts must be > 0")
	}
	if c.Geo.Radius <= 1 {
		return fmt.Errorf("geo.radius must be > 1")
	}
	switch c.DB.Driver {
	case "sqlite":
		if c.DB.SQLitePath == "" {
			return fmt.Errorf("db.sqlite_path is required for the sqlite driver")
		}
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn is required for the postgres driver")
		}
	case "memory":
	default:
		return fmt.Errorf("db.driver must be one of sqlite, postgres, memory (got %q)", c.DB.Driver)
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	return nil
}

// DispatchTimeout returns the per-request upload timeout.
func (c DispatchConfig) DispatchTimeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// JitterMax returns the upper bound of start-up jitter.
func (c DispatchConfig) JitterMax() time.Duration {
	return time.Duration(c.JitterMaxMs) * time.Millisecond
}

// BackoffInitial returns the first retry delay.
func (c DispatchConfig) BackoffInitial() time.Duration {
	return time.Duration(c.BackoffInitialMs) * time.Millisecond
}

// BackoffMax returns the retry delay cap.
func (c DispatchConfig) BackoffMax() time.Duration {
	return time.Duration(c.BackoffMaxMs) * time.Millisecond
}

// Timeout returns the search request timeout.
func (c SearchConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Timeout returns the review page request timeout.
func (c ReviewsConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}
