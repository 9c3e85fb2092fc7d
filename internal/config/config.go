// Package config loads and validates harvester configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. HARVESTER_CRAWL_TAGS.
const EnvPrefix = "HARVESTER"

// AppName names the per-user cache directory.
const AppName = "catalog-harvester"

// Config captures every knob loaded via Viper.
type Config struct {
	Crawl    CrawlConfig    `mapstructure:"crawl" yaml:"crawl"`
	HTTP     HTTPConfig     `mapstructure:"http" yaml:"http"`
	Output   OutputConfig   `mapstructure:"output" yaml:"output"`
	Export   ExportConfig   `mapstructure:"export" yaml:"export"`
	Cache    CacheConfig    `mapstructure:"cache" yaml:"cache"`
	Covers   CoversConfig   `mapstructure:"covers" yaml:"covers"`
	Schedule ScheduleConfig `mapstructure:"schedule" yaml:"schedule"`
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Storage  StorageConfig  `mapstructure:"storage" yaml:"storage"`
	PubSub   PubSubConfig   `mapstructure:"pubsub" yaml:"pubsub"`
	Logging  LoggingConfig  `mapstructure:"logging" yaml:"logging"`
}

// CrawlConfig describes what to harvest and how hard to retry whole crawls.
type CrawlConfig struct {
	Endpoint    string `mapstructure:"endpoint" yaml:"endpoint"`
	PageSize    int    `mapstructure:"page_size" yaml:"page_size"`
	StartOffset int    `mapstructure:"start_offset" yaml:"start_offset"`
	Tags        string `mapstructure:"tags" yaml:"tags"`
	Sort        string `mapstructure:"sort" yaml:"sort"`
	// ActualCount caps the harvested items; 0 harvests everything.
	ActualCount       int `mapstructure:"actual_count" yaml:"actual_count"`
	MaxAttempts       int `mapstructure:"max_attempts" yaml:"max_attempts"`
	RetryDelaySeconds int `mapstructure:"retry_delay_seconds" yaml:"retry_delay_seconds"`
}

// HTTPConfig configures listing requests.
type HTTPConfig struct {
	TimeoutSeconds int `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
	// MaxRetries is the total number of attempts per page.
	MaxRetries int    `mapstructure:"max_retries" yaml:"max_retries"`
	UserAgent  string `mapstructure:"user_agent" yaml:"user_agent"`
	Referer    string `mapstructure:"referer" yaml:"referer"`
}

// OutputConfig controls where snapshots are written.
type OutputConfig struct {
	Directory      string `mapstructure:"directory" yaml:"directory"`
	SnapshotPrefix string `mapstructure:"snapshot_prefix" yaml:"snapshot_prefix"`
}

// ExportConfig controls spreadsheet exports.
type ExportConfig struct {
	Directory           string  `mapstructure:"directory" yaml:"directory"`
	FilePrefix          string  `mapstructure:"file_prefix" yaml:"file_prefix"`
	IncludeImages       bool    `mapstructure:"include_images" yaml:"include_images"`
	LatestOnly          bool    `mapstructure:"latest_only" yaml:"latest_only"`
	ThumbnailWidth      int     `mapstructure:"thumbnail_width" yaml:"thumbnail_width"`
	Concurrency         int     `mapstructure:"concurrency" yaml:"concurrency"`
	ImageTimeoutSeconds int     `mapstructure:"image_timeout_seconds" yaml:"image_timeout_seconds"`
	ImageRPS            float64 `mapstructure:"image_rps" yaml:"image_rps"`
}

// CacheConfig locates the image cache.
type CacheConfig struct {
	Directory string `mapstructure:"directory" yaml:"directory"`
}

// CoversConfig locates downloaded full-size covers.
type CoversConfig struct {
	Directory string `mapstructure:"directory" yaml:"directory"`
}

// ScheduleConfig drives periodic re-crawls. Cron wins over IntervalSeconds.
type ScheduleConfig struct {
	Enabled         bool   `mapstructure:"enabled" yaml:"enabled"`
	IntervalSeconds int    `mapstructure:"interval_seconds" yaml:"interval_seconds"`
	Cron            string `mapstructure:"cron" yaml:"cron"`
}

// ServerConfig controls the control API. A non-empty APIKey is required on
// /v1 requests via X-API-Key or ?api_key=.
type ServerConfig struct {
	Port   int    `mapstructure:"port" yaml:"port"`
	APIKey string `mapstructure:"api_key" yaml:"api_key"`
}

// StorageConfig enables mirroring snapshots to GCS when GCSBucket is set.
type StorageConfig struct {
	GCSBucket string `mapstructure:"gcs_bucket" yaml:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix" yaml:"prefix"`
}

// PubSubConfig enables snapshot notifications when TopicName is set.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id" yaml:"project_id"`
	TopicName string `mapstructure:"topic_name" yaml:"topic_name"`
}

// LoggingConfig toggles zap development features and an optional log file.
type LoggingConfig struct {
	Development bool   `mapstructure:"development" yaml:"development"`
	Level       string `mapstructure:"level" yaml:"level"`
	File        string `mapstructure:"file" yaml:"file"`
}

// Load builds a Config from defaults, an optional .env file, the environment
// and an optional config file, in increasing precedence except that the
// environment overrides the file.
func Load(path string) (Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return Config{}, err
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

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// Defaults always decode.
	_ = v.Unmarshal(&cfg)
	return cfg
}

func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("load %s: %w", path, err)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("crawl.endpoint", "https://m.douban.com/rexxar/api/v2/movie/recommend")
	v.SetDefault("crawl.page_size", 20)
	v.SetDefault("crawl.start_offset", 0)
	v.SetDefault("crawl.tags", "2025")
	v.SetDefault("crawl.sort", "R")
	v.SetDefault("crawl.actual_count", 0)
	v.SetDefault("crawl.max_attempts", 3)
	v.SetDefault("crawl.retry_delay_seconds", 30)
	v.SetDefault("http.timeout_seconds", 30)
	v.SetDefault("http.max_retries", 3)
	v.SetDefault("http.user_agent", "")
	v.SetDefault("http.referer", "")
	v.SetDefault("output.directory", "data")
	v.SetDefault("output.snapshot_prefix", "douban_movies")
	v.SetDefault("export.directory", "exports")
	v.SetDefault("export.file_prefix", "douban_movies_report")
	v.SetDefault("export.include_images", true)
	v.SetDefault("export.latest_only", true)
	v.SetDefault("export.thumbnail_width", 90)
	v.SetDefault("export.concurrency", 4)
	v.SetDefault("export.image_timeout_seconds", 5)
	v.SetDefault("export.image_rps", 5.0)
	v.SetDefault("cache.directory", filepath.Join(xdg.CacheHome, AppName, "images"))
	v.SetDefault("covers.directory", "covers")
	v.SetDefault("schedule.enabled", false)
	v.SetDefault("schedule.interval_seconds", 3600)
	v.SetDefault("schedule.cron", "")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.api_key", "")
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.prefix", "snapshots")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Crawl.Endpoint) == "" {
		return errors.New("crawl.endpoint is required")
	}
	if c.Crawl.PageSize <= 0 {
		return errors.New("crawl.page_size must be > 0")
	}
	if c.Crawl.StartOffset < 0 {
		return errors.New("crawl.start_offset must be >= 0")
	}
	switch strings.ToUpper(c.Crawl.Sort) {
	case "R", "T", "S", "U":
	default:
		return fmt.Errorf("crawl.sort must be one of R, T, S, U (got %q)", c.Crawl.Sort)
	}
	if c.Crawl.ActualCount < 0 {
		return errors.New("crawl.actual_count must be >= 0")
	}
	if c.Crawl.MaxAttempts <= 0 {
		return errors.New("crawl.max_attempts must be > 0")
	}
	if c.Crawl.RetryDelaySeconds < 0 {
		return errors.New("crawl.retry_delay_seconds must be >= 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return errors.New("http.timeout_seconds must be > 0")
	}
	if c.HTTP.MaxRetries <= 0 {
		return errors.New("http.max_retries must be > 0")
	}
	if strings.TrimSpace(c.Output.Directory) == "" {
		return errors.New("output.directory is required")
	}
	if strings.TrimSpace(c.Export.Directory) == "" {
		return errors.New("export.directory is required")
	}
	if c.Export.ThumbnailWidth <= 0 {
		return errors.New("export.thumbnail_width must be > 0")
	}
	if c.Export.Concurrency <= 0 {
		return errors.New("export.concurrency must be > 0")
	}
	if c.Export.ImageTimeoutSeconds <= 0 {
		return errors.New("export.image_timeout_seconds must be > 0")
	}
	if strings.TrimSpace(c.Cache.Directory) == "" {
		return errors.New("cache.directory is required")
	}
	if c.Schedule.Enabled && c.Schedule.Cron == "" && c.Schedule.IntervalSeconds <= 0 {
		return errors.New("schedule.interval_seconds must be > 0 when no cron expression is set")
	}
	if c.Server.Port <= 0 {
		return errors.New("server.port must be > 0")
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return errors.New("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	return nil
}

// PageTimeout is the per-request listing timeout.
func (c Config) PageTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// CrawlRetryDelay is the fixed wait between whole-crawl attempts.
func (c Config) CrawlRetryDelay() time.Duration {
	return time.Duration(c.Crawl.RetryDelaySeconds) * time.Second
}

// ImageTimeout bounds one image download.
func (c Config) ImageTimeout() time.Duration {
	return time.Duration(c.Export.ImageTimeoutSeconds) * time.Second
}

// ScheduleInterval is the period between scheduled crawls.
func (c Config) ScheduleInterval() time.Duration {
	return time.Duration(c.Schedule.IntervalSeconds) * time.Second
}
