// Package config centralizes how MarkDrop reads its settings: defaults, an
// optional config file, a .env file and MARKDROP_* environment variables.
package config

import (
	"crypto/rand"
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the top-level runtime configuration.
type Config struct {
	Runtime  RuntimeConfig  `mapstructure:"runtime"`
	Jobs     JobsConfig     `mapstructure:"jobs"`
	Batch    BatchConfig    `mapstructure:"batch"`
	API      APIConfig      `mapstructure:"api"`
	Log      LogConfig      `mapstructure:"log"`
	S3       S3Config       `mapstructure:"s3"`
	Database DatabaseConfig `mapstructure:"database"`
}

// RuntimeConfig holds the pipeline limits and the on-disk layout root.
type RuntimeConfig struct {
	OutputDir       string `mapstructure:"output_dir"`
	LogFile         string `mapstructure:"log_file"`
	SummaryCSV      string `mapstructure:"summary_csv"`
	MaxFileSizeMB   int    `mapstructure:"max_file_size_mb"`
	ConvertTimeoutS int    `mapstructure:"convert_timeout_s"`
}

// JobsConfig tunes the JobManager.
type JobsConfig struct {
	WorkerPoolSize    int           `mapstructure:"worker_pool_size"`
	QueueDepth        int           `mapstructure:"queue_depth"`
	DedupeEnabled     bool          `mapstructure:"dedupe_enabled"`
	KeepPartials      bool          `mapstructure:"keep_partials"`
	RetentionDays     int           `mapstructure:"retention_days"`
	RetentionInterval time.Duration `mapstructure:"retention_interval"`
	ResumeQueued      bool          `mapstructure:"resume_queued"`
}

// BatchConfig holds batch conversion defaults.
type BatchConfig struct {
	DefaultParallelism int  `mapstructure:"default_parallelism"`
	SingleRunDefault   bool `mapstructure:"single_run_default"`
}

// APIConfig configures the HTTP transport.
type APIConfig struct {
	Address       string        `mapstructure:"address"`
	SigningSecret string        `mapstructure:"signing_secret"`
	SignedURLTTL  time.Duration `mapstructure:"signed_url_ttl"`
	MaxUploadMB   int           `mapstructure:"max_upload_mb"`
}

// LogConfig configures process logging.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	FileOnly   bool   `mapstructure:"file_only"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// S3Config configures the optional artifact publisher.
type S3Config struct {
	Enabled   bool   `mapstructure:"enabled"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Region    string `mapstructure:"region"`
	Bucket    string `mapstructure:"bucket"`
}

// DatabaseConfig configures the optional Postgres job event mirror. An empty
// URL disables it.
type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

const (
	envPrefix = "MARKDROP"

	defaultOutputDir         = "runs"
	defaultLogFile           = "log.jsonl"
	defaultSummaryCSV        = "summary.csv"
	defaultMaxFileSizeMB     = 25
	defaultConvertTimeoutS   = 100
	defaultQueueDepth        = 256
	defaultRetentionDays     = 7
	defaultRetentionInterval = time.Hour
	defaultAddress           = ":8080"
	defaultSignedTTL         = 5 * time.Minute
	defaultMaxUploadMB       = 25
	maxDefaultWorkers        = 4
)

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	cfg := &Config{}
	cfg.normalize()
	cfg.Jobs.DedupeEnabled = true
	return cfg
}

// Load reads configuration. path may be empty, in which case markdrop.{yaml,toml,json}
// is looked up in the working directory and ./configs; a missing file is not an error.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("markdrop")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.normalize()
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("runtime.output_dir", defaultOutputDir)
	v.SetDefault("runtime.log_file", defaultLogFile)
	v.SetDefault("runtime.summary_csv", defaultSummaryCSV)
	v.SetDefault("runtime.max_file_size_mb", defaultMaxFileSizeMB)
	v.SetDefault("runtime.convert_timeout_s", defaultConvertTimeoutS)
	v.SetDefault("jobs.worker_pool_size", 0)
	v.SetDefault("jobs.queue_depth", defaultQueueDepth)
	v.SetDefault("jobs.dedupe_enabled", true)
	v.SetDefault("jobs.keep_partials", false)
	v.SetDefault("jobs.retention_days", defaultRetentionDays)
	v.SetDefault("jobs.retention_interval", defaultRetentionInterval)
	v.SetDefault("jobs.resume_queued", false)
	v.SetDefault("batch.default_parallelism", 1)
	v.SetDefault("batch.single_run_default", false)
	v.SetDefault("api.address", defaultAddress)
	v.SetDefault("api.signing_secret", "")
	v.SetDefault("api.signed_url_ttl", defaultSignedTTL)
	v.SetDefault("api.max_upload_mb", defaultMaxUploadMB)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 7)
	v.SetDefault("log.max_age_days", 30)
	v.SetDefault("log.compress", true)
	v.SetDefault("s3.enabled", false)
	v.SetDefault("s3.endpoint", "localhost:9000")
	v.SetDefault("s3.region", "us-east-1")
	v.SetDefault("s3.bucket", "markdrop-artifacts")
	v.SetDefault("database.url", "")
}

// normalize replaces invalid values with defaults, the same way for every
// source (file, env, or zero-valued struct).
func (c *Config) normalize() {
	if c.Runtime.OutputDir == "" {
		c.Runtime.OutputDir = defaultOutputDir
	}
	c.Runtime.OutputDir = filepath.Clean(c.Runtime.OutputDir)
	if c.Runtime.LogFile == "" {
		c.Runtime.LogFile = defaultLogFile
	}
	if c.Runtime.SummaryCSV == "" {
		c.Runtime.SummaryCSV = defaultSummaryCSV
	}
	if c.Runtime.MaxFileSizeMB <= 0 {
		c.Runtime.MaxFileSizeMB = defaultMaxFileSizeMB
	}
	if c.Runtime.ConvertTimeoutS <= 0 {
		c.Runtime.ConvertTimeoutS = defaultConvertTimeoutS
	}
	if c.Jobs.WorkerPoolSize <= 0 {
		c.Jobs.WorkerPoolSize = DefaultWorkerCount()
	}
	if c.Jobs.QueueDepth <= 0 {
		c.Jobs.QueueDepth = defaultQueueDepth
	}
	if c.Jobs.RetentionInterval <= 0 {
		c.Jobs.RetentionInterval = defaultRetentionInterval
	}
	if c.Batch.DefaultParallelism <= 0 {
		c.Batch.DefaultParallelism = 1
	}
	if c.API.Address == "" {
		c.API.Address = defaultAddress
	}
	if c.API.SignedURLTTL <= 0 {
		c.API.SignedURLTTL = defaultSignedTTL
	}
	if c.API.MaxUploadMB <= 0 {
		c.API.MaxUploadMB = defaultMaxUploadMB
	}
}

// DefaultWorkerCount derives the pool size from available parallelism,
// capped at four and never below one.
func DefaultWorkerCount() int {
	n := runtime.NumCPU()
	if n > maxDefaultWorkers {
		n = maxDefaultWorkers
	}
	if n < 1 {
		n = 1
	}
	return n
}

// ConvertTimeout is the base conversion deadline.
func (c *Config) ConvertTimeout() time.Duration {
	return time.Duration(c.Runtime.ConvertTimeoutS) * time.Second
}

// MaxFileBytes is the base size limit in bytes.
func (c *Config) MaxFileBytes() int64 {
	return int64(c.Runtime.MaxFileSizeMB) << 20
}

// Retention is how long terminal jobs are kept; zero disables the sweep.
func (c *Config) Retention() time.Duration {
	if c.Jobs.RetentionDays <= 0 {
		return 0
	}
	return time.Duration(c.Jobs.RetentionDays) * 24 * time.Hour
}

// SigningKey returns the configured secret, or a random one when unset so
// signed URLs are only valid for the lifetime of the process.
func (c *Config) SigningKey() []byte {
	if c.API.SigningSecret != "" {
		return []byte(c.API.SigningSecret)
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return []byte("markdrop-fallback-secret")
	}
	return buf
}
