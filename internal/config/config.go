// Package config provides unified configuration for the Starforge service.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the unified configuration for the Starforge service.
type Config struct {
	// DataDir is the base directory for all data files
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// HTTP configuration
	HTTP HTTPConfig `json:"http" yaml:"http"`

	// Pipeline configuration
	Pipeline PipelineConfig `json:"pipeline" yaml:"pipeline"`

	// Sink configuration
	Sink SinkConfig `json:"sink" yaml:"sink"`

	// DeadLetter configuration
	DeadLetter DeadLetterConfig `json:"dead_letter" yaml:"dead_letter"`

	// Dictionary configuration
	Dictionary DictionaryConfig `json:"dictionary" yaml:"dictionary"`

	// Storage configuration (dead-letter segment archive)
	Storage StorageConfig `json:"storage" yaml:"storage"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	// Addr is the HTTP address for the event intake and stats API
	Addr string `json:"addr" yaml:"addr"`

	// ReadTimeout is the HTTP read timeout
	ReadTimeout time.Duration `json:"read_timeout" yaml:"read_timeout"`

	// WriteTimeout is the HTTP write timeout
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`

	// IdleTimeout is the HTTP idle timeout
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
}

// PipelineConfig holds worker pool configuration.
type PipelineConfig struct {
	// Partitions is the number of sequential apply workers (1-256, default 4)
	Partitions int `json:"partitions" yaml:"partitions"`

	// QueueDepth is the per-worker queue buffer
	QueueDepth int `json:"queue_depth" yaml:"queue_depth"`

	// RetryBase is the initial backoff for failed store appends
	RetryBase time.Duration `json:"retry_base" yaml:"retry_base"`

	// RetryMax caps the backoff between retries
	RetryMax time.Duration `json:"retry_max" yaml:"retry_max"`

	// DrainTimeout bounds the queue drain during shutdown
	DrainTimeout time.Duration `json:"drain_timeout" yaml:"drain_timeout"`
}

// SinkConfig holds the outbound store configuration.
type SinkConfig struct {
	// Type is the store type: sqlite, memory
	Type string `json:"type" yaml:"type"`

	// Path is the SQLite database path (for sqlite type)
	Path string `json:"path" yaml:"path"`
}

// DeadLetterConfig holds dead-letter sink configuration.
type DeadLetterConfig struct {
	// Dir is the directory for dead-letter segments
	Dir string `json:"dir" yaml:"dir"`

	// MaxSegmentSize is the rotation threshold in bytes
	MaxSegmentSize int64 `json:"max_segment_size" yaml:"max_segment_size"`

	// Archive enables uploading rotated segments to object storage
	Archive bool `json:"archive" yaml:"archive"`

	// ArchivePrefix is the object path prefix for archived segments
	ArchivePrefix string `json:"archive_prefix" yaml:"archive_prefix"`
}

// DictionaryConfig holds dictionary cache refresh configuration.
type DictionaryConfig struct {
	// MinLifetime is the floor below which write nudges are ignored
	MinLifetime time.Duration `json:"min_lifetime" yaml:"min_lifetime"`

	// MaxLifetime is the scheduled refresh interval
	MaxLifetime time.Duration `json:"max_lifetime" yaml:"max_lifetime"`

	// RefreshTimeout bounds one dictionary reload
	RefreshTimeout time.Duration `json:"refresh_timeout" yaml:"refresh_timeout"`

	// MaxConcurrentRefresh limits parallel dictionary reloads
	MaxConcurrentRefresh int64 `json:"max_concurrent_refresh" yaml:"max_concurrent_refresh"`
}

// StorageConfig holds archive storage configuration.
type StorageConfig struct {
	// Type is the storage type: local, s3
	Type string `json:"type" yaml:"type"`

	// Path is the local storage path (for local type)
	Path string `json:"path" yaml:"path"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	// Bucket is the S3 bucket name
	Bucket string `json:"bucket" yaml:"bucket"`

	// Region is the AWS region
	Region string `json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data/starforge",
		HTTP: HTTPConfig{
			Addr:         ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		Pipeline: PipelineConfig{
			Partitions:   4,
			QueueDepth:   256,
			RetryBase:    50 * time.Millisecond,
			RetryMax:     5 * time.Second,
			DrainTimeout: 10 * time.Second,
		},
		Sink: SinkConfig{
			Type: "sqlite",
			Path: "",
		},
		DeadLetter: DeadLetterConfig{
			Dir:            "",
			MaxSegmentSize: 16 * 1024 * 1024,
			Archive:        false,
			ArchivePrefix:  "deadletter",
		},
		Dictionary: DictionaryConfig{
			MinLifetime:          5 * time.Second,
			MaxLifetime:          60 * time.Second,
			RefreshTimeout:       10 * time.Second,
			MaxConcurrentRefresh: 2,
		},
		Storage: StorageConfig{
			Type: "local",
			Path: "",
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/starforge"
	}

	if c.Sink.Path == "" {
		c.Sink.Path = filepath.Join(c.DataDir, "sink.db")
	}

	if c.DeadLetter.Dir == "" {
		c.DeadLetter.Dir = filepath.Join(c.DataDir, "deadletter")
	}

	if c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.DataDir, "archive")
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	if c.Sink.Type != "sqlite" && c.Sink.Type != "memory" {
		return fmt.Errorf("invalid sink type: %s (must be sqlite or memory)", c.Sink.Type)
	}

	if c.Storage.Type != "local" && c.Storage.Type != "s3" {
		return fmt.Errorf("invalid storage type: %s (must be local or s3)", c.Storage.Type)
	}

	if c.Storage.Type == "s3" && c.Storage.S3.Bucket == "" {
		return fmt.Errorf("s3.bucket is required when storage type is s3")
	}

	if c.Pipeline.Partitions < 1 || c.Pipeline.Partitions > 256 {
		return fmt.Errorf("pipeline.partitions must be between 1 and 256, got %d", c.Pipeline.Partitions)
	}

	if c.DeadLetter.MaxSegmentSize < 4096 {
		return fmt.Errorf("dead_letter.max_segment_size must be at least 4096, got %d", c.DeadLetter.MaxSegmentSize)
	}

	if c.Dictionary.MinLifetime > c.Dictionary.MaxLifetime {
		return fmt.Errorf("dictionary.min_lifetime must not exceed dictionary.max_lifetime")
	}

	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the STARFORGE_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("STARFORGE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}

	// HTTP configuration
	if v := os.Getenv("STARFORGE_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}

	// Pipeline configuration
	if v := os.Getenv("STARFORGE_PIPELINE_PARTITIONS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Pipeline.Partitions)
	}
	if v := os.Getenv("STARFORGE_PIPELINE_QUEUE_DEPTH"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Pipeline.QueueDepth)
	}

	// Sink configuration
	if v := os.Getenv("STARFORGE_SINK_TYPE"); v != "" {
		cfg.Sink.Type = v
	}
	if v := os.Getenv("STARFORGE_SINK_PATH"); v != "" {
		cfg.Sink.Path = v
	}

	// Dead-letter configuration
	if v := os.Getenv("STARFORGE_DEADLETTER_DIR"); v != "" {
		cfg.DeadLetter.Dir = v
	}
	if v := os.Getenv("STARFORGE_DEADLETTER_MAX_SEGMENT_SIZE"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.DeadLetter.MaxSegmentSize)
	}
	if v := os.Getenv("STARFORGE_DEADLETTER_ARCHIVE"); v != "" {
		cfg.DeadLetter.Archive = v == "true" || v == "1"
	}

	// Dictionary configuration
	if v := os.Getenv("STARFORGE_DICTIONARY_MIN_LIFETIME"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Dictionary.MinLifetime = d
		}
	}
	if v := os.Getenv("STARFORGE_DICTIONARY_MAX_LIFETIME"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Dictionary.MaxLifetime = d
		}
	}
	if v := os.Getenv("STARFORGE_DICTIONARY_MAX_CONCURRENT_REFRESH"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Dictionary.MaxConcurrentRefresh)
	}

	// Storage configuration
	if v := os.Getenv("STARFORGE_STORAGE_TYPE"); v != "" {
		cfg.Storage.Type = v
	}
	if v := os.Getenv("STARFORGE_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("STARFORGE_S3_BUCKET"); v != "" {
		cfg.Storage.S3.Bucket = v
	}
	if v := os.Getenv("STARFORGE_S3_REGION"); v != "" {
		cfg.Storage.S3.Region = v
	}
	if v := os.Getenv("STARFORGE_S3_ENDPOINT"); v != "" {
		cfg.Storage.S3.Endpoint = v
	}
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.DataDir,
		c.DeadLetter.Dir,
	}
	if c.Storage.Type == "local" {
		dirs = append(dirs, c.Storage.Path)
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
