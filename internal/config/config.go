package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every configuration key looked up in the environment.
const EnvPrefix = "DEPLOYER"

const (
	DefaultNamePattern     = "{username}-{branchname}"
	DefaultUploadWorkers   = 50
	DefaultDownloadWorkers = 100
	DefaultBatchSize       = 1000
	DefaultMaxSegment      = 100
	DefaultMaxPath         = 1024
	DefaultCacheControl    = time.Hour
	HashedCacheControl     = 365 * 24 * time.Hour
)

// Config is built once per process and never mutated afterwards.
type Config struct {
	Profile        string `mapstructure:"aws_profile"`
	Region         string `mapstructure:"region"`
	Endpoint       string `mapstructure:"endpoint"`
	BucketLocation string `mapstructure:"bucket_location"`
	NamePattern    string `mapstructure:"default_name_pattern"`

	UploadWorkers   int `mapstructure:"max_workers_parallel_uploads"`
	DownloadWorkers int `mapstructure:"max_workers_parallel_downloads"`
	BatchSize       int `mapstructure:"batch_size"`

	// cache-control max-age values, in seconds
	DefaultCacheControl int `mapstructure:"default_cache_control"`
	HashedCacheControl  int `mapstructure:"hashed_cache_control"`

	MaxSegmentLength int `mapstructure:"max_segment_length"`
	MaxPathLength    int `mapstructure:"max_path_length"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Profile:             "default",
		NamePattern:         DefaultNamePattern,
		UploadWorkers:       DefaultUploadWorkers,
		DownloadWorkers:     DefaultDownloadWorkers,
		BatchSize:           DefaultBatchSize,
		DefaultCacheControl: int(DefaultCacheControl / time.Second),
		HashedCacheControl:  int(HashedCacheControl / time.Second),
		MaxSegmentLength:    DefaultMaxSegment,
		MaxPathLength:       DefaultMaxPath,
	}
}

// SetDefaults registers every key with its default so viper's AutomaticEnv
// can resolve them and Unmarshal sees them.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("aws_profile", d.Profile)
	v.SetDefault("region", d.Region)
	v.SetDefault("endpoint", d.Endpoint)
	v.SetDefault("bucket_location", d.BucketLocation)
	v.SetDefault("default_name_pattern", d.NamePattern)
	v.SetDefault("max_workers_parallel_uploads", d.UploadWorkers)
	v.SetDefault("max_workers_parallel_downloads", d.DownloadWorkers)
	v.SetDefault("batch_size", d.BatchSize)
	v.SetDefault("default_cache_control", d.DefaultCacheControl)
	v.SetDefault("hashed_cache_control", d.HashedCacheControl)
	v.SetDefault("max_segment_length", d.MaxSegmentLength)
	v.SetDefault("max_path_length", d.MaxPathLength)
}

// Load builds a validated Config from v. AWS_PROFILE wins over the default
// profile the same way it does for the AWS CLI.
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)
	_ = v.BindEnv("aws_profile", EnvPrefix+"_AWS_PROFILE", "AWS_PROFILE")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, &ConfigurationError{Field: "config", Reason: "cannot decode", Err: err}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	positive := []struct {
		field string
		value int
	}{
		{"max_workers_parallel_uploads", c.UploadWorkers},
		{"max_workers_parallel_downloads", c.DownloadWorkers},
		{"batch_size", c.BatchSize},
		{"max_segment_length", c.MaxSegmentLength},
		{"max_path_length", c.MaxPathLength},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return &ConfigurationError{Field: p.field, Reason: fmt.Sprintf("must be positive, got %d", p.value)}
		}
	}
	if c.DefaultCacheControl < 0 || c.HashedCacheControl < 0 {
		return &ConfigurationError{Field: "cache_control", Reason: "max-age cannot be negative"}
	}
	// a digest segment plus its dot must always fit
	if c.MaxSegmentLength < 16 {
		return &ConfigurationError{Field: "max_segment_length", Reason: "must be at least 16"}
	}
	if c.MaxPathLength < c.MaxSegmentLength {
		return &ConfigurationError{Field: "max_path_length", Reason: "must not be shorter than max_segment_length"}
	}
	if c.NamePattern == "" {
		return &ConfigurationError{Field: "default_name_pattern", Reason: "cannot be empty"}
	}
	return nil
}

// ConfigurationError means a required value is missing or cannot be derived.
// It is raised before any transfer starts.
type ConfigurationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration error in '%s': %s: %v", e.Field, e.Reason, e.Err)
	}
	return fmt.Sprintf("configuration error in '%s': %s", e.Field, e.Reason)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// IsConfigurationError reports whether err is, or wraps, a ConfigurationError
func IsConfigurationError(err error) bool {
	var cerr *ConfigurationError
	return errors.As(err, &cerr)
}
