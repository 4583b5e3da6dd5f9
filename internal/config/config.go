// Package config loads the daemon configuration from a TOML or YAML
// file with NATS3_-prefixed environment overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"nats3/internal/domain"
)

type Config struct {
	Log        LogConfig        `mapstructure:"log"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Bus        BusConfig        `mapstructure:"bus"`
	DB         DBConfig         `mapstructure:"db"`
	S3         S3Config         `mapstructure:"s3"`
	Reconciler ReconcilerConfig `mapstructure:"reconciler"`
	StoreJobs  []StoreJobConfig `mapstructure:"store_jobs"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type HTTPConfig struct {
	Listen string `mapstructure:"listen"`
}

type BusConfig struct {
	URL string `mapstructure:"url"`
}

type DBConfig struct {
	// URL is the catalog DSN. Empty runs the in-memory catalog: jobs and
	// chunk metadata do not survive a restart.
	URL     string `mapstructure:"url"`
	Migrate bool   `mapstructure:"migrate"`
}

type S3Config struct {
	Endpoint  string      `mapstructure:"endpoint"`
	Region    string      `mapstructure:"region"`
	AccessKey string      `mapstructure:"access_key"`
	SecretKey string      `mapstructure:"secret_key"`
	UseSSL    bool        `mapstructure:"use_ssl"`
	Retry     RetryConfig `mapstructure:"retry"`
}

type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

type ReconcilerConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	// SafetyWindow is how old an unreferenced object must be before the
	// reconciler collects it.
	SafetyWindow time.Duration `mapstructure:"safety_window"`
}

// StoreJobConfig declares a store job started at boot. Creation is
// idempotent by name, so restarts do not duplicate declared jobs.
type StoreJobConfig struct {
	Name     string `mapstructure:"name"`
	Stream   string `mapstructure:"stream"`
	Consumer string `mapstructure:"consumer"`
	Subject  string `mapstructure:"subject"`
	Bucket   string `mapstructure:"bucket"`
	Prefix   string `mapstructure:"prefix"`
	MaxBytes int64  `mapstructure:"max_bytes"`
	MaxCount int64  `mapstructure:"max_count"`
	Codec    string `mapstructure:"codec"`
}

func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("nats3")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, err
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
	v.SetDefault("log.level", "info")
	v.SetDefault("http.listen", "0.0.0.0:8080")
	v.SetDefault("db.migrate", true)
	v.SetDefault("s3.region", "us-east-1")
	v.SetDefault("s3.retry.max_attempts", 5)
	v.SetDefault("s3.retry.base_delay", 200*time.Millisecond)
	v.SetDefault("s3.retry.max_delay", 5*time.Second)
	v.SetDefault("reconciler.interval", 5*time.Minute)
	v.SetDefault("reconciler.safety_window", time.Hour)
}

func (c Config) Validate() error {
	if c.Bus.URL == "" {
		return fmt.Errorf("bus.url is required")
	}
	if c.S3.Endpoint == "" {
		return fmt.Errorf("s3.endpoint is required")
	}
	if c.S3.AccessKey == "" || c.S3.SecretKey == "" {
		return fmt.Errorf("s3.access_key and s3.secret_key are required")
	}
	for i, job := range c.StoreJobs {
		if job.Name == "" || job.Stream == "" || job.Subject == "" || job.Bucket == "" {
			return fmt.Errorf("store_jobs[%d]: name, stream, subject and bucket are required", i)
		}
		if job.Codec != "" {
			if _, err := domain.ParseCodec(job.Codec); err != nil {
				return fmt.Errorf("store_jobs[%d]: %w", i, err)
			}
		}
	}
	return nil
}

// Job converts a declared store job into its domain form with batch and
// encoding defaults applied.
func (j StoreJobConfig) Job() domain.StoreJob {
	encoding := domain.Encoding{}
	if j.Codec != "" {
		codec, err := domain.ParseCodec(j.Codec)
		if err == nil {
			encoding.Codec = codec
		}
	}
	return domain.StoreJob{
		Name:     j.Name,
		Stream:   j.Stream,
		Consumer: j.Consumer,
		Subject:  j.Subject,
		Bucket:   j.Bucket,
		Prefix:   j.Prefix,
		Batch:    domain.Batch{MaxBytes: j.MaxBytes, MaxCount: j.MaxCount}.WithDefaults(),
		Encoding: encoding.WithDefaults(),
	}
}
