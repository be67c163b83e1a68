// Package config loads the engine's runtime configuration from environment
// variables and an optional config file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config is the top-level runtime configuration.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Pipeline    PipelineConfig    `mapstructure:"pipeline"`
	Matching    MatchingConfig    `mapstructure:"matching"`
	Jobs        JobsConfig        `mapstructure:"jobs"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Providers   ProvidersConfig   `mapstructure:"providers"`
	Recognition RecognitionConfig `mapstructure:"recognition"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry"`
}

// ServerConfig configures the HTTP front door.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr" validate:"required"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// PipelineConfig bounds per-job fetch-and-match concurrency.
type PipelineConfig struct {
	Workers      int           `mapstructure:"workers" validate:"gte=1,lte=64"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout" validate:"gt=0"`
	FetchRetries uint64        `mapstructure:"fetch_retries" validate:"lte=10"`
}

// MatchingConfig holds the scoring tunables.
type MatchingConfig struct {
	// FaceThreshold is the high-recall distance cutoff. It is an empirical
	// constant tied to the encoding model; do not assume it transfers
	// across models.
	FaceThreshold float64 `mapstructure:"face_threshold" validate:"gt=0,lte=2"`
}

// JobsConfig bounds aggregate job resource use.
type JobsConfig struct {
	MaxPerOwner   int           `mapstructure:"max_per_owner" validate:"gte=1"`
	Retention     time.Duration `mapstructure:"retention" validate:"gt=0"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" validate:"gt=0"`
}

// CacheConfig selects and tunes the content cache backend.
type CacheConfig struct {
	Backend       string        `mapstructure:"backend" validate:"oneof=memory sqlite"`
	Path          string        `mapstructure:"path" validate:"required_if=Backend sqlite"`
	EvictAfter    time.Duration `mapstructure:"evict_after" validate:"gt=0"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" validate:"gt=0"`
}

// ProvidersConfig carries provider credentials and endpoint overrides. The
// base URLs exist for tests and local stubs; empty means the real service.
type ProvidersConfig struct {
	AccessToken  string `mapstructure:"access_token"`
	DriveBaseURL string `mapstructure:"drive_base_url"`
	GraphBaseURL string `mapstructure:"graph_base_url"`
}

// RecognitionConfig points at the face-encoding and OCR sidecar.
type RecognitionConfig struct {
	BaseURL string `mapstructure:"base_url" validate:"required,url"`
}

// TelemetryConfig configures tracing. An empty exporter endpoint disables
// export; spans become no-ops.
type TelemetryConfig struct {
	ServiceName      string  `mapstructure:"service_name" validate:"required"`
	ExporterEndpoint string  `mapstructure:"exporter_endpoint"`
	SamplingRatio    float64 `mapstructure:"sampling_ratio" validate:"gte=0,lte=1"`
}

// Load reads configuration from the environment (prefix PHOTOFIND_, nested
// keys joined with underscores) and, when path is non-empty, a YAML file.
// Environment variables win over the file; defaults fill the rest.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("PHOTOFIND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.shutdown_timeout", 20*time.Second)

	v.SetDefault("pipeline.workers", 4)
	v.SetDefault("pipeline.fetch_timeout", 30*time.Second)
	v.SetDefault("pipeline.fetch_retries", 3)

	v.SetDefault("matching.face_threshold", 0.75)

	v.SetDefault("jobs.max_per_owner", 3)
	v.SetDefault("jobs.retention", 30*time.Minute)
	v.SetDefault("jobs.sweep_interval", time.Minute)

	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.path", "")
	v.SetDefault("cache.evict_after", 30*24*time.Hour)
	v.SetDefault("cache.sweep_interval", time.Hour)

	// Empty defaults so the corresponding environment variables bind.
	v.SetDefault("providers.access_token", "")
	v.SetDefault("providers.drive_base_url", "")
	v.SetDefault("providers.graph_base_url", "")

	v.SetDefault("recognition.base_url", "http://localhost:5001")

	v.SetDefault("telemetry.service_name", "photofind-engine")
	v.SetDefault("telemetry.exporter_endpoint", "")
	v.SetDefault("telemetry.sampling_ratio", 1.0)
}
