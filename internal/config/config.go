// Package config loads the run configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/me/stagerun/internal/allocator"
	"github.com/me/stagerun/internal/logging"
	"github.com/me/stagerun/pkg/model"
)

// Config holds configuration for a stagerun invocation.
type Config struct {
	Executor    model.ExecutorType `yaml:"executor"`     // sequential, pooled or batch
	LogLevel    string             `yaml:"log_level"`    // debug, info, warn, error
	LogFormat   string             `yaml:"log_format"`   // text, json
	DBPath      string             `yaml:"db_path"`      // timing database; empty disables it
	LogDir      string             `yaml:"log_dir"`      // per-job output logs; empty keeps output in memory
	MetricsAddr string             `yaml:"metrics_addr"` // e.g. ":9090"; empty disables the endpoint

	Pool  PoolConfig  `yaml:"pool"`
	Batch BatchConfig `yaml:"batch"`
}

// PoolConfig configures the pooled executor.
type PoolConfig struct {
	// Workers lists heterogeneous worker slots. When empty, Size identical
	// slots are created.
	Workers      []model.WorkerDescriptor `yaml:"workers"`
	Size         int                      `yaml:"size"`
	PollInterval time.Duration            `yaml:"poll_interval"`
	Strict       bool                     `yaml:"strict"`
	MaxRetry     int                      `yaml:"max_retry"`
	RetryInitial time.Duration            `yaml:"retry_initial"`
	RetryMax     time.Duration            `yaml:"retry_max"`
}

// BatchConfig configures the batch cluster executor and its scheduler client.
type BatchConfig struct {
	Budget             int           `yaml:"budget"`
	PollInterval       time.Duration `yaml:"poll_interval"`
	PendingTimeout     time.Duration `yaml:"pending_timeout"`
	InactiveTimeout    time.Duration `yaml:"inactive_timeout"`
	InactiveCPUPercent float64       `yaml:"inactive_cpu_percent"`
	InactiveSamples    int           `yaml:"inactive_samples"`
	MaxRetry           int           `yaml:"max_retry"`
	RetryInitial       time.Duration `yaml:"retry_initial"`
	RetryMax           time.Duration `yaml:"retry_max"`
	PurgeWorkDir       bool          `yaml:"purge_workdir"`

	// Endpoint is the JSON-RPC URL of the cluster scheduler. Local runs jobs
	// as child processes instead and ignores Endpoint.
	Endpoint       string        `yaml:"endpoint"`
	Token          string        `yaml:"token"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	Local          bool          `yaml:"local"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Executor:  model.ExecutorTypeSequential,
		LogLevel:  "info",
		LogFormat: "text",
		Pool: PoolConfig{
			Size:         4,
			PollInterval: 200 * time.Millisecond,
			Strict:       true,
		},
		Batch: BatchConfig{
			Budget:             10,
			PollInterval:       30 * time.Second,
			PendingTimeout:     24 * time.Hour,
			InactiveTimeout:    2 * time.Hour,
			InactiveCPUPercent: 1,
			InactiveSamples:    5,
			MaxRetry:           2,
			RetryInitial:       time.Minute,
			RetryMax:           30 * time.Minute,
			RequestTimeout:     time.Minute,
		},
	}
}

// Load reads a YAML configuration file on top of DefaultConfig. Unknown keys
// are rejected.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for values no executor could work with.
func (c Config) Validate() error {
	switch c.Executor {
	case model.ExecutorTypeSequential, model.ExecutorTypePooled, model.ExecutorTypeBatch:
	default:
		return fmt.Errorf("unknown executor %q (want sequential, pooled or batch)", c.Executor)
	}
	if err := logging.CheckLevel(c.LogLevel); err != nil {
		return err
	}
	if err := logging.CheckFormat(c.LogFormat); err != nil {
		return err
	}

	if len(c.Pool.Workers) == 0 && c.Pool.Size < 1 {
		return fmt.Errorf("pool: size must be at least 1 when no workers are listed")
	}
	if c.Pool.MaxRetry < 0 || c.Batch.MaxRetry < 0 {
		return fmt.Errorf("max_retry must not be negative")
	}
	if c.Batch.Budget < 1 {
		return fmt.Errorf("batch: budget must be at least 1")
	}
	if c.Batch.InactiveSamples < 0 {
		return fmt.Errorf("batch: inactive_samples must not be negative")
	}
	if c.Executor == model.ExecutorTypeBatch && !c.Batch.Local && c.Batch.Endpoint == "" {
		return fmt.Errorf("batch: endpoint is required unless local is set")
	}
	return nil
}

// PoolWorkers returns the configured worker slots, or Size uniform slots.
func (c PoolConfig) PoolWorkers() []model.WorkerDescriptor {
	if len(c.Workers) > 0 {
		return c.Workers
	}
	return allocator.Uniform(c.Size)
}
