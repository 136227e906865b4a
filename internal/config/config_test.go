package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/me/stagerun/pkg/model"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stagerun.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
executor: batch
log_format: json
db_path: /tmp/timings.db
batch:
  budget: 3
  poll_interval: 5s
  inactive_timeout: 1h
  local: true
pool:
  workers:
    - id: big
      high_mem: true
      cores: 16
    - id: small
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Executor != model.ExecutorTypeBatch {
		t.Errorf("Executor = %q", cfg.Executor)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want default info", cfg.LogLevel)
	}
	if cfg.Batch.Budget != 3 || cfg.Batch.PollInterval != 5*time.Second || cfg.Batch.InactiveTimeout != time.Hour {
		t.Errorf("batch = %+v", cfg.Batch)
	}
	if cfg.Batch.PendingTimeout != 24*time.Hour {
		t.Errorf("PendingTimeout = %v, want default", cfg.Batch.PendingTimeout)
	}
	workers := cfg.Pool.PoolWorkers()
	if len(workers) != 2 || workers[0].ID != "big" || !workers[0].HighMem || workers[0].Cores != 16 {
		t.Errorf("workers = %+v", workers)
	}
	if !cfg.Pool.Strict {
		t.Error("Strict should keep its default")
	}
}

func TestLoad_EmptyFileUsesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Executor != model.ExecutorTypeSequential {
		t.Errorf("Executor = %q", cfg.Executor)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"unknown key", "exectuor: pooled\n", "field exectuor not found"},
		{"bad executor", "executor: grid\n", "unknown executor"},
		{"bad level", "log_level: loud\n", "unknown log level"},
		{"bad duration", "batch:\n  poll_interval: soon\n", "parse config"},
		{"zero budget", "batch:\n  budget: 0\n", "budget"},
		{"batch without endpoint", "executor: batch\n", "endpoint is required"},
		{"empty pool", "pool:\n  size: 0\n", "size must be at least 1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want it to contain %q", err, tt.want)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestPoolWorkers_Uniform(t *testing.T) {
	workers := PoolConfig{Size: 3}.PoolWorkers()
	if len(workers) != 3 || workers[2].ID != "worker-2" {
		t.Errorf("workers = %+v", workers)
	}
}
