package config

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/scoreload/internal/pool"
	"github.com/ChuLiYu/scoreload/internal/worker"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	pc := cfg.PoolConfig()
	assert.Equal(t, 2, pc.MinWorkers)
	assert.Equal(t, 4, pc.MaxWorkers)
	assert.Equal(t, worker.ModeLocal, pc.Mode)
	assert.Equal(t, 10*time.Second, pc.Timeouts.For(1024))
	assert.Equal(t, "measure", pc.Processor.Parser.UnitElement)
	assert.Equal(t, 10, cfg.CacheConfig().Capacity)
}

func TestShippedConfigMatchesDefaults(t *testing.T) {
	_, file, _, ok := runtime.Caller(0)
	require.True(t, ok)
	path := filepath.Join(filepath.Dir(file), "..", "..", "configs", "default.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)

	want := Default()
	want.Metrics.Enabled = true
	assert.Equal(t, want, cfg)
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
pool:
  max_workers: 8
  worker_mode: process
timeouts:
  buckets:
    - max_bytes: 1000
      timeout: 2s
  largest: 20s
  unknown: 5s
cache:
  max_age: 90s
log:
  level: debug
  format: json
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Pool.MaxWorkers)
	assert.Equal(t, 2, cfg.Pool.MinWorkers, "unset fields keep defaults")
	assert.Equal(t, worker.ModeProcess, cfg.PoolConfig().Mode)
	assert.Equal(t, []pool.TimeoutBucket{{MaxBytes: 1000, Timeout: 2 * time.Second}}, cfg.Timeouts.Buckets)
	assert.Equal(t, 20*time.Second, cfg.Timeouts.For(5000))
	assert.Equal(t, 90*time.Second, cfg.Cache.MaxAge)
	assert.Equal(t, 10, cfg.Cache.Capacity)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown key", "pool:\n  workers: 3\n"},
		{"bad duration", "cache:\n  max_age: soon\n"},
		{"max below min", "pool:\n  min_workers: 4\n  max_workers: 2\n"},
		{"bad mode", "pool:\n  worker_mode: thread\n"},
		{"shrinking timeouts", "timeouts:\n  buckets:\n    - {max_bytes: 10, timeout: 20s}\n  largest: 5s\n  unknown: 5s\n"},
		{"threshold above ceiling", "processor:\n  max_file_bytes: 100\n  stream_threshold: 200\n"},
		{"buffer below chunk", "parser:\n  max_buffer_bytes: 1024\n"},
		{"bad level", "log:\n  level: loud\n"},
		{"bad format", "log:\n  format: xml\n"},
		{"not yaml", "pool: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestEmptyFileUsesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestMarshalRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Pool.HighWater = 6
	data, err := cfg.Marshal()
	require.NoError(t, err)

	back, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, cfg, back)
}

func TestNewLogger(t *testing.T) {
	cfg := Default()
	cfg.Log.Format = "json"
	cfg.Log.Level = "warn"

	var buf bytes.Buffer
	logger := cfg.NewLogger(&buf)
	logger.Info("hidden")
	logger.Warn("shown", "jobID", "job-1")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "shown", rec["msg"])
	assert.Equal(t, "job-1", rec["jobID"])
}
