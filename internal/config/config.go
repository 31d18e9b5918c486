// ============================================================================
// scoreload configuration
// ============================================================================
//
// Package: internal/config
// File: config.go
// Purpose: load the YAML configuration and hand each package its settings
//
// Layout (configs/default.yaml):
//
//	pool:      worker bounds, backpressure watermarks, worker mode
//	timeouts:  size buckets -> job timeout
//	processor: size ceilings, streaming threshold, read chunk size
//	parser:    unit element, first excerpt size, buffer ceiling
//	cache:     capacity and max entry age
//	metrics:   Prometheus endpoint
//	bridge:    gRPC listen address
//	log:       level and format
//
// Every field has a default; a file only needs the fields it changes.
// Durations are Go duration strings ("10s", "5m").
//
// ============================================================================

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/scoreload/internal/cache"
	"github.com/ChuLiYu/scoreload/internal/pool"
	"github.com/ChuLiYu/scoreload/internal/processor"
	"github.com/ChuLiYu/scoreload/internal/stream"
	"github.com/ChuLiYu/scoreload/internal/validate"
	"github.com/ChuLiYu/scoreload/internal/worker"
)

// DefaultPath is where the CLI looks for the configuration file.
const DefaultPath = "configs/default.yaml"

// Config is the complete loader configuration.
type Config struct {
	Pool      PoolConfig         `yaml:"pool"`
	Timeouts  pool.TimeoutPolicy `yaml:"timeouts"`
	Processor ProcessorConfig    `yaml:"processor"`
	Parser    ParserConfig       `yaml:"parser"`
	Cache     CacheConfig        `yaml:"cache"`
	Metrics   MetricsConfig      `yaml:"metrics"`
	Bridge    BridgeConfig       `yaml:"bridge"`
	Log       LogConfig          `yaml:"log"`
}

// PoolConfig bounds the worker pool.
type PoolConfig struct {
	MinWorkers     int           `yaml:"min_workers"`
	MaxWorkers     int           `yaml:"max_workers"`
	HighWater      int           `yaml:"high_water"`
	LowWater       int           `yaml:"low_water"`
	WorkerMode     string        `yaml:"worker_mode"` // local | process
	TerminateGrace time.Duration `yaml:"terminate_grace"`
}

// ProcessorConfig controls file reading.
type ProcessorConfig struct {
	MaxFileBytes     int64    `yaml:"max_file_bytes"`
	StreamThreshold  int64    `yaml:"stream_threshold"`
	ReadChunkBytes   int      `yaml:"read_chunk_bytes"`
	MaxInflatedBytes int64    `yaml:"max_inflated_bytes"`
	RootElements     []string `yaml:"root_elements"`
	SkipMetadata     bool     `yaml:"skip_metadata"`
}

// ParserConfig controls the streaming parser.
type ParserConfig struct {
	UnitElement        string `yaml:"unit_element"`
	FirstExcerptUnits  int    `yaml:"first_excerpt_units"`
	MaxBufferBytes     int    `yaml:"max_buffer_bytes"`
	RequireDeclaration bool   `yaml:"require_declaration"`
}

// CacheConfig bounds the result cache.
type CacheConfig struct {
	Capacity int           `yaml:"capacity"`
	MaxAge   time.Duration `yaml:"max_age"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// BridgeConfig controls the gRPC boundary.
type BridgeConfig struct {
	Addr string `yaml:"addr"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Default returns the built-in configuration.
func Default() *Config {
	p := pool.DefaultConfig()
	return &Config{
		Pool: PoolConfig{
			MinWorkers:     p.MinWorkers,
			MaxWorkers:     p.MaxWorkers,
			HighWater:      p.HighWater,
			LowWater:       p.LowWater,
			WorkerMode:     string(worker.ModeLocal),
			TerminateGrace: p.TerminateGrace,
		},
		Timeouts: pool.DefaultTimeoutPolicy(),
		Processor: ProcessorConfig{
			MaxFileBytes:     processor.DefaultMaxFileBytes,
			StreamThreshold:  processor.DefaultStreamThreshold,
			ReadChunkBytes:   processor.DefaultReadChunkBytes,
			MaxInflatedBytes: processor.DefaultMaxFileBytes,
			RootElements:     append([]string(nil), validate.DefaultRootElements...),
		},
		Parser: ParserConfig{
			UnitElement:        stream.DefaultUnitElement,
			FirstExcerptUnits:  stream.DefaultFirstExcerptUnits,
			MaxBufferBytes:     stream.DefaultMaxBufferBytes,
			RequireDeclaration: true,
		},
		Cache: CacheConfig{
			Capacity: cache.DefaultCapacity,
			MaxAge:   cache.DefaultMaxAge,
		},
		Metrics: MetricsConfig{Enabled: false, Addr: ":9090"},
		Bridge:  BridgeConfig{Addr: "127.0.0.1:50051"},
		Log:     LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result. Unknown
// keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges and cross-field constraints.
func (c *Config) Validate() error {
	if err := c.PoolConfig().Validate(); err != nil {
		return err
	}
	p := c.Processor
	if p.MaxFileBytes <= 0 {
		return fmt.Errorf("processor: max_file_bytes must be positive")
	}
	if p.StreamThreshold <= 0 || p.StreamThreshold > p.MaxFileBytes {
		return fmt.Errorf("processor: stream_threshold %d outside (0, %d]", p.StreamThreshold, p.MaxFileBytes)
	}
	if p.ReadChunkBytes <= 0 {
		return fmt.Errorf("processor: read_chunk_bytes must be positive")
	}
	if p.MaxInflatedBytes < 0 {
		return fmt.Errorf("processor: max_inflated_bytes must not be negative")
	}
	if c.Parser.FirstExcerptUnits < 1 {
		return fmt.Errorf("parser: first_excerpt_units must be >= 1")
	}
	if c.Parser.MaxBufferBytes < p.ReadChunkBytes {
		return fmt.Errorf("parser: max_buffer_bytes %d below read_chunk_bytes %d", c.Parser.MaxBufferBytes, p.ReadChunkBytes)
	}
	if strings.TrimSpace(c.Parser.UnitElement) == "" {
		return fmt.Errorf("parser: unit_element is required")
	}
	if c.Cache.Capacity < 1 || c.Cache.MaxAge <= 0 {
		return fmt.Errorf("cache: capacity and max_age must be positive")
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics: addr is required when enabled")
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log: unknown format %q (want text or json)", c.Log.Format)
	}
	return nil
}

// ============================================================================
// Converters
// ============================================================================

// ParserConfig returns the streaming parser settings.
func (c *Config) ParserConfig() stream.Config {
	return stream.Config{
		UnitElement:        c.Parser.UnitElement,
		FirstExcerptUnits:  c.Parser.FirstExcerptUnits,
		MaxBufferBytes:     c.Parser.MaxBufferBytes,
		RootElements:       c.Processor.RootElements,
		RequireDeclaration: c.Parser.RequireDeclaration,
	}
}

// ProcessorConfig returns the file processor settings.
func (c *Config) ProcessorConfig() processor.Config {
	return processor.Config{
		MaxFileBytes:     c.Processor.MaxFileBytes,
		StreamThreshold:  c.Processor.StreamThreshold,
		ReadChunkBytes:   c.Processor.ReadChunkBytes,
		MaxInflatedBytes: c.Processor.MaxInflatedBytes,
		RootElements:     c.Processor.RootElements,
		Parser:           c.ParserConfig(),
		SkipMetadata:     c.Processor.SkipMetadata,
	}
}

// PoolConfig returns the pool manager settings.
func (c *Config) PoolConfig() pool.Config {
	return pool.Config{
		MinWorkers:     c.Pool.MinWorkers,
		MaxWorkers:     c.Pool.MaxWorkers,
		HighWater:      c.Pool.HighWater,
		LowWater:       c.Pool.LowWater,
		Timeouts:       c.Timeouts,
		TerminateGrace: c.Pool.TerminateGrace,
		Mode:           worker.Mode(c.Pool.WorkerMode),
		WorkerArgs:     []string{"worker"},
		Processor:      c.ProcessorConfig(),
	}
}

// CacheConfig returns the cache settings.
func (c *Config) CacheConfig() cache.Config {
	return cache.Config{Capacity: c.Cache.Capacity, MaxAge: c.Cache.MaxAge}
}

// ============================================================================
// Logging
// ============================================================================

// ParseLevel maps a level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("log: unknown level %q", s)
}

// NewLogger builds the process logger writing to w.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level, err := ParseLevel(c.Log.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// InstallLogger builds the process logger and makes it the slog default.
func (c *Config) InstallLogger(w io.Writer) *slog.Logger {
	logger := c.NewLogger(w)
	slog.SetDefault(logger)
	return logger
}

// Marshal renders the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
