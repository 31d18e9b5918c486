package pool

import (
	"fmt"
	"time"

	"github.com/ChuLiYu/scoreload/internal/processor"
	"github.com/ChuLiYu/scoreload/internal/worker"
)

// Defaults
const (
	DefaultMinWorkers     = 2
	DefaultMaxWorkers     = 4
	DefaultHighWater      = 4
	DefaultTerminateGrace = 5 * time.Second
)

// Config tunes a Manager.
type Config struct {
	// The worker ceiling is NumCPU-1 clamped to [MinWorkers, MaxWorkers].
	MinWorkers int
	MaxWorkers int

	// Per-job backpressure watermarks on queued chunk events. LowWater
	// <= 0 uses HighWater/2.
	HighWater int
	LowWater  int

	Timeouts       TimeoutPolicy
	TerminateGrace time.Duration // bound on waiting for one worker to end

	Mode       worker.Mode
	WorkerPath string   // process mode executable, empty is the current binary
	WorkerArgs []string // process mode arguments selecting the worker entry point
	Processor  processor.Config
}

// DefaultConfig returns the default settings in local mode.
func DefaultConfig() Config {
	return Config{
		MinWorkers:     DefaultMinWorkers,
		MaxWorkers:     DefaultMaxWorkers,
		HighWater:      DefaultHighWater,
		LowWater:       DefaultHighWater / 2,
		Timeouts:       DefaultTimeoutPolicy(),
		TerminateGrace: DefaultTerminateGrace,
		Mode:           worker.ModeLocal,
		WorkerArgs:     []string{"worker"},
		Processor:      processor.DefaultConfig(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MinWorkers == 0 {
		c.MinWorkers = d.MinWorkers
	}
	if c.MaxWorkers == 0 {
		c.MaxWorkers = d.MaxWorkers
	}
	if c.HighWater == 0 {
		c.HighWater = d.HighWater
	}
	if c.LowWater <= 0 {
		c.LowWater = max(c.HighWater/2, 1)
	}
	if c.Timeouts.Unknown == 0 && c.Timeouts.Largest == 0 && len(c.Timeouts.Buckets) == 0 {
		c.Timeouts = d.Timeouts
	}
	if c.TerminateGrace <= 0 {
		c.TerminateGrace = d.TerminateGrace
	}
	if c.Mode == "" {
		c.Mode = d.Mode
	}
	if len(c.WorkerArgs) == 0 {
		c.WorkerArgs = d.WorkerArgs
	}
	return c
}

// Validate reports the first inconsistent setting.
func (c Config) Validate() error {
	if c.MinWorkers < 1 {
		return fmt.Errorf("pool: min_workers must be >= 1, got %d", c.MinWorkers)
	}
	if c.MaxWorkers < c.MinWorkers {
		return fmt.Errorf("pool: max_workers %d below min_workers %d", c.MaxWorkers, c.MinWorkers)
	}
	if c.HighWater < 1 {
		return fmt.Errorf("pool: high_water must be >= 1, got %d", c.HighWater)
	}
	if c.LowWater < 1 || c.LowWater > c.HighWater {
		return fmt.Errorf("pool: low_water %d outside [1, %d]", c.LowWater, c.HighWater)
	}
	if _, err := worker.ParseMode(string(c.Mode)); err != nil {
		return fmt.Errorf("pool: %w", err)
	}
	return c.Timeouts.Validate()
}

// Ceiling returns the worker ceiling for a machine with numCPU cores.
func (c Config) Ceiling(numCPU int) int {
	return min(max(numCPU-1, c.MinWorkers), c.MaxWorkers)
}
