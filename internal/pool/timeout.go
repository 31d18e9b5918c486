package pool

import (
	"fmt"
	"time"
)

const (
	kb = int64(1024)
	mb = 1024 * kb
)

// TimeoutBucket maps sizes up to and including MaxBytes to Timeout.
type TimeoutBucket struct {
	MaxBytes int64         `yaml:"max_bytes"`
	Timeout  time.Duration `yaml:"timeout"`
}

// TimeoutPolicy picks a job timeout from the file size.
type TimeoutPolicy struct {
	Buckets []TimeoutBucket `yaml:"buckets"` // ascending by MaxBytes
	Largest time.Duration   `yaml:"largest"` // sizes above the last bucket
	Unknown time.Duration   `yaml:"unknown"` // size <= 0
}

// DefaultTimeoutPolicy returns: under 1MB 10s, 1MB through 5MB 30s, above
// 5MB 60s, unknown 30s.
func DefaultTimeoutPolicy() TimeoutPolicy {
	return TimeoutPolicy{
		Buckets: []TimeoutBucket{
			{MaxBytes: mb - 1, Timeout: 10 * time.Second},
			{MaxBytes: 5 * mb, Timeout: 30 * time.Second},
		},
		Largest: 60 * time.Second,
		Unknown: 30 * time.Second,
	}
}

// For returns the timeout for a file of size bytes.
func (p TimeoutPolicy) For(size int64) time.Duration {
	if size <= 0 {
		return p.Unknown
	}
	for _, b := range p.Buckets {
		if size <= b.MaxBytes {
			return b.Timeout
		}
	}
	return p.Largest
}

// Validate checks that buckets ascend and timeouts never shrink as size grows.
func (p TimeoutPolicy) Validate() error {
	if p.Unknown <= 0 || p.Largest <= 0 {
		return fmt.Errorf("timeouts: unknown and largest must be positive")
	}
	var (
		prevSize    int64 = -1
		prevTimeout time.Duration
	)
	for i, b := range p.Buckets {
		if b.MaxBytes <= prevSize {
			return fmt.Errorf("timeouts: bucket %d max_bytes %d not above %d", i, b.MaxBytes, prevSize)
		}
		if b.Timeout <= 0 || b.Timeout < prevTimeout {
			return fmt.Errorf("timeouts: bucket %d timeout %v must be positive and >= %v", i, b.Timeout, prevTimeout)
		}
		prevSize, prevTimeout = b.MaxBytes, b.Timeout
	}
	if p.Largest < prevTimeout {
		return fmt.Errorf("timeouts: largest %v below last bucket %v", p.Largest, prevTimeout)
	}
	return nil
}

// TimeoutForSize applies the default policy.
func TimeoutForSize(size int64) time.Duration {
	return DefaultTimeoutPolicy().For(size)
}
