// ============================================================================
// scoreload worker abstraction
// ============================================================================
//
// Package: internal/worker
// File: source.go
// Purpose: decouple the pool manager from how a worker is run
//
//   - local mode:   one goroutine per job, terminated by context cancel
//   - process mode: one OS subprocess per job, terminated by kill
//
// The manager only sees a Handle: a message channel, a control method and
// Terminate. Every worker processes exactly one task and then ends.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/ChuLiYu/scoreload/internal/processor"
)

// ErrTerminated is returned by Control after the worker has ended.
var ErrTerminated = errors.New("worker terminated")

// Handle is the manager's view of one running worker.
type Handle interface {
	// ID identifies the worker for logs and job records.
	ID() string

	// Messages delivers chunk messages followed by one result or exit
	// message. It is closed when the worker ends.
	Messages() <-chan Message

	// Control delivers a pause or resume signal.
	Control(c Control) error

	// Terminate stops the worker and waits until it has ended or ctx is done.
	// It is safe to call more than once.
	Terminate(ctx context.Context) error

	// Done is closed once the worker has ended.
	Done() <-chan struct{}
}

// Spawner starts one worker for one task.
type Spawner interface {
	Spawn(ctx context.Context, task processor.Task) (Handle, error)
}

// Mode selects a Spawner implementation.
type Mode string

// Modes
const (
	ModeLocal   Mode = "local"
	ModeProcess Mode = "process"
)

// ParseMode validates a mode name. Empty means local.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeLocal:
		return ModeLocal, nil
	case ModeProcess:
		return ModeProcess, nil
	}
	return "", fmt.Errorf("unknown worker mode %q (want %s or %s)", s, ModeLocal, ModeProcess)
}
