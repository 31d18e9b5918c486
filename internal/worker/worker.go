// ============================================================================
// scoreload local worker
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Purpose: run one task in its own goroutine
//
// Execution model:
//   ┌──────────────────────────────────────┐
//   │  worker goroutine                    │
//   │   ├─ ctx from Terminate (cancel)     │
//   │   ├─ processor.Process(ctx, task)    │
//   │   │    └─ sink: gate.Wait → msgs     │
//   │   ├─ result → msgs                   │
//   │   └─ recover() → exit(worker_crashed)│
//   └──────────────────────────────────────┘
//
// The worker context is detached from the Spawn context: only Terminate
// stops it. A panic anywhere in processing is reported as a crash and never
// reaches the manager.
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/ChuLiYu/scoreload/internal/processor"
	"github.com/ChuLiYu/scoreload/pkg/types"
)

// Runner is the task body run by a local worker.
type Runner interface {
	Process(ctx context.Context, task processor.Task, sink processor.Sink) types.ProcessingResult
}

// RunnerFunc adapts a function to a Runner.
type RunnerFunc func(ctx context.Context, task processor.Task, sink processor.Sink) types.ProcessingResult

// Process calls f.
func (f RunnerFunc) Process(ctx context.Context, task processor.Task, sink processor.Sink) types.ProcessingResult {
	return f(ctx, task, sink)
}

// LocalSpawner runs each task in a new goroutine.
type LocalSpawner struct {
	runner Runner
	log    *slog.Logger
	seq    atomic.Uint64
}

// NewLocalSpawner creates a spawner around runner.
func NewLocalSpawner(runner Runner, logger *slog.Logger) *LocalSpawner {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalSpawner{runner: runner, log: logger}
}

// Spawn starts the worker and returns immediately.
func (s *LocalSpawner) Spawn(_ context.Context, task processor.Task) (Handle, error) {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		id:     fmt.Sprintf("local-%d", s.seq.Add(1)),
		msgs:   make(chan Message),
		done:   make(chan struct{}),
		gate:   NewGate(),
		cancel: cancel,
		log:    s.log,
	}
	go w.run(ctx, s.runner, task)
	return w, nil
}

// Worker is a goroutine-backed Handle.
type Worker struct {
	id     string
	msgs   chan Message
	done   chan struct{}
	gate   *Gate
	cancel context.CancelFunc
	log    *slog.Logger
	once   sync.Once
}

// ID implements Handle.
func (w *Worker) ID() string { return w.id }

// Messages implements Handle.
func (w *Worker) Messages() <-chan Message { return w.msgs }

// Done implements Handle.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Control implements Handle.
func (w *Worker) Control(c Control) error {
	select {
	case <-w.done:
		return ErrTerminated
	default:
	}
	w.gate.Apply(c)
	return nil
}

// Terminate implements Handle.
func (w *Worker) Terminate(ctx context.Context) error {
	w.once.Do(w.cancel)
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) run(ctx context.Context, runner Runner, task processor.Task) {
	defer close(w.done)
	defer close(w.msgs)
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("Worker panicked", "worker", w.id, "jobID", task.JobID, "panic", r, "stack", string(debug.Stack()))
			w.send(ctx, crashMessage("panic: %v", r))
		}
	}()

	sink := processor.SinkFunc(func(ctx context.Context, ev types.ChunkEvent) error {
		if err := w.gate.Wait(ctx); err != nil {
			return err
		}
		if !w.send(ctx, Message{Kind: MessageChunk, Chunk: &ev}) {
			return ctx.Err()
		}
		return nil
	})

	res := runner.Process(ctx, task, sink)
	w.send(ctx, Message{Kind: MessageResult, Result: &res})
}

// send delivers m unless the worker is terminated first.
func (w *Worker) send(ctx context.Context, m Message) bool {
	select {
	case w.msgs <- m:
		return true
	case <-ctx.Done():
		return false
	}
}
