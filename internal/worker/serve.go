package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/ChuLiYu/scoreload/internal/processor"
	"github.com/ChuLiYu/scoreload/pkg/types"
)

// ErrNoTask is returned by Serve when the input ends before a task arrives.
var ErrNoTask = errors.New("worker: no task received")

// Serve is the child side of a process worker. It reads one task from r,
// processes it while applying controls read from r, and writes messages to w.
// Input ending early cancels processing.
func Serve(ctx context.Context, r io.Reader, w io.Writer, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	dec := json.NewDecoder(r)
	var first request
	if err := dec.Decode(&first); err != nil {
		if errors.Is(err, io.EOF) {
			return ErrNoTask
		}
		return fmt.Errorf("decode task: %w", err)
	}
	if first.Task == nil {
		return ErrNoTask
	}
	cfg := processor.DefaultConfig()
	if first.Config != nil {
		cfg = *first.Config
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	gate := NewGate()
	go func() {
		// Parent closing stdin or dying ends the task.
		defer cancel()
		for {
			var req request
			if err := dec.Decode(&req); err != nil {
				return
			}
			gate.Apply(req.Control)
		}
	}()

	var mu sync.Mutex
	enc := json.NewEncoder(w)
	write := func(m Message) error {
		mu.Lock()
		defer mu.Unlock()
		return enc.Encode(m)
	}

	sink := processor.SinkFunc(func(ctx context.Context, ev types.ChunkEvent) error {
		if err := gate.Wait(ctx); err != nil {
			return err
		}
		return write(Message{Kind: MessageChunk, Chunk: &ev})
	})

	task := *first.Task
	logger.Debug("Worker processing task", "jobID", task.JobID, "path", task.FilePath)
	res := processor.New(cfg, logger).Process(ctx, task, sink)
	if err := write(Message{Kind: MessageResult, Result: &res}); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	return nil
}
