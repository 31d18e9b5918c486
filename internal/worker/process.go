// ============================================================================
// scoreload process worker
// ============================================================================
//
// Package: internal/worker
// File: process.go
// Purpose: run one task in a child process so that a crash, hang or runaway
//          allocation cannot take the manager down with it
//
// Wire protocol (JSON lines):
//   parent → child stdin:  {"task":{...},"config":{...}}  then {"control":"pause"|"resume"}
//   child  → parent stdout: Message per line, the last one a result
//   child  → parent stderr: logs, the tail is kept for crash reports
//
// A child that exits without sending a result is reported as an exit
// message with code worker_crashed, carrying the exit status and stderr tail.
//
// ============================================================================

package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/ChuLiYu/scoreload/internal/processor"
)

const stderrTailBytes = 4096

// ProcessSpawner runs each task in a new child process.
type ProcessSpawner struct {
	Path   string           // executable, empty uses os.Executable()
	Args   []string         // arguments selecting the worker entry point
	Env    []string         // child environment, nil inherits
	Config processor.Config // processor settings sent with each task
	Log    *slog.Logger
}

// Spawn starts the child and sends it the task.
func (s *ProcessSpawner) Spawn(_ context.Context, task processor.Task) (Handle, error) {
	path := s.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate worker executable: %w", err)
		}
		path = exe
	}
	logger := s.Log
	if logger == nil {
		logger = slog.Default()
	}

	cmd := exec.Command(path, s.Args...)
	cmd.Env = s.Env
	stderr := &tailBuffer{max: stderrTailBytes}
	cmd.Stderr = stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}

	p := &Process{
		id:     fmt.Sprintf("pid-%d", cmd.Process.Pid),
		cmd:    cmd,
		stdin:  stdin,
		enc:    json.NewEncoder(stdin),
		stderr: stderr,
		msgs:   make(chan Message),
		done:   make(chan struct{}),
		stop:   make(chan struct{}),
		log:    logger,
	}

	cfg := s.Config
	if err := p.write(request{Task: &task, Config: &cfg}); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, fmt.Errorf("send task to worker: %w", err)
	}

	go p.readLoop(stdout)
	return p, nil
}

// Process is a child-process-backed Handle.
type Process struct {
	id     string
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	enc    *json.Encoder
	stderr *tailBuffer
	msgs   chan Message
	done   chan struct{}
	stop   chan struct{} // closed by Terminate
	log    *slog.Logger

	mu     sync.Mutex // serializes stdin writes and kill
	killed bool
}

// ID implements Handle.
func (p *Process) ID() string { return p.id }

// Messages implements Handle.
func (p *Process) Messages() <-chan Message { return p.msgs }

// Done implements Handle.
func (p *Process) Done() <-chan struct{} { return p.done }

// Control implements Handle.
func (p *Process) Control(c Control) error {
	select {
	case <-p.done:
		return ErrTerminated
	default:
	}
	return p.write(request{Control: c})
}

// Terminate implements Handle. The child is killed, not asked to stop.
func (p *Process) Terminate(ctx context.Context) error {
	p.mu.Lock()
	if !p.killed {
		p.killed = true
		close(p.stop)
		if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			p.log.Warn("Failed to kill worker", "worker", p.id, "error", err)
		}
	}
	p.mu.Unlock()

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Process) write(r request) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enc.Encode(r)
}

func (p *Process) readLoop(stdout io.Reader) {
	defer close(p.done)
	defer close(p.msgs)

	gotResult := false
	dec := json.NewDecoder(stdout)
	for {
		var m Message
		if err := dec.Decode(&m); err != nil {
			if !errors.Is(err, io.EOF) {
				p.log.Debug("Worker output ended", "worker", p.id, "error", err)
			}
			break
		}
		if m.Kind == MessageResult || m.Kind == MessageExit {
			gotResult = true
		}
		if !p.send(m) || gotResult {
			break
		}
	}

	// Closing stdin tells a healthy child to exit; draining keeps it from
	// blocking on a full pipe while it does.
	p.mu.Lock()
	_ = p.stdin.Close()
	p.mu.Unlock()
	_, _ = io.Copy(io.Discard, stdout)
	waitErr := p.cmd.Wait()

	if gotResult {
		return
	}

	p.mu.Lock()
	killed := p.killed
	p.mu.Unlock()
	if killed {
		return
	}

	status := "exit status 0 without result"
	if waitErr != nil {
		status = waitErr.Error()
	}
	tail := strings.TrimSpace(p.stderr.String())
	p.log.Warn("Worker exited abnormally", "worker", p.id, "status", status)
	if tail != "" {
		p.send(crashMessage("%s: %s", status, tail))
	} else {
		p.send(crashMessage("%s", status))
	}
}

// send delivers m unless the worker is terminated first.
func (p *Process) send(m Message) bool {
	select {
	case p.msgs <- m:
		return true
	case <-p.stop:
		return false
	}
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailBuffer) Write(b []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, b...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(b), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
