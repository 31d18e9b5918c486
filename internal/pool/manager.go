// ============================================================================
// scoreload pool manager
// ============================================================================
//
// Package: internal/pool
// File: manager.go
// Purpose: admit load requests onto a bounded set of isolated workers
//
// Job lifecycle:
//
//	Submit ─► admitted ─► spawned ─► running ─┬─► completed  (result, cached)
//	   │                                      ├─► failed     (error result, crash, shutdown)
//	   │                                      └─► timed_out  (timer fired, worker killed)
//	   ├─► coalesced onto an in-flight job with the same fingerprint
//	   └─► rejected (invalid path, ceiling reached, shut down)
//
// Each running job owns one supervisor goroutine (worker messages, timer,
// stop signal) and one relay goroutine (event queue to subscribers). The
// supervisor pauses the worker when the queue reaches the high watermark and
// the relay resumes it below the low watermark.
//
// ============================================================================

package pool

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/ChuLiYu/scoreload/internal/cache"
	"github.com/ChuLiYu/scoreload/internal/jobmanager"
	"github.com/ChuLiYu/scoreload/internal/metrics"
	"github.com/ChuLiYu/scoreload/internal/processor"
	"github.com/ChuLiYu/scoreload/internal/validate"
	"github.com/ChuLiYu/scoreload/internal/worker"
	"github.com/ChuLiYu/scoreload/pkg/types"
)

// Request asks for one file to be loaded.
type Request struct {
	FilePath     string
	JobID        types.JobID // empty generates one
	DeclaredSize int64       // <= 0 means unknown
}

// Manager owns admission, worker supervision and shutdown.
type Manager struct {
	cfg     Config
	ceiling int
	spawner worker.Spawner
	jobs    *jobmanager.JobManager
	cache   *cache.Cache
	metrics *metrics.Collector
	log     *slog.Logger
	sem     *semaphore.Weighted

	mu       sync.Mutex
	running  map[types.JobID]*activeJob
	inflight map[string]*activeJob // by fingerprint
	stopped  bool

	subMu      sync.RWMutex
	subs       map[*Subscription]struct{}
	subsClosed bool

	stopCh       chan struct{}
	wg           sync.WaitGroup
	shutdownOnce sync.Once
}

type activeJob struct {
	rec         types.Job
	fingerprint string
	pending     *Pending
	queue       *eventQueue
	handle      worker.Handle // nil until spawned, guarded by Manager.mu
	settled     atomic.Bool
}

// Option customizes a Manager.
type Option func(*Manager)

// WithSpawner replaces the spawner built from Config.Mode.
func WithSpawner(s worker.Spawner) Option {
	return func(m *Manager) { m.spawner = s }
}

// WithCache sets the result cache. The default is cache.New with defaults.
func WithCache(c *cache.Cache) Option {
	return func(m *Manager) { m.cache = c }
}

// WithMetrics sets the metrics collector. The default records nothing.
func WithMetrics(c *metrics.Collector) Option {
	return func(m *Manager) { m.metrics = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithCeiling overrides the CPU-derived worker ceiling.
func WithCeiling(n int) Option {
	return func(m *Manager) { m.ceiling = n }
}

// New creates a manager.
func New(cfg Config, opts ...Option) (*Manager, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:      cfg,
		ceiling:  cfg.Ceiling(runtime.NumCPU()),
		jobs:     jobmanager.NewJobManager(),
		log:      slog.Default(),
		running:  make(map[types.JobID]*activeJob),
		inflight: make(map[string]*activeJob),
		subs:     make(map[*Subscription]struct{}),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.ceiling < 1 {
		return nil, fmt.Errorf("pool: worker ceiling must be >= 1, got %d", m.ceiling)
	}
	if m.cache == nil {
		m.cache = cache.New(cache.Config{})
	}
	if m.spawner == nil {
		m.spawner = newSpawner(cfg, m.log)
	}
	m.sem = semaphore.NewWeighted(int64(m.ceiling))
	return m, nil
}

func newSpawner(cfg Config, logger *slog.Logger) worker.Spawner {
	if cfg.Mode == worker.ModeProcess {
		return &worker.ProcessSpawner{
			Path:   cfg.WorkerPath,
			Args:   cfg.WorkerArgs,
			Config: cfg.Processor,
			Log:    logger,
		}
	}
	return worker.NewLocalSpawner(processor.New(cfg.Processor, logger), logger)
}

// ============================================================================
// Admission
// ============================================================================

// Submit admits a load request and returns its future result.
//
// Invalid paths, a full pool and a shut down manager are rejected
// synchronously. A request whose fingerprint matches an in-flight job joins
// that job instead of starting a new one. Every other failure arrives as a
// failed result on the returned Pending.
func (m *Manager) Submit(ctx context.Context, req Request) (*Pending, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path, err := validate.Path(req.FilePath)
	if err != nil {
		m.metrics.RecordRejected(metrics.ReasonInput)
		return nil, err
	}
	fp, statSize := Fingerprint(path)

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		m.metrics.RecordRejected(metrics.ReasonShutdown)
		return nil, types.Errorf(types.CodeShutdown, "submit", "loader is shut down")
	}
	if aj, ok := m.inflight[fp]; ok {
		m.mu.Unlock()
		m.metrics.RecordCoalesced()
		m.log.Debug("Request coalesced", "jobID", aj.rec.ID, "path", path)
		return aj.pending, nil
	}
	if !m.sem.TryAcquire(1) {
		m.mu.Unlock()
		m.metrics.RecordRejected(metrics.ReasonAdmission)
		return nil, types.Errorf(types.CodeTooManyConcurrent, "submit", "all %d workers busy", m.ceiling)
	}

	id := req.JobID
	if id == "" {
		id = types.JobID(uuid.NewString())
	}
	size := req.DeclaredSize
	if size <= 0 {
		size = statSize
	}
	if err := m.jobs.Register(types.Job{
		ID:           id,
		FilePath:     path,
		DeclaredSize: req.DeclaredSize,
		Timeout:      m.cfg.Timeouts.For(size),
	}); err != nil {
		m.sem.Release(1)
		m.mu.Unlock()
		m.metrics.RecordRejected(metrics.ReasonInput)
		return nil, err
	}
	rec, _ := m.jobs.Get(id)

	aj := &activeJob{rec: rec, fingerprint: fp, pending: newPending(id)}
	aj.queue = newEventQueue(m.cfg.HighWater, m.cfg.LowWater,
		func() { m.control(aj, worker.ControlPause) },
		func() { m.control(aj, worker.ControlResume) })
	m.running[id] = aj
	m.inflight[fp] = aj
	m.wg.Add(2) // supervisor and relay
	m.mu.Unlock()

	m.metrics.RecordSubmitted()
	go m.relay(aj)

	handle, err := m.spawner.Spawn(ctx, processor.Task{JobID: id, FilePath: path, DeclaredSize: req.DeclaredSize})
	if err != nil {
		m.log.Error("Failed to spawn worker", "jobID", id, "error", err)
		m.finish(aj, types.Wrap(types.CodeWorkerCrashed, "spawn", err), types.StateFailed)
		m.wg.Done()
		return aj.pending, nil
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		m.terminate(handle)
		m.finish(aj, types.Errorf(types.CodeShutdown, "submit", "loader shut down during spawn"), types.StateFailed)
		m.wg.Done()
		return aj.pending, nil
	}
	aj.handle = handle
	m.mu.Unlock()

	if err := m.jobs.MarkRunning(id, handle.ID()); err != nil {
		m.log.Warn("Failed to mark job running", "jobID", id, "error", err)
	}
	m.log.Info("Job admitted", "jobID", id, "worker", handle.ID(), "path", path, "timeout", rec.Timeout)

	go m.supervise(aj, handle)
	return aj.pending, nil
}

// ============================================================================
// Supervision
// ============================================================================

func (m *Manager) supervise(aj *activeJob, h worker.Handle) {
	defer m.wg.Done()
	defer m.terminate(h)

	timer := time.NewTimer(aj.rec.Timeout)
	defer timer.Stop()

	id := aj.rec.ID
	msgs := h.Messages()
	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				m.finish(aj, m.exitError(h, nil), types.StateFailed)
				return
			}
			switch msg.Kind {
			case worker.MessageChunk:
				if msg.Chunk == nil {
					continue
				}
				ev := *msg.Chunk
				ev.JobID = id
				m.metrics.RecordChunk(string(ev.Kind))
				aj.queue.push(Event{Kind: EventChunk, JobID: id, Chunk: &ev})

			case worker.MessageResult:
				if msg.Result == nil {
					m.finish(aj, types.Errorf(types.CodeWorkerCrashed, "supervise", "worker %s sent an empty result", h.ID()), types.StateFailed)
					return
				}
				m.complete(aj, *msg.Result)
				return

			case worker.MessageExit:
				m.finish(aj, m.exitError(h, msg.Error.AsError()), types.StateFailed)
				return
			}

		case <-timer.C:
			m.log.Warn("Job timed out", "jobID", id, "worker", h.ID(), "timeout", aj.rec.Timeout)
			m.terminate(h)
			m.finish(aj, types.Errorf(types.CodeTimeout, "supervise", "no result within %v", aj.rec.Timeout), types.StateTimedOut)
			return

		case <-m.stopCh:
			m.terminate(h)
			m.finish(aj, types.Errorf(types.CodeShutdown, "supervise", "loader shut down"), types.StateFailed)
			return
		}
	}
}

// exitError classifies a worker that ended without a result. A worker
// killed by Shutdown is a shutdown, not a crash.
func (m *Manager) exitError(h worker.Handle, reported error) error {
	select {
	case <-m.stopCh:
		return types.Errorf(types.CodeShutdown, "supervise", "loader shut down")
	default:
	}
	if reported != nil {
		return reported
	}
	return types.Errorf(types.CodeWorkerCrashed, "supervise", "worker %s ended without a result", h.ID())
}

// relay moves a job's events from its queue to the subscribers.
func (m *Manager) relay(aj *activeJob) {
	defer m.wg.Done()
	for {
		ev, ok := aj.queue.pop(m.stopCh)
		if !ok {
			return
		}
		m.publish(ev)
	}
}

func (m *Manager) control(aj *activeJob, c worker.Control) {
	m.mu.Lock()
	h := aj.handle
	m.mu.Unlock()
	if h == nil {
		return
	}
	if c == worker.ControlPause {
		m.metrics.RecordPause()
	}
	if err := h.Control(c); err != nil {
		m.log.Debug("Control not delivered", "jobID", aj.rec.ID, "control", c, "error", err)
	}
}

func (m *Manager) terminate(h worker.Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.TerminateGrace)
	defer cancel()
	if err := h.Terminate(ctx); err != nil {
		m.log.Warn("Failed to terminate worker", "worker", h.ID(), "error", err)
	}
}

// ============================================================================
// Completion
// ============================================================================

// complete finishes a job with the result its worker reported.
func (m *Manager) complete(aj *activeJob, res types.ProcessingResult) {
	if !res.Success {
		if res.Error == nil {
			res.Error = types.InfoFromError(types.Errorf(types.CodeInternal, "supervise", "failed result without error"))
		}
		m.settle(aj, res, types.StateFailed)
		return
	}
	res.Error = nil
	m.settle(aj, res, types.StateCompleted)
}

// finish fails a job with err.
func (m *Manager) finish(aj *activeJob, err error, state types.JobState) {
	m.settle(aj, types.FailedResult(aj.rec.ID, filepath.Base(aj.rec.FilePath), err), state)
}

// settle applies a terminal outcome exactly once: the record is removed,
// the slot freed, the cache written on success, the terminal event queued
// and every waiter released.
//
// A job ID may be reused as soon as its record is removed, so the running
// and inflight entries are only dropped while they still point at aj.
func (m *Manager) settle(aj *activeJob, res types.ProcessingResult, state types.JobState) {
	if !aj.settled.CompareAndSwap(false, true) {
		return
	}
	rec, ok := m.jobs.Finish(aj.rec.ID, state)
	if !ok {
		rec = aj.rec
	}

	m.mu.Lock()
	if cur, ok := m.running[rec.ID]; ok && cur == aj {
		delete(m.running, rec.ID)
	}
	if cur, ok := m.inflight[aj.fingerprint]; ok && cur == aj {
		delete(m.inflight, aj.fingerprint)
	}
	m.mu.Unlock()

	res.JobID = rec.ID
	if res.FileName == "" {
		res.FileName = filepath.Base(rec.FilePath)
	}
	if !res.Success {
		res.Content = ""
	}

	evRes := res
	evRes.Metadata = res.Metadata.Clone()
	if state == types.StateCompleted {
		m.cache.Set(rec.ID, types.EntryFromResult(res))
		aj.queue.finish(Event{Kind: EventComplete, JobID: rec.ID, Result: &evRes})
	} else {
		aj.queue.fail(Event{Kind: EventError, JobID: rec.ID, Result: &evRes, Error: evRes.Error})
	}

	m.sem.Release(1)
	aj.pending.resolve(res)

	elapsed := time.Since(rec.StartTime)
	m.metrics.RecordFinished(string(state), elapsed)
	if state == types.StateCompleted {
		m.log.Info("Job completed", "jobID", rec.ID, "worker", rec.WorkerID, "duration", elapsed, "streamed", res.Streamed)
	} else {
		m.log.Info("Job failed", "jobID", rec.ID, "worker", rec.WorkerID, "state", state, "code", res.Error.Code)
	}
}

// ============================================================================
// Shutdown
// ============================================================================

// Shutdown terminates every worker, fails every outstanding job with a
// shutdown error, clears the job registry and the cache and closes every
// subscription. Later calls return nil immediately.
func (m *Manager) Shutdown(ctx context.Context) error {
	var err error
	m.shutdownOnce.Do(func() { err = m.shutdown(ctx) })
	return err
}

func (m *Manager) shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.stopped = true
	handles := make([]worker.Handle, 0, len(m.running))
	for _, aj := range m.running {
		if aj.handle != nil {
			handles = append(handles, aj.handle)
		}
	}
	m.mu.Unlock()
	close(m.stopCh)

	m.log.Info("Shutting down", "workers", len(handles))

	g, gctx := errgroup.WithContext(ctx)
	for _, h := range handles {
		h := h
		g.Go(func() error {
			if err := h.Terminate(gctx); err != nil {
				return fmt.Errorf("terminate worker %s: %w", h.ID(), err)
			}
			return nil
		})
	}
	err := g.Wait()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}

	m.mu.Lock()
	left := make([]*activeJob, 0, len(m.running))
	for _, aj := range m.running {
		left = append(left, aj)
	}
	m.mu.Unlock()
	for _, aj := range left {
		m.finish(aj, types.Errorf(types.CodeShutdown, "shutdown", "loader shut down"), types.StateFailed)
	}

	if ids := m.jobs.Clear(); len(ids) > 0 {
		m.log.Warn("Dropped job records at shutdown", "count", len(ids))
	}
	m.cache.Clear()
	m.closeSubscriptions()

	m.log.Info("Shutdown complete")
	return err
}

// ============================================================================
// Queries
// ============================================================================

// RunningCount returns the number of jobs holding a worker slot.
func (m *Manager) RunningCount() int { return m.jobs.Len() }

// IsTracked reports whether id is an active job.
func (m *Manager) IsTracked(id types.JobID) bool { return m.jobs.IsActive(id) }

// Jobs returns the active job records, oldest first.
func (m *Manager) Jobs() []types.Job { return m.jobs.Jobs() }

// Stats returns active counts by state and terminal outcome totals.
func (m *Manager) Stats() map[string]int { return m.jobs.Stats() }

// MaxWorkers returns the worker ceiling.
func (m *Manager) MaxWorkers() int { return m.ceiling }

// TimeoutFor returns the timeout a job of size bytes would get.
func (m *Manager) TimeoutFor(size int64) time.Duration { return m.cfg.Timeouts.For(size) }

// Cache returns the result cache.
func (m *Manager) Cache() *cache.Cache { return m.cache }

// Stopped reports whether Shutdown has begun.
func (m *Manager) Stopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}
