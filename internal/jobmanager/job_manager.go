// ============================================================================
// scoreload job registry - job state machine
// ============================================================================
//
// Package: internal/jobmanager
// File: job_manager.go
// Purpose: own every active job record and its state transitions
//
// State machine:
//   Queued
//      ↓ MarkRunning()
//   Running
//      ↓ Finish()
//   Completed / Failed / TimedOut  (record removed, outcome counted)
//
// Transition rules:
//   - Queued  → Running:  MarkRunning() once a worker owns the job
//   - Queued  → terminal: Finish() when the spawn itself failed
//   - Running → terminal: Finish() exactly once per job
//
// Data layout:
//   active map[JobID]*Job - records of jobs that have not finished
//   outcomes map[JobState]int - count of finished jobs per terminal state
//
// Finish is keyed on presence: the first call removes the record and reports
// true, every later call for the same id reports false. Callers hang their
// one-time cleanup on that result.
//
// Concurrency:
//   sync.RWMutex guards both maps; readers receive copies.
//
// ============================================================================

package jobmanager

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/scoreload/pkg/types"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrJobNotFound is returned for an id with no active record.
	ErrJobNotFound = errors.New("job not found")
	// ErrInvalidTransition is returned when a state change is not allowed.
	ErrInvalidTransition = errors.New("invalid job state transition")
)

// ============================================================================
// Data structures
// ============================================================================

// JobManager tracks active jobs.
type JobManager struct {
	mu       sync.RWMutex
	active   map[types.JobID]*types.Job
	outcomes map[types.JobState]int
	now      func() time.Time
}

// NewJobManager creates an empty registry.
func NewJobManager() *JobManager {
	return &JobManager{
		active:   make(map[types.JobID]*types.Job),
		outcomes: make(map[types.JobState]int),
		now:      time.Now,
	}
}

// ============================================================================
// Transitions
// ============================================================================

// Register adds job in the queued state. The id must not be active.
func (jm *JobManager) Register(job types.Job) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	if _, exists := jm.active[job.ID]; exists {
		return types.Errorf(types.CodeDuplicateJob, "register", "job %s already exists", job.ID)
	}

	now := jm.now()
	job.State = types.StateQueued
	if job.StartTime.IsZero() {
		job.StartTime = now
	}
	job.UpdatedAt = now
	jm.active[job.ID] = &job
	return nil
}

// MarkRunning records that workerID owns the job.
func (jm *JobManager) MarkRunning(id types.JobID, workerID string) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, exists := jm.active[id]
	if !exists {
		return ErrJobNotFound
	}
	if job.State != types.StateQueued {
		return ErrInvalidTransition
	}

	job.State = types.StateRunning
	job.WorkerID = workerID
	job.UpdatedAt = jm.now()
	return nil
}

// Finish moves the job to a terminal state and removes its record. It
// returns the final record and true the first time, false afterwards.
func (jm *JobManager) Finish(id types.JobID, state types.JobState) (types.Job, bool) {
	if !state.IsTerminal() {
		return types.Job{}, false
	}

	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, exists := jm.active[id]
	if !exists {
		return types.Job{}, false
	}
	delete(jm.active, id)

	job.State = state
	job.UpdatedAt = jm.now()
	jm.outcomes[state]++
	return *job, true
}

// ============================================================================
// Queries
// ============================================================================

// Get returns a copy of the active record for id.
func (jm *JobManager) Get(id types.JobID) (types.Job, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	job, exists := jm.active[id]
	if !exists {
		return types.Job{}, false
	}
	return *job, true
}

// IsActive reports whether id has an active record.
func (jm *JobManager) IsActive(id types.JobID) bool {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	_, exists := jm.active[id]
	return exists
}

// Jobs returns copies of every active record, oldest first.
func (jm *JobManager) Jobs() []types.Job {
	jm.mu.RLock()
	out := make([]types.Job, 0, len(jm.active))
	for _, job := range jm.active {
		out = append(out, *job)
	}
	jm.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out
}

// Len returns the number of active jobs.
func (jm *JobManager) Len() int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return len(jm.active)
}

// Stats counts active jobs by state and finished jobs by outcome.
func (jm *JobManager) Stats() map[string]int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	stats := map[string]int{
		string(types.StateQueued):    0,
		string(types.StateRunning):   0,
		string(types.StateCompleted): jm.outcomes[types.StateCompleted],
		string(types.StateFailed):    jm.outcomes[types.StateFailed],
		string(types.StateTimedOut):  jm.outcomes[types.StateTimedOut],
	}
	for _, job := range jm.active {
		stats[string(job.State)]++
	}
	return stats
}

// Clear drops every active record and returns the dropped ids. Outcome
// counters are kept.
func (jm *JobManager) Clear() []types.JobID {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	ids := make([]types.JobID, 0, len(jm.active))
	for id := range jm.active {
		ids = append(ids, id)
	}
	jm.active = make(map[types.JobID]*types.Job)
	return ids
}
